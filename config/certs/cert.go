// Package certs loads and generates the certificates used for mutual TLS
// between ehashdb clients and the server.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Config names PEM files. TLS is off while CertFile is empty. With a CAFile
// the server requires client certificates signed by it, and the client
// verifies the server against it.
type Config struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func (c Config) Enabled() bool { return c.CertFile != "" }

func (c Config) Validate() error {
	if !c.Enabled() {
		if c.KeyFile != "" || c.CAFile != "" {
			return errors.New("tls.cert_file must be set when tls.key_file or tls.ca_file is")
		}
		return nil
	}
	if c.KeyFile == "" {
		return errors.New("tls.key_file must be set with tls.cert_file")
	}
	return nil
}

func loadCAPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA cert %s to pool", caCertPath)
	}
	return caCertPool, nil
}

// LoadServerTLSConfig loads the server's certificate and key. When a CA is
// configured, clients must present a certificate it signed.
func LoadServerTLSConfig(cfg Config, logger *zap.Logger) (*tls.Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	serverCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load server key pair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAFile == "" {
		return tlsConfig, nil
	}

	caCertPool, err := loadCAPool(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	tlsConfig.ClientCAs = caCertPool
	// Runs after the standard chain verification has passed.
	tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) > 0 {
			logger.Debug("Verified client certificate",
				zap.String("subject", cs.PeerCertificates[0].Subject.String()),
				zap.String("issuer", cs.PeerCertificates[0].Issuer.String()))
		}
		return nil
	}
	return tlsConfig, nil
}

// LoadClientTLSConfig loads the client's key pair, if any, and the CA used to
// verify the server.
func LoadClientTLSConfig(cfg Config, serverName string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if cfg.CertFile != "" {
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("could not load client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}
	if cfg.CAFile != "" {
		caCertPool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = caCertPool
	}
	return tlsConfig, nil
}

// --- Certificate Generation ---

// Generate writes a CA plus server and client certificates signed by it into
// dir, and returns the server and client configs that use them. The server
// certificate is valid for localhost and 127.0.0.1.
func Generate(dir string) (server Config, client Config, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return server, client, err
	}
	path := func(name string) string { return filepath.Join(dir, name) }

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return server, client, err
	}
	caCert, err := createCACertificate(caKey)
	if err != nil {
		return server, client, err
	}
	if err := saveCert(path("ca.crt"), caCert); err != nil {
		return server, client, err
	}
	if err := saveKey(path("ca.key"), caKey); err != nil {
		return server, client, err
	}

	for _, leaf := range []struct {
		name     string
		isServer bool
	}{{"server", true}, {"client", false}} {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return server, client, err
		}
		commonName := "client"
		if leaf.isServer {
			commonName = "localhost"
		}
		cert, err := createSignedCertificate(key, commonName, caCert, caKey, leaf.isServer)
		if err != nil {
			return server, client, err
		}
		if err := saveCert(path(leaf.name+".crt"), cert); err != nil {
			return server, client, err
		}
		if err := saveKey(path(leaf.name+".key"), key); err != nil {
			return server, client, err
		}
	}

	server = Config{CAFile: path("ca.crt"), CertFile: path("server.crt"), KeyFile: path("server.key")}
	client = Config{CAFile: path("ca.crt"), CertFile: path("client.crt"), KeyFile: path("client.key")}
	return server, client, nil
}

// createCACertificate creates a self-signed CA certificate.
func createCACertificate(privateKey *ecdsa.PrivateKey) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"ehashdb CA"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(certBytes)
}

// createSignedCertificate creates a server or client cert signed by a CA.
func createSignedCertificate(
	privateKey *ecdsa.PrivateKey,
	commonName string,
	caCert *x509.Certificate,
	caKey *ecdsa.PrivateKey,
	isServer bool,
) (*x509.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().AddDate(1, 0, 0),
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		DNSNames:  []string{commonName}, // Go rejects certs without SANs
	}
	if commonName == "localhost" {
		template.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	}
	if isServer {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, caCert, &privateKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create cert: %w", err)
	}
	return x509.ParseCertificate(certBytes)
}

// saveCert saves a certificate to a PEM file.
func saveCert(filename string, cert *x509.Certificate) error {
	certOut, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer certOut.Close()
	return pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// saveKey saves a private key to a PEM file.
func saveKey(filename string, key *ecdsa.PrivateKey) error {
	keyOut, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
}
