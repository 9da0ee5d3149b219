package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sushant-115/ehashdb/config"
	"github.com/sushant-115/ehashdb/config/certs"
	"github.com/sushant-115/ehashdb/pkg/logger"
	"github.com/sushant-115/ehashdb/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file. Built-in defaults are used when empty")
	listenAddr = flag.String("listen_addr", "", "Overrides server.listen_addr")
	dataFile   = flag.String("data_file", "", "Overrides storage.data_file")
	genCerts   = flag.String("generate_certs", "", "Write a CA plus server and client certificates into this directory and exit")
)

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *dataFile != "" {
		cfg.Storage.DataFile = *dataFile
	}
	return cfg, cfg.Validate()
}

// setupSignalHandling cancels the returned context on SIGINT or SIGTERM.
func setupSignalHandling(zlogger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-signals:
			zlogger.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx, cancel
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if tel.MetricsAddr != "" {
		zlogger.Info("Serving metrics", zap.String("addr", tel.MetricsAddr))
	}

	st, err := openStorage(cfg, tel, zlogger)
	if err != nil {
		return multierr.Append(err, shutdownTelemetry(context.Background()))
	}

	listener, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return multierr.Combine(fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddr, err),
			st.close(), shutdownTelemetry(context.Background()))
	}
	if cfg.Server.TLS.Enabled() {
		tlsConfig, err := certs.LoadServerTLSConfig(cfg.Server.TLS, zlogger.Named("tls"))
		if err != nil {
			listener.Close()
			return multierr.Combine(err, st.close(), shutdownTelemetry(context.Background()))
		}
		listener = tls.NewListener(listener, tlsConfig)
	}
	zlogger.Info("ehashdb server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", cfg.Server.TLS.Enabled()),
		zap.String("data_file", cfg.Storage.DataFile),
		zap.String("commands", "PUT <key> <value>, GET <key>, DELETE <key>, FLUSH, STATS, VERIFY, BACKUP <path>"))

	ctx, cancel := setupSignalHandling(zlogger)
	defer cancel()
	serveErr := newServer(st, zlogger).serve(ctx, listener)

	zlogger.Info("Shutting down storage")
	err = multierr.Append(serveErr, st.close())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	err = multierr.Append(err, shutdownTelemetry(shutdownCtx))
	if err == nil {
		zlogger.Info("Shutdown complete")
	}
	return err
}

func main() {
	flag.Parse()
	if *genCerts != "" {
		server, client, err := certs.Generate(*genCerts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ehashdb_server: failed to generate certificates: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("server: ca=%s cert=%s key=%s\n", server.CAFile, server.CertFile, server.KeyFile)
		fmt.Printf("client: ca=%s cert=%s key=%s\n", client.CAFile, client.CertFile, client.KeyFile)
		return
	}
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "ehashdb_server: %v\n", err)
		os.Exit(1)
	}
}
