package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/sushant-115/ehashdb/config/certs"
	"github.com/sushant-115/ehashdb/pkg/connection"
)

const dialTimeout = 5 * time.Second

var (
	serverAddr = flag.String("addr", "localhost:9090", "Address of the ehashdb server")
	timeout    = flag.Duration("timeout", 10*time.Second, "Per-command reply timeout")
	caFile     = flag.String("ca", "", "CA certificate used to verify the server. Enables TLS")
	certFile   = flag.String("cert", "", "Client certificate for mutual TLS")
	keyFile    = flag.String("key", "", "Client key for mutual TLS")
)

var errQuit = errors.New("quit")

// buildRequest turns CLI arguments into a protocol line. It returns errQuit
// for exit and an empty line for commands handled locally.
func buildRequest(args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("no command provided")
	}

	command := strings.ToLower(args[0])
	switch command {
	case "put":
		if len(args) < 3 {
			return "", errors.New("put command requires a key and a value")
		}
		return fmt.Sprintf("PUT %s %s", args[1], strings.Join(args[2:], " ")), nil
	case "get", "delete":
		if len(args) != 2 {
			return "", fmt.Errorf("%s command requires a key", command)
		}
		return fmt.Sprintf("%s %s", strings.ToUpper(command), args[1]), nil
	case "flush", "stats", "verify":
		return strings.ToUpper(command), nil
	case "backup":
		if len(args) != 2 {
			return "", errors.New("backup command requires a destination path on the server")
		}
		return "BACKUP " + args[1], nil
	case "help":
		printHelp()
		return "", nil
	case "exit", "quit":
		return "", errQuit
	}
	return "", fmt.Errorf("unknown command %q. Type 'help' for a list of commands", command)
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>")
	fmt.Println("  get <key>")
	fmt.Println("  delete <key>")
	fmt.Println("  flush")
	fmt.Println("  stats")
	fmt.Println("  verify")
	fmt.Println("  backup <server path>")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
}

// processCommand runs one command and prints the reply.
func processCommand(pool *connection.Pool, args []string) error {
	line, err := buildRequest(args)
	if err != nil || line == "" {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	reply, err := pool.Do(ctx, line)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

func interactive(pool *connection.Pool) error {
	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ehashdb> ",
		HistoryFile:     filepath.Join(home, ".ehashdb_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("put"),
			readline.PcItem("get"),
			readline.PcItem("delete"),
			readline.PcItem("flush"),
			readline.PcItem("stats"),
			readline.PcItem("verify"),
			readline.PcItem("backup"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Printf("ehashdb CLI for %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", *serverAddr)
	for {
		input, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if input == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		args := strings.Fields(input)
		if len(args) == 0 {
			continue
		}
		err = processCommand(pool, args)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func main() {
	flag.Parse()

	var opts []connection.Option
	if *caFile != "" {
		host, _, err := net.SplitHostPort(*serverAddr)
		if err != nil {
			host = *serverAddr
		}
		tlsConfig, err := certs.LoadClientTLSConfig(certs.Config{CAFile: *caFile, CertFile: *certFile, KeyFile: *keyFile}, host)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts = append(opts, connection.WithTLS(tlsConfig))
	}
	// One connection, redialled after a broken reply.
	pool := connection.NewPool(*serverAddr, 1, dialTimeout, opts...)

	var err error
	if flag.NArg() > 0 {
		err = processCommand(pool, flag.Args())
	} else {
		err = interactive(pool)
	}
	pool.Close()
	if err != nil && !errors.Is(err, errQuit) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
