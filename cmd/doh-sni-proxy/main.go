package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tternquist/doh-sni-proxy/internal/logging"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	// hash-token runs before flag.Parse
	if len(os.Args) >= 2 && os.Args[1] == "hash-token" {
		if err := runHashToken(os.Args[2:], os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "hash-token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config/config.yaml"
	}
	configPath := flag.String("config", defaultConfig, "Path to YAML config override")
	flag.Parse()

	if err := runServer(*configPath); err != nil {
		logging.Fatal(logging.NewDefaultLogger(os.Stderr), "doh-sni-proxy stopped", "err", err)
	}
}

// runHashToken prints a bcrypt hash for control.token_hash. The token is
// taken from args or, when absent, the first line of in.
func runHashToken(args []string, in io.Reader, out io.Writer) error {
	var token string
	if len(args) > 0 {
		token = args[0]
	} else {
		data, err := io.ReadAll(io.LimitReader(in, 4096))
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		token, _, _ = strings.Cut(string(data), "\n")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	_, err = fmt.Fprintln(out, string(hash))
	return err
}
