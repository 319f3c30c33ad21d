package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/crypto/bcrypt"

	"github.com/adjutant/adjutant/server"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":4711", "listen address")
	dataDir := fs.String("data-dir", defaultDataDir(), "data directory")
	apiKey := fs.String("api-key", "", "chat API key (empty disables auth)")
	pushURL := fs.String("push-url", "", "notification webhook URL")
	bdBin := fs.String("bd-bin", "bd", "task-graph CLI binary")
	maxSessions := fs.Int("max-sessions", 0, "session cap (0 for default)")
	agentCommand := fs.String("agent-command", "", "override agent CLI invocation")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg := server.Config{
		Addr:         *addr,
		DataDir:      *dataDir,
		PushURL:      *pushURL,
		BdBin:        *bdBin,
		MaxSessions:  *maxSessions,
		AgentCommand: *agentCommand,
	}
	if *apiKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*apiKey), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash api key: %w", err)
		}
		cfg.APIKeyHashes = []string{string(hash)}
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "adjutant")
	}
	return filepath.Join(home, ".config", "adjutant")
}
