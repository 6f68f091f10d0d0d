// fleetctl runs one-off fleet operations against the same store and
// container runtime the server uses.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-provisioner/internal/config"
	"github.com/openclaw/agent-provisioner/internal/database"
	"github.com/openclaw/agent-provisioner/internal/fsutil"
	"github.com/openclaw/agent-provisioner/internal/provision"
	"github.com/openclaw/agent-provisioner/internal/repository"
	"github.com/openclaw/agent-provisioner/internal/runtime/docker"
	"github.com/openclaw/agent-provisioner/internal/util"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(false); err != nil {
		return err
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	sealer, err := util.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	runtime, err := docker.New()
	if err != nil {
		return fmt.Errorf("connect container runtime: %w", err)
	}
	defer runtime.Close()

	engine := provision.NewEngine(
		repository.NewInstanceRepository(db.DB, sealer),
		runtime,
		fsutil.OSOwner{},
		provision.EngineConfigFrom(cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &commands{
		fleet:   engine,
		sweeper: provision.NewReaper(engine, provision.DefaultReaperConfig()),
		out:     os.Stdout,
	}
	return cmd.run(ctx, os.Args[1:])
}
