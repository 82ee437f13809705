package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	app "github.com/kode4food/argyll/worker"
	"github.com/kode4food/argyll/worker/internal/process"
	"github.com/kode4food/argyll/worker/internal/sandbox"
	"github.com/kode4food/argyll/worker/pkg/api"
	"github.com/kode4food/argyll/worker/pkg/log"
)

// EnvEngineCommand names the engine executable run for each operation
const EnvEngineCommand = "ENGINE_COMMAND"

var ErrMissingEnv = errors.New("required environment variable not set")

func main() {
	logger := log.NewWithWriter(os.Stderr,
		app.Name+"-sandbox", os.Getenv("ENVIRONMENT"), app.Version,
		log.ParseLevel(os.Getenv("LOG_LEVEL")),
	)
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("Sandbox stopped", log.Error(err))
		os.Exit(1)
	}
}

func run() error {
	id := api.SandboxID(os.Getenv(process.EnvSandboxID))
	controlURL := os.Getenv(process.EnvControlURL)
	if id == "" || controlURL == "" {
		return ErrMissingEnv
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	client, err := sandbox.Dial(ctx, controlURL, id)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	slog.Info("Sandbox connected", log.SandboxID(id))

	exec := &sandbox.CommandExecutor{
		Command: strings.Fields(os.Getenv(EnvEngineCommand)),
	}
	if err := client.Run(ctx, exec); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
