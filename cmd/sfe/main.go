package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/livepeer/face-editor/cli"
	"github.com/livepeer/face-editor/logging"
)

func main() {
	logging.New(os.Getenv("APP_ENV"), os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewSFECommand(cli.Options{}).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
