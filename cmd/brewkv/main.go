package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/beyondbrewing/brewkv/internal/cli"
	"github.com/beyondbrewing/brewkv/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Default().Error("command failed", "error", err)
		logger.SyncDefault()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
