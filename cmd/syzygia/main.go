package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ralt/syzygia/internal/cli"
	"github.com/sirupsen/logrus"
)

func main() {
	// Setup logging format
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Interrupts cancel in-flight downloads; the database is only replaced
	// once a transaction has fully applied
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.NewRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.Error(err)
		stop()
		os.Exit(cli.ExitCode(err))
	}
}
