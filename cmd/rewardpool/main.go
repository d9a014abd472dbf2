package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	goflags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gitlab.com/scpcorp/reward-pool/app"
)

func parse(config interface{}) {
	errWrongCommand := 2

	_, err := goflags.Parse(config)
	if err != nil {
		if err, ok := err.(*goflags.Error); ok && err.Type == goflags.ErrHelp {
			os.Exit(errWrongCommand)
		}
		logrus.Fatalf("Error during flags parsing: %v.", err)
	}
}

func main() {
	// Environment set explicitly wins over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Fatalf("Failed to load .env: %v.", err)
	}

	var config app.Config
	parse(&config)
	if err := app.SetupLogging(config); err != nil {
		logrus.Fatalf("Bad log level %q: %v.", config.LogLevel, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, config)
	if err != nil {
		logrus.Errorf("Failed to start reward pool application: %v", err)
		os.Exit(1)
	}
	report, err := a.Run(ctx)
	a.Close()
	if err != nil {
		logrus.Errorf("Run failed: %v", err)
		os.Exit(1)
	}

	logrus.WithFields(logrus.Fields{
		"pool":             report.Pool.String(),
		"invocation_count": report.InvocationCount,
		"branch":           report.Resolution.Branch.String(),
		"mint":             report.Resolution.Mint.String(),
		"transfer":         report.Receipt.Signature.String(),
		"source":           report.SourceBalance,
		"destination":      report.DestinationBalance,
		"took":             report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("Reward distributed")
}
