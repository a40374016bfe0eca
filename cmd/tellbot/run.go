package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tellbot/internal/app"
	"tellbot/internal/plugin"
	"tellbot/internal/plugin/builtin/system"
	"tellbot/internal/plugin/builtin/tell"
)

const defaultConfigPath = "./config.yaml"

func newRunCommand() *cobra.Command {
	var cfgPath string
	var envFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to Telegram and serve tells",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnv(envFile); err != nil {
				return err
			}
			return run(cmd.Context(), cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config (json, yaml or toml)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file with TELLBOT_* overrides; missing is fine")
	return cmd
}

// loadEnv reads a dotenv file without overriding variables already set.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	a.Plugins().Register(
		tell.New(),
		system.New(),
	)

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), plugin.StopFatalError)
		return err
	}

	reason := plugin.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = plugin.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	runErr := a.Err()
	if err := a.Stop(stopCtx, reason); err != nil && runErr == nil {
		runErr = err
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
