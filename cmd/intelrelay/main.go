package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "intelrelay",
		Short:         "Relay Telegram channel posts through an LLM into output channels",
		Long:          "intelrelay watches Telegram channels, summarizes or translates each post (and PDF research notes) with an LLM, and forwards the result to per-source output channels.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to the config file (yaml or json)")

	run := newRunCmd(&cfgPath)
	root.RunE = run.RunE
	root.AddCommand(
		run,
		newLoginCmd(&cfgPath),
		newVerifyCmd(&cfgPath),
		newHistoryCmd(&cfgPath),
	)
	return root
}
