// Package main provides the lace CLI: an interactive AI coding assistant
// driven by an event-sourced conversation core.
//
// # Basic Usage
//
// Start a chat on a fresh thread:
//
//	lace chat
//
// Resume a specific thread, or the newest one:
//
//	lace chat --thread lace_20260824_k3v9qa
//	lace chat --continue
//
// List stored threads:
//
//	lace threads
//
// # Environment Variables
//
//   - LACE_CONFIG: Path to configuration file (default: ~/.lace/lace.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "lace",
		Short:         "Event-sourced AI coding assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Configuration file (default ~/.lace/lace.yaml; or set LACE_CONFIG)")

	rootCmd.AddCommand(
		buildChatCmd(&configPath),
		buildThreadsCmd(&configPath),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lace %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the flag, then the environment, then the
// default location.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("LACE_CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "lace.yaml"
	}
	return filepath.Join(home, ".lace", "lace.yaml")
}
