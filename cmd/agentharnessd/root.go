package main

import (
	"github.com/spf13/cobra"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:   "agentharnessd",
	Short: "Control-plane daemon for tmux-hosted coding-agent CLIs",
	Long: `agentharnessd supervises codex, claude-code, pi, and opencode agent
processes inside tmux windows and exposes them over an HTTP+SSE API:
project/agent CRUD, follow-up input, live output streaming, and outbound
status-change webhooks.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug-level logging")
	rootCmd.AddCommand(serveCmd, versionCmd)
}
