// Package cmd wires the command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kompose-chatd",
	Short: "Kompose chat engine",
	Long: `kompose-chatd is the streaming chat engine behind the Kompose
assistant. It serves resumable tool-calling turns over SSE, persists
sessions in PostgreSQL and distributes realtime events through
LISTEN/NOTIFY.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
