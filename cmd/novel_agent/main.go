// Package main provides the entry point for the novel creation engine: the
// HTTP API server, the schema migration and a terminal runner.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "novel_agent",
	Short: "Novel Creator stage orchestration engine",
	Long: `Novel Creator drives a book through five stages (brainstorm, titles, outline,
chapters and review) with a language model, either over a REST API or from the terminal.`,
	SilenceUsage: true,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
