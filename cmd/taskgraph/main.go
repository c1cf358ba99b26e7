package main

import (
	"fmt"
	"os"

	"github.com/ignatij/taskgraph/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskgraph",
	Short: "Track and drive DAG workflows of agent tasks",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
