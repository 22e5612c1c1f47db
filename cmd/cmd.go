// Package cmd is the root command and flag surface.
package cmd

import (
	"log"

	"github.com/spf13/cobra"
)

// NewCLI builds the root shardrun command: the minimum flag set needed to
// run a generation, plus the shape-inspection subcommand.
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "shardrun",
		Short:         "Host-side driver for a precompiled NPU decoder-only transformer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          RunHandler,
	}

	rootCmd.Flags().String("ctx_dir", "", "directory containing forward_<i>.bin shards and their metadata JSON")
	rootCmd.Flags().String("tokenizer", "", "path to the tokenizer collaborator's resource file")
	rootCmd.Flags().String("prompt", "", "prompt text to generate from")
	rootCmd.Flags().Int("max_gen", 100, "maximum number of decode steps")
	rootCmd.Flags().String("backend_so", "", "path to the accelerator backend shared library")
	rootCmd.Flags().String("system_so", "", "path to the accelerator system shared library")
	rootCmd.Flags().Int("log_level", 2, "verbosity 0 (errors only) through 5 (debug)")
	rootCmd.MarkFlagRequired("ctx_dir")
	rootCmd.MarkFlagRequired("tokenizer")
	rootCmd.MarkFlagRequired("prompt")
	rootCmd.MarkFlagRequired("backend_so")
	rootCmd.MarkFlagRequired("system_so")

	rootCmd.AddCommand(newShapeCmd())

	return rootCmd
}
