package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/saiset-co/build-cache-node/health"
)

const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitUsageError = 2
)

// runtimeError marks failures that happen after the command line was accepted.
type runtimeError struct {
	err error
}

func (e runtimeError) Error() string { return e.err.Error() }

func (e runtimeError) Unwrap() error { return e.err }

func failed(err error) error {
	if err == nil {
		return nil
	}
	return runtimeError{err: err}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &serveOptions{}

	rootCmd := &cobra.Command{
		Use:           "build-cache-node",
		Short:         "Remote HTTP build cache node",
		Long:          "Build-cache-node stores build outputs under client-computed cache keys and evicts the least recently used entries once the size ceiling is reached.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	opts.bind(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "build-cache-node %s\n", health.GetBuildInfo())
		},
	}
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(stdout, stderr)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	if err == nil {
		return ExitSuccess
	}

	fmt.Fprintln(stderr, "Error:", err)

	var runErr runtimeError
	if errors.As(err, &runErr) {
		return ExitFailure
	}

	fmt.Fprintln(stderr, "Run 'build-cache-node --help' for usage.")
	return ExitUsageError
}
