package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/banquet/pkg/billing"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a sweep or trigger ran but reported failures
	ExitCommandError = 2 // bad flags, config or arguments
)

// ExitError carries the process exit code for a failed command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// GetExitCode maps an error returned by a command to a process exit code.
// Validation and not-found errors are caller mistakes.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, billing.ErrValidation) || errors.Is(err, billing.ErrNotFound) {
		return ExitCommandError
	}
	return ExitFailure
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitCommandError, Err: fmt.Errorf(format, args...)}
}

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the root command for the banquet CLI
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "banquet",
		Short: "Catering billing workflow engine",
		Long: `banquet keeps catering quotes and invoices moving: it creates invoices with
payment schedules, marks them overdue, confirms and completes bookings,
sends reminders and reconciles stored totals.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogLevel == "" {
				return nil
			}
			level, err := logrus.ParseLevel(opts.LogLevel)
			if err != nil {
				return usageError("invalid log level %q: %v", opts.LogLevel, err)
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (debug|info|warn|error)")

	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewInvoiceCommand(opts))
	cmd.AddCommand(NewPaymentCommand(opts))
	cmd.AddCommand(NewTransitionCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}
