package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"steward/services/ctl"
	"steward/services/intent"
	"steward/services/pipeline"
)

// exitError carries a process exit code alongside an optional message.
type exitError struct {
	code int
	msg  string
}

func (e exitError) Error() string { return e.msg }

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			if exit.msg != "" {
				fmt.Fprintf(os.Stderr, "%s\n", exit.msg)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stewardctl",
		Short:         "Operator client for the steward pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("api", envOr("STEWARD_API_URL", "http://localhost:8080"), "Base URL of the steward API")
	cmd.PersistentFlags().String("token", os.Getenv("STEWARD_API_TOKEN"), "Bearer token for the steward API")

	cmd.AddCommand(newRequestCommand())
	cmd.AddCommand(newRunsCommand())
	return cmd
}

func newRequestCommand() *cobra.Command {
	var (
		environment string
		dryRun      bool
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "request <text>",
		Short: "Submit an operator request; change requests start a pipeline run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)

			result, err := client.SubmitRequest(ctx, strings.Join(args, " "), environment, dryRun)
			if err != nil {
				return err
			}

			if result.Intent != intent.IntentChange {
				fmt.Fprintln(cmd.OutOrStdout(), result.Reply)
				return nil
			}

			run := *result.Run
			fmt.Fprintf(cmd.OutOrStdout(), "run %s started (environment=%s dry_run=%t)\n", run.ID, run.Environment, run.DryRun)
			if !wait {
				return printRun(cmd, run)
			}

			run, err = client.WaitForTerminal(ctx, run.ID, 2*time.Second)
			if err != nil {
				return err
			}
			if err := printRun(cmd, run); err != nil {
				return err
			}
			return terminalExit(run)
		},
	}

	cmd.Flags().StringVar(&environment, "environment", "staging", "Target environment (staging or production)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run the pipeline without deploying")
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for the run to finish and exit with its outcome")
	return cmd
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and control pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsGetCommand())
	cmd.AddCommand(newRunsWaitCommand())
	cmd.AddCommand(newRunsDecisionCommand("approve", true))
	cmd.AddCommand(newRunsDecisionCommand("reject", false))
	cmd.AddCommand(newRunsCancelCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			runs, err := client.ListRuns(commandContext(cmd), state)
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", run.ID, run.State, run.Environment, run.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter runs by state")
	return cmd
}

func newRunsGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			run, err := client.GetRun(commandContext(cmd), id)
			if err != nil {
				return err
			}
			return printRun(cmd, run)
		},
	}
	return cmd
}

func newRunsWaitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <run-id>",
		Short: "Wait for a run to finish and exit with its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			run, err := client.WaitForTerminal(commandContext(cmd), id, 2*time.Second)
			if err != nil {
				return err
			}
			if err := printRun(cmd, run); err != nil {
				return err
			}
			return terminalExit(run)
		},
	}
	return cmd
}

func newRunsDecisionCommand(verb string, approved bool) *cobra.Command {
	var (
		gate  string
		actor string
		note  string
	)

	cmd := &cobra.Command{
		Use:   verb + " <run-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a pending approval gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			run, err := client.ResolveGate(commandContext(cmd), id, gate, approved, actor, note)
			if err != nil {
				return err
			}
			return printRun(cmd, run)
		},
	}

	cmd.Flags().StringVar(&gate, "gate", "", "Gate to resolve (plan or deploy)")
	cmd.Flags().StringVar(&actor, "actor", envOr("USER", "operator"), "Identity recorded with the decision")
	cmd.Flags().StringVar(&note, "note", "", "Optional note recorded with the decision")
	_ = cmd.MarkFlagRequired("gate")
	return cmd
}

func newRunsCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			run, err := client.CancelRun(commandContext(cmd), id, reason)
			if err != nil {
				return err
			}
			return printRun(cmd, run)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the cancellation")
	return cmd
}

func clientFromFlags(cmd *cobra.Command) (*ctl.Client, error) {
	baseURL, err := cmd.Flags().GetString("api")
	if err != nil {
		return nil, err
	}
	token, err := cmd.Flags().GetString("token")
	if err != nil {
		return nil, err
	}
	return ctl.NewClient(baseURL, token)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseRunID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run id %q", raw)
	}
	return id, nil
}

func printRun(cmd *cobra.Command, run pipeline.Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// terminalExit maps the run's terminal state to the process exit code:
// 0 for succeeded, 2 for rejected, 1 otherwise.
func terminalExit(run pipeline.Run) error {
	switch run.State {
	case pipeline.StateSucceeded:
		return nil
	case pipeline.StateRejected:
		return exitError{code: 2, msg: fmt.Sprintf("run %s rejected: %s", run.ID, run.Error)}
	default:
		return exitError{code: 1, msg: fmt.Sprintf("run %s %s: %s", run.ID, run.State, run.Error)}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
