package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanagent/scanagent/agent/internal/delivery"
	"github.com/scanagent/scanagent/agent/internal/flusher"
	"github.com/scanagent/scanagent/agent/internal/queue"
	"github.com/scanagent/scanagent/agent/internal/status"
)

// FlushOptions holds flags for the flush command.
type FlushOptions struct {
	*RootOptions
	Addr  string
	Local bool
}

// NewFlushCommand creates the flush subcommand.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Drain the backlog once",
		Long: `Drain the backlog once and print what happened.

By default the running agent is asked to drain and the command waits for the
result. With --local the backlog file is drained by this process; do not use
--local while an agent is running against the same file.

Exit code is 0 when the backlog has no pending records afterwards, 1 when the
drain stopped early, and 2 when it could not run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stderrLogging(opts.RootOptions)
			return runFlush(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "status listener of the running agent (default: status.listen)")
	cmd.Flags().BoolVar(&opts.Local, "local", false, "drain the backlog file directly")

	return cmd
}

func runFlush(ctx context.Context, opts *FlushOptions, w io.Writer) error {
	var resp status.FlushResponse
	if opts.Local {
		rep, err := localFlush(ctx, opts.ConfigPath)
		if err != nil {
			return err
		}
		resp = status.NewFlushResponse(rep)
	} else {
		rc, err := remoteFor(opts.Addr, opts.ConfigPath)
		if err != nil {
			return err
		}
		if _, err := rc.do(ctx, http.MethodPost, "/api/v1/flush?wait=true", &resp); err != nil {
			return WrapExitError(ExitCommandError, "agent unreachable", err)
		}
	}

	p := printer{format: opts.Format, w: w}
	if err := p.print(resp, func(w io.Writer) { printFlush(w, resp) }); err != nil {
		return err
	}

	switch {
	case resp.Skipped && resp.Error != "":
		return NewExitError(ExitCommandError, resp.Error)
	case resp.Report != nil && !resp.Report.Complete:
		return NewExitError(ExitFailure, "backlog not drained")
	}
	return nil
}

// localFlush drains the configured backlog file in this process.
func localFlush(ctx context.Context, configPath string) (flusher.Report, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return flusher.Report{}, WrapExitError(ExitCommandError, "load config", err)
	}
	q, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		return flusher.Report{}, WrapExitError(ExitCommandError, "open backlog", err)
	}

	var client flusher.Deliverer
	c, err := delivery.New(cfg.Agent)
	var cfgErr *delivery.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return flusher.Report{}, WrapExitError(ExitCommandError, "delivery disabled", err)
	case err != nil:
		return flusher.Report{}, WrapExitError(ExitCommandError, "build delivery client", err)
	default:
		client = c
	}

	return flusher.New(q, client, cfg.Flush).Drain(ctx), nil
}

func printFlush(w io.Writer, resp status.FlushResponse) {
	if resp.Report == nil {
		if resp.Error != "" {
			fmt.Fprintf(w, "no drain ran: %s\n", resp.Error)
		} else {
			fmt.Fprintln(w, "no drain ran: one is already in progress")
		}
		return
	}
	r := resp.Report
	fmt.Fprintf(w, "sent:      %d\n", r.Sent)
	fmt.Fprintf(w, "rejected:  %d\n", r.Rejected)
	fmt.Fprintf(w, "remaining: %d\n", r.Remaining)
	fmt.Fprintf(w, "took:      %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(w, "error:     %s\n", r.Error)
	}
}
