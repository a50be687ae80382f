package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanagent/scanagent/agent/internal/coordinator"
	"github.com/scanagent/scanagent/agent/internal/delivery"
	"github.com/scanagent/scanagent/agent/internal/metrics"
	"github.com/scanagent/scanagent/agent/internal/status"
)

var (
	captureOutcomes = []coordinator.Outcome{coordinator.Delivered, coordinator.Buffered, coordinator.Failed}
	attemptResults  = []string{delivery.AttemptSuccess, delivery.AttemptRejected, delivery.AttemptBusy, delivery.AttemptTransport}
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Addr string
}

// NewStatusCommand creates the status subcommand.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stderrLogging(opts.RootOptions)
			return runStatus(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "status listener of the running agent (default: status.listen)")

	return cmd
}

// statusView is the status snapshot plus the counters scraped from /metrics.
type statusView struct {
	status.Snapshot
	Captures map[string]float64 `json:"captures,omitempty"`
	Attempts map[string]float64 `json:"delivery_attempts,omitempty"`
}

func runStatus(ctx context.Context, opts *StatusOptions, w io.Writer) error {
	rc, err := remoteFor(opts.Addr, opts.ConfigPath)
	if err != nil {
		return err
	}

	var view statusView
	if _, err := rc.do(ctx, http.MethodGet, "/api/v1/status", &view.Snapshot); err != nil {
		return WrapExitError(ExitCommandError, "agent unreachable", err)
	}

	mfs, err := fetchMetrics(ctx, rc.http, rc.base+"/metrics")
	if err != nil {
		slog.Warn("metrics unavailable", "err", err)
	} else {
		view.Captures = make(map[string]float64, len(captureOutcomes))
		for _, o := range captureOutcomes {
			view.Captures[string(o)] = sumFamily(mfs[metrics.CapturesTotal], map[string]string{"outcome": string(o)})
		}
		view.Attempts = make(map[string]float64, len(attemptResults))
		for _, r := range attemptResults {
			view.Attempts[r] = sumFamily(mfs[metrics.DeliveryAttemptsTotal], map[string]string{"result": r})
		}
	}

	p := printer{format: opts.Format, w: w}
	return p.print(view, func(w io.Writer) { printStatus(w, view) })
}

func printStatus(w io.Writer, v statusView) {
	fmt.Fprintf(w, "device:    %s (site %s)\n", orDash(v.DeviceID), orDash(v.SiteID))
	if v.DeliveryEnabled {
		fmt.Fprintf(w, "endpoint:  %s\n", v.Endpoint)
	} else {
		fmt.Fprintln(w, "endpoint:  none, delivery disabled")
	}
	online := "no"
	if v.Online {
		online = "yes"
	}
	fmt.Fprintf(w, "online:    %s\n", online)
	fmt.Fprintf(w, "backlog:   %d pending, %d rejected\n", v.Backlog.Pending, v.Backlog.Attention)
	if v.BacklogError != "" {
		fmt.Fprintf(w, "           %s\n", v.BacklogError)
	}
	fmt.Fprintf(w, "flusher:   %s\n", v.FlusherState)
	if v.LastFlush != nil {
		fmt.Fprintf(w, "last flush: %s\n", v.LastFlush.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "last flush: never")
	}
	if c := v.Certificate; c != nil {
		fmt.Fprintf(w, "cert:      %s (%d days left)\n", c.Status, c.DaysLeft)
	}
	fmt.Fprintf(w, "uptime:    %s\n", (time.Duration(v.UptimeSeconds) * time.Second).String())
	if v.Captures != nil {
		fmt.Fprintf(w, "captures:  %.0f delivered, %.0f buffered, %.0f failed\n",
			v.Captures["delivered"], v.Captures["buffered"], v.Captures["failed"])
	}
	if v.Attempts != nil {
		fmt.Fprintf(w, "attempts:  %.0f ok, %.0f rejected, %.0f busy, %.0f transport\n",
			v.Attempts["success"], v.Attempts["rejected"], v.Attempts["busy"], v.Attempts["transport"])
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
