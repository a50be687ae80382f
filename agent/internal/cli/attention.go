package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanagent/scanagent/agent/internal/queue"
	"github.com/scanagent/scanagent/agent/internal/status"
)

// AttentionOptions holds flags for the attention command.
type AttentionOptions struct {
	*RootOptions
	Addr    string
	Local   bool
	Requeue []string
}

// NewAttentionCommand creates the attention subcommand.
func NewAttentionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AttentionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "attention",
		Short: "List or requeue records the collector rejected",
		Long: `List the records the collector refused. They stay in the backlog and are not
retried until requeued.

  scanagent attention
  scanagent attention --requeue 6f1c... --requeue 9a2e...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stderrLogging(opts.RootOptions)
			if len(opts.Requeue) > 0 {
				return runRequeue(cmd.Context(), opts, cmd.OutOrStdout())
			}
			return runAttention(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "status listener of the running agent (default: status.listen)")
	cmd.Flags().BoolVar(&opts.Local, "local", false, "use the backlog file directly")
	cmd.Flags().StringArrayVar(&opts.Requeue, "requeue", nil, "id of a rejected record to retry (repeatable)")

	return cmd
}

func runAttention(ctx context.Context, opts *AttentionOptions, w io.Writer) error {
	var views []status.RecordView
	if opts.Local {
		q, err := openLocalQueue(opts.ConfigPath)
		if err != nil {
			return err
		}
		recs, err := q.Attention()
		if err != nil {
			return WrapExitError(ExitCommandError, "read backlog", err)
		}
		views = make([]status.RecordView, 0, len(recs))
		for _, r := range recs {
			views = append(views, status.ViewOf(r))
		}
	} else {
		rc, err := remoteFor(opts.Addr, opts.ConfigPath)
		if err != nil {
			return err
		}
		if _, err := rc.do(ctx, http.MethodGet, "/api/v1/attention", &views); err != nil {
			return WrapExitError(ExitCommandError, "agent unreachable", err)
		}
	}

	p := printer{format: opts.Format, w: w}
	return p.print(views, func(w io.Writer) { printAttention(w, views) })
}

type requeueResult struct {
	Requeued []string `json:"requeued"`
	NotFound []string `json:"not_found,omitempty"`
}

func runRequeue(ctx context.Context, opts *AttentionOptions, w io.Writer) error {
	var res requeueResult
	if opts.Local {
		q, err := openLocalQueue(opts.ConfigPath)
		if err != nil {
			return err
		}
		// One call per id so unknown ids can be reported.
		for _, id := range opts.Requeue {
			n, err := q.Requeue([]string{id})
			if err != nil {
				return WrapExitError(ExitCommandError, "requeue", err)
			}
			res.add(id, n > 0)
		}
	} else {
		rc, err := remoteFor(opts.Addr, opts.ConfigPath)
		if err != nil {
			return err
		}
		for _, id := range opts.Requeue {
			code, err := rc.do(ctx, http.MethodPost, "/api/v1/attention/"+url.PathEscape(id)+"/requeue", nil)
			if code == http.StatusNotFound {
				res.add(id, false)
				continue
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "agent unreachable", err)
			}
			res.add(id, true)
		}
	}

	p := printer{format: opts.Format, w: w}
	if err := p.print(res, func(w io.Writer) {
		for _, id := range res.Requeued {
			fmt.Fprintf(w, "requeued  %s\n", id)
		}
		for _, id := range res.NotFound {
			fmt.Fprintf(w, "not found %s\n", id)
		}
	}); err != nil {
		return err
	}
	if len(res.NotFound) > 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("%d id(s) not found among rejected records", len(res.NotFound)))
	}
	return nil
}

func (r *requeueResult) add(id string, ok bool) {
	if ok {
		r.Requeued = append(r.Requeued, id)
		return
	}
	r.NotFound = append(r.NotFound, id)
}

func openLocalQueue(configPath string) (*queue.Queue, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	q, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open backlog", err)
	}
	return q, nil
}

func remoteFor(flag, configPath string) (*remote, error) {
	addr, err := statusAddr(flag, configPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	rc, err := newRemote(addr)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "status address", err)
	}
	return rc, nil
}

func printAttention(w io.Writer, views []status.RecordView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "no rejected records")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCAN\tCAPTURED\tSTATUS\tREJECTED")
	for _, v := range views {
		code := "-"
		if v.RejectedStatus > 0 {
			code = fmt.Sprint(v.RejectedStatus)
		}
		rejected := "-"
		if v.RejectedAt != nil {
			rejected = v.RejectedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.ScanCode, v.CapturedAt.Format(time.RFC3339), code, rejected)
	}
	tw.Flush()
}
