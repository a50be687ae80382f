package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/scanagent/scanagent/agent/internal/config"
	"github.com/scanagent/scanagent/agent/internal/coordinator"
	"github.com/scanagent/scanagent/agent/internal/delivery"
	"github.com/scanagent/scanagent/agent/internal/device"
	"github.com/scanagent/scanagent/agent/internal/flusher"
	"github.com/scanagent/scanagent/agent/internal/metrics"
	"github.com/scanagent/scanagent/agent/internal/notify"
	"github.com/scanagent/scanagent/agent/internal/probe"
	"github.com/scanagent/scanagent/agent/internal/queue"
	"github.com/scanagent/scanagent/agent/internal/record"
	"github.com/scanagent/scanagent/agent/internal/status"
)

const (
	hubInterval       = 5 * time.Second
	notifyDrainWait   = 5 * time.Second
	certCheckInterval = 12 * time.Hour
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Stdin bool
}

// NewRunCommand creates the run subcommand.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		Long: `Run the agent until SIGINT or SIGTERM.

Each scan is stamped, delivered immediately when the collector is reachable,
and appended to the durable backlog otherwise. The backlog is drained at
startup, every flush.interval, and whenever connectivity returns.

With --stdin every non-empty line read from standard input is one scan, which
is how keyboard-wedge barcode readers are attached. Scans can also be posted
to the status listener at /api/v1/scans.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			var scans io.Reader
			if opts.Stdin {
				scans = cmd.InOrStdin()
			}
			return runAgent(ctx, opts, scans)
		},
	}

	cmd.Flags().BoolVar(&opts.Stdin, "stdin", false, "read scans from standard input, one per line")

	return cmd
}

func runAgent(ctx context.Context, opts *RunOptions, scans io.Reader) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	level := setupLogging(os.Stdout, cfg.Log, opts.Verbose)

	a, err := newAgent(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "start agent", err)
	}
	slog.Info("scanagent starting",
		"config", opts.ConfigPath,
		"device_id", a.identity.DeviceID,
		"site_id", a.identity.SiteID,
		"endpoint", cfg.Agent.Endpoint,
		"queue", cfg.Queue.Path,
	)

	go func() {
		if err := config.Watch(ctx, opts.ConfigPath, func(updated *config.Config, changed []string) {
			a.applyConfig(updated, changed, level, opts.Verbose)
		}); err != nil {
			slog.Warn("config watcher stopped", "err", err)
		}
	}()

	a.run(ctx, scans)
	slog.Info("scanagent stopped")
	return nil
}

// agent is the assembled set of components of one running process.
type agent struct {
	cfg      *config.Config
	identity record.Identity

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	notifier *notify.Notifier
	queue    *queue.Queue
	probe    probe.Probe
	monitor  *probe.Monitor
	flusher  *flusher.Flusher
	coord    *coordinator.Coordinator
	reporter *status.Reporter
	hub      *status.Hub
	handler  http.Handler
}

// newAgent wires every component from cfg. A missing or unusable endpoint
// configuration disables delivery but still yields a capturing agent.
func newAgent(cfg *config.Config) (*agent, error) {
	a := &agent{
		cfg:      cfg,
		identity: device.Resolve(cfg.Device),
		registry: prometheus.NewRegistry(),
		notifier: notify.New(cfg.Notify),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	q, err := queue.Open(cfg.Queue.Path, queue.WithQuarantineHook(a.notifier.Quarantined))
	if err != nil {
		return nil, err
	}
	a.queue = q

	// Kept as interface values so a disabled client is a true nil.
	var backlogClient flusher.Deliverer
	var captureClient coordinator.Deliverer
	client, err := delivery.New(cfg.Agent, delivery.WithAttemptObserver(a.metrics.ObserveAttempt))
	var cfgErr *delivery.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		slog.Error("delivery disabled, scans will only be buffered", "reason", cfgErr.Reason)
	case err != nil:
		return nil, err
	default:
		backlogClient = client
		captureClient = client.Attempts(cfg.Agent.CaptureAttempts)
	}

	if a.probe, err = probe.New(cfg.Probe); err != nil {
		return nil, err
	}
	a.monitor = probe.NewMonitor(a.probe, cfg.Probe.Interval)

	a.flusher = flusher.New(q, backlogClient, cfg.Flush,
		flusher.WithReportHook(a.onFlush),
		flusher.WithRejectHook(a.notifier.Rejected),
	)

	a.coord = coordinator.New(q, captureClient, a.probe, a.identity,
		coordinator.WithCaptureHook(a.onCapture),
	)

	info := status.Info{DeviceID: a.identity.DeviceID, SiteID: a.identity.SiteID}
	if backlogClient != nil {
		info.Endpoint = client.Endpoint()
	}
	a.reporter = status.NewReporter(info, a.flusher, q)
	a.hub = status.NewHub(a.reporter, hubInterval)
	a.handler = status.NewHandler(status.Deps{
		Reporter: a.reporter,
		Hub:      a.hub,
		Backlog:  q,
		Flusher:  a.flusher,
		Captures: a.coord,
		Metrics:  promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	})

	a.updateBacklog()
	return a, nil
}

// applyConfig applies a reloaded config. Only the log level is live; other
// sections are reported as pending a restart. Any change triggers a drain so
// an operator edit is followed by a fresh delivery attempt.
func (a *agent) applyConfig(updated *config.Config, changed []string, level *slog.LevelVar, verbose bool) {
	var restart []string
	for _, section := range changed {
		switch section {
		case "log":
			if !verbose {
				level.Set(updated.Log.SlogLevel())
			}
		default:
			restart = append(restart, section)
		}
	}
	if len(restart) > 0 {
		slog.Warn("config changes take effect on restart", "sections", restart)
	}
	a.flusher.Trigger()
}

func (a *agent) onCapture(cp coordinator.Capture) {
	a.reporter.RecordCapture(cp)
	a.metrics.ObserveCapture(string(cp.Outcome))
	if cp.Result != nil && cp.Result.Outcome == delivery.Rejected {
		a.notifier.Rejected(cp.Record, *cp.Result)
	}
	if cp.Outcome != coordinator.Delivered {
		a.updateBacklog()
	}
}

func (a *agent) onFlush(rep flusher.Report) {
	a.reporter.RecordFlush(rep)
	a.metrics.ObserveFlush(rep.Complete(), rep.Err != nil, rep.StartedAt, rep.FinishedAt)
	a.updateBacklog()
}

func (a *agent) updateBacklog() {
	st, err := a.queue.Stats()
	if err != nil {
		slog.Warn("backlog stats unavailable", "err", err)
		return
	}
	a.metrics.SetBacklog(st.Pending, st.Attention)
}

// run starts every loop and blocks until ctx is cancelled and they have all
// returned. scans may be nil.
func (a *agent) run(ctx context.Context, scans io.Reader) {
	flushCh := make(chan probe.Status, 1)
	statusCh := make(chan probe.Status, 1)
	metricsCh := make(chan probe.Status, 1)
	a.monitor.Subscribe(flushCh)
	a.monitor.Subscribe(statusCh)
	a.monitor.Subscribe(metricsCh)

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	start(func() { a.coord.Run(ctx) })
	start(func() { a.flusher.Run(ctx, flushCh) })
	start(func() { a.reporter.Run(ctx, statusCh) })
	start(func() { a.hub.Run(ctx) })
	start(func() { a.monitor.Run(ctx) })
	start(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-metricsCh:
				a.metrics.SetOnline(st.Online)
			}
		}
	})

	if a.cfg.Agent.Endpoint != "" {
		start(func() { a.watchCertificate(ctx) })
	}

	if addr := a.cfg.Status.Listen; addr != "" {
		start(func() {
			if err := status.Serve(ctx, addr, a.handler); err != nil {
				slog.Error("status listener stopped", "addr", addr, "err", err)
			}
		})
	}

	// The reader is not tied to wg: a blocked stdin read cannot be cancelled.
	if scans != nil {
		go readScans(ctx, scans, a.coord)
	}

	wg.Wait()

	waitCtx, cancel := context.WithTimeout(context.Background(), notifyDrainWait)
	defer cancel()
	a.notifier.Wait(waitCtx)
}

// watchCertificate checks the collector certificate at startup and then
// every certCheckInterval. Plain-http endpoints return at once.
func (a *agent) watchCertificate(ctx context.Context) {
	t := time.NewTicker(certCheckInterval)
	defer t.Stop()
	for {
		cs := probe.CheckCertificate(ctx, a.cfg.Agent.Endpoint)
		if cs == nil {
			return
		}
		a.reporter.RecordCertificate(cs)
		if cs.Attention() {
			slog.Warn("collector certificate needs attention",
				"status", cs.Status, "days_left", cs.DaysLeft, "not_after", cs.NotAfter)
			a.notifier.Certificate(cs)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// readScans submits every non-empty line of r as a scan until EOF or ctx is
// cancelled.
func readScans(ctx context.Context, r io.Reader, sub status.Submitter) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := sub.Submit(line)
		if err != nil {
			slog.Error("scan not accepted", "scan_code", line, "err", err)
			continue
		}
		slog.Debug("scan accepted", "id", rec.ID, "scan_code", rec.ScanCode)
	}
	if err := sc.Err(); err != nil {
		slog.Error("scan input failed", "err", err)
		return
	}
	slog.Info("scan input closed")
}
