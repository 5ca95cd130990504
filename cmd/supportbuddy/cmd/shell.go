package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rsrini7/Smart-Support-Buddy/internal/output"
	"github.com/rsrini7/Smart-Support-Buddy/internal/search"
	"github.com/rsrini7/Smart-Support-Buddy/internal/store"
	"github.com/rsrini7/Smart-Support-Buddy/internal/telemetry"
	"github.com/rsrini7/Smart-Support-Buddy/internal/watcher"
)

const shellHelp = `Type a question to search. Commands:
  :explain on|off   toggle retrieval diagnostics
  :info             show the current snapshot
  :rebuild          rebuild the snapshot now
  :stats            show session query statistics
  :help             show this help
  :quit             leave the shell`

type shellOptions struct {
	metricsAddr string
	noWatch     bool
	generate    bool
	explain     bool
}

func newShellCmd(opts *rootOptions) *cobra.Command {
	var so shellOptions

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive search session",
		Long: `Start a line-oriented search session. The retrieval snapshot is built
once and reused for every question. While the shell runs, the store
directory is watched and the snapshot is dropped whenever another process
changes a collection, so the next question sees the new records.

With --metrics-addr the Prometheus metrics of the session are served at
/metrics on that address.`,
		Example: `  supportbuddy shell
  supportbuddy shell --metrics-addr :9464 --generate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd.Context(), cmd, opts, so)
		},
	}

	cmd.Flags().StringVar(&so.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default from config)")
	cmd.Flags().BoolVar(&so.noWatch, "no-watch", false, "Do not watch the store for changes")
	cmd.Flags().BoolVar(&so.generate, "generate", false, "Generate an answer for every question")
	cmd.Flags().BoolVar(&so.explain, "explain", false, "Start with diagnostics on")

	return cmd
}

func runShell(ctx context.Context, cmd *cobra.Command, opts *rootOptions, so shellOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := opts.openServices(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	out := output.New(cmd.OutOrStdout())
	queryLog := telemetry.NewQueryLog(100, 20)
	generate := so.generate || svc.cfg.Generation.Enabled
	handle, cleanup, err := svc.newHandle(ctx, handleOptions{generate: generate, queryLog: queryLog})
	if err != nil {
		return err
	}
	defer cleanup()

	addr := so.metricsAddr
	if addr == "" {
		addr = svc.cfg.Metrics.Addr
	}
	if addr != "" {
		stop, bound, err := serveMetrics(addr)
		if err != nil {
			return err
		}
		defer stop()
		out.Statusf("", "Metrics at http://%s/metrics", bound)
	}

	if !so.noWatch {
		stop, err := watchStore(ctx, svc.registry, handle)
		if err != nil {
			// The shell still works; the snapshot just goes stale.
			out.Warningf("Not watching the store: %v", err)
		} else {
			defer stop()
		}
	}

	s := &shellSession{
		out:      out,
		handle:   handle,
		queryLog: queryLog,
		generate: generate,
		explain:  so.explain,
	}
	if isInteractive(cmd.InOrStdin()) {
		s.prompt = cmd.OutOrStdout()
	}
	return s.run(ctx, cmd.InOrStdin())
}

// shellSession is one REPL over a pipeline handle.
type shellSession struct {
	out      *output.Writer
	handle   *search.PipelineHandle
	queryLog *telemetry.QueryLog
	generate bool
	explain  bool
	prompt   io.Writer // nil when input is not a terminal
}

func (s *shellSession) run(ctx context.Context, in io.Reader) error {
	s.out.Status("", "supportbuddy shell. Type :help for commands.")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if s.prompt != nil {
			_, _ = fmt.Fprint(s.prompt, "supportbuddy> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if quit := s.dispatch(ctx, line); quit {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// dispatch handles one input line and reports whether the session ends.
func (s *shellSession) dispatch(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, ":") {
		if line == "exit" || line == "quit" {
			return true
		}
		s.search(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":q", ":exit":
		return true
	case ":help", ":h":
		s.out.Status("", shellHelp)
	case ":stats":
		s.stats()
	case ":info":
		s.info()
	case ":rebuild":
		if err := s.handle.Rebuild(ctx); err != nil {
			s.out.Errorf("Rebuild failed: %v", err)
			return false
		}
		s.info()
	case ":explain":
		if len(fields) > 1 {
			s.explain = fields[1] == "on"
		} else {
			s.explain = !s.explain
		}
		s.out.KV("explain", s.explain)
	default:
		s.out.Warningf("Unknown command %s (try :help)", fields[0])
	}
	return false
}

func (s *shellSession) search(ctx context.Context, question string) {
	resp, err := s.handle.Search(ctx, search.Request{Query: question, WithGeneration: s.generate})
	if err != nil {
		s.out.Errorf("Search failed: %v", err)
		return
	}
	renderResponse(s.out, resp, s.explain)
	s.out.Newline()
}

func (s *shellSession) info() {
	info := s.handle.Info()
	s.out.Heading("Snapshot")
	if !info.Built {
		s.out.Status("", "Not built yet; it is built on the next question.")
		return
	}
	s.out.KV("built", info.BuiltAt.Format(time.RFC3339))
	s.out.KV("collections", strings.Join(info.Collections, ", "))
	s.out.KV("documents", info.CorpusSize)
	s.out.KV("sparse backend", info.SparseKind)
}

func (s *shellSession) stats() {
	snap := s.queryLog.Snapshot(5)
	s.out.Heading("Session")
	s.out.KV("queries", snap.TotalQueries)
	s.out.KV("answered", snap.AnsweredCount)
	s.out.KV("zero results", snap.ZeroResultCount)
	s.out.KV("repeats", snap.ExactRepeats)
	for _, b := range []telemetry.LatencyBucket{telemetry.BucketFast, telemetry.BucketNormal, telemetry.BucketSlow, telemetry.BucketStall} {
		if n := snap.Latencies[b]; n > 0 {
			s.out.KV("latency "+string(b), n)
		}
	}
	if len(snap.TopTerms) > 0 {
		terms := make([]string, 0, len(snap.TopTerms))
		for _, tc := range snap.TopTerms {
			terms = append(terms, fmt.Sprintf("%s (%d)", tc.Term, tc.Count))
		}
		s.out.KV("top terms", strings.Join(terms, ", "))
	}
	if len(snap.RecentZeroResult) > 0 {
		s.out.KV("recent misses", strings.Join(snap.RecentZeroResult, " | "))
	}
}

func isInteractive(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && output.IsTTY(f)
}

// serveMetrics serves the default Prometheus registry on addr. It returns a
// stop function and the bound address.
func serveMetrics(addr string) (func(), string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics_server_started", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics_server_failed", slog.String("error", err.Error()))
		}
	}()

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return stop, ln.Addr().String(), nil
}

// watchStore drops the pipeline snapshot, and the registry's copy of each
// changed collection, whenever another process rewrites the store.
func watchStore(ctx context.Context, registry *store.Registry, handle *search.PipelineHandle) (func(), error) {
	w, err := watcher.NewStoreWatcher(registry.BasePath(), watcher.DefaultOptions())
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case batch, ok := <-w.Changes():
				if !ok {
					return
				}
				names := make([]string, 0, len(batch))
				for _, c := range batch {
					registry.Evict(c.Collection)
					names = append(names, c.Collection)
				}
				handle.Invalidate()
				slog.Info("snapshot_invalidated", slog.Any("collections", names))
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				slog.Warn("store_watch_error", slog.String("error", err.Error()))
			}
		}
	}()

	return func() {
		_ = w.Stop()
		<-done
	}, nil
}
