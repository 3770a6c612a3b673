// Command ensembled runs the multi-agent orchestration control plane:
// the event bus, decision queue, trust engine, coherence monitor and
// WebSocket hub described in this repository, fronted by nothing more
// than a health/status surface — the REST layer proper is out of
// scope (spec §1).
//
// Grounded directly on cmd/factory/main.go's flag set, banner print
// and signal-driven shutdown sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"ensemble"
	"ensemble/internal/config"
	"ensemble/internal/knowledge"
	"ensemble/internal/plugin"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	cfg := config.Defaults()
	config.RegisterFlags(flag.CommandLine, &cfg)

	var (
		addr        = flag.String("addr", ":8787", "HTTP/WebSocket listen address")
		showVersion = flag.Bool("version", false, "show version and exit")
		showStatus  = flag.Bool("status", false, "print a one-shot status snapshot and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ensembled %s (%s)\n", version, gitCommit)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	coord, err := ensemble.New(cfg, noopPlugin{}, logger)
	if err != nil {
		logger.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	if *showStatus {
		printBanner(logger)
		snapshot, err := coord.Knowledge.GetSnapshot(coord.Graph.PendingDecisionEvents())
		if err != nil {
			logger.Error("status snapshot failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("version=%d agents=%d artifacts=%d coherenceIssues=%d pendingDecisions=%d\n",
			snapshot.Version, len(snapshot.ActiveAgents), len(snapshot.ArtifactIndex),
			len(snapshot.RecentCoherenceIssues), len(snapshot.PendingDecisions))
		_ = coord.Shutdown(context.Background())
		return
	}

	printBanner(logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := coord.Hub.HandleUpgrade(w, r); err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok connections=%d\n", coord.Hub.GetConnectionCount())
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		serveStatusPage(w, coord, logger)
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		logger.Info("listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := coord.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// serveStatusPage renders a minimal HTML status page: active agents
// (with their status humanized) and any document artifact's rendered
// preview, exercising the same goldmark/x-text rendering path as the
// WebSocket event feed.
func serveStatusPage(w http.ResponseWriter, coord *ensemble.Coordinator, logger *slog.Logger) {
	active, err := coord.Knowledge.ListActiveAgents()
	if err != nil {
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		logger.Error("status page: list active agents failed", "error", err)
		return
	}
	artifacts, err := coord.Knowledge.ListArtifacts()
	if err != nil {
		logger.Warn("status page: list artifacts failed", "error", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><html><head><title>ensembled status</title></head><body>")
	fmt.Fprintf(w, "<h1>ensembled</h1><p>connections=%d</p><h2>Agents</h2><ul>", coord.Hub.GetConnectionCount())
	for _, a := range active {
		fmt.Fprintf(w, "<li>%s — %s (trust %d)</li>", a.ID, knowledge.Humanize(string(a.Status)), coord.Trust.GetScore(a.ID))

		for _, art := range artifacts {
			if art.AgentID != a.ID {
				continue
			}
			html, ok, err := coord.Knowledge.GetArtifactPreview(a.ID, art.Artifact.ArtifactID)
			if err != nil || !ok {
				continue
			}
			fmt.Fprintf(w, "<div class=\"artifact-preview\">%s</div>", html)
		}
	}
	fmt.Fprintf(w, "</ul></body></html>")
}

func printBanner(logger *slog.Logger) {
	colorize := isatty.IsTerminal(os.Stdout.Fd())
	banner := "ensembled"
	if colorize {
		banner = "\033[1;36mensembled\033[0m"
	}
	fmt.Printf("%s — multi-agent orchestration control plane (%s)\n", banner, version)
}

// noopPlugin is the zero-value agent-runtime plugin: a coordinator
// with no actual agent runtime wired in still ingests externally
// published envelopes and serves state over the WebSocket hub, it
// simply cannot spawn/pause/resume/kill sessions itself.
type noopPlugin struct{}

func (noopPlugin) Name() string    { return "noop" }
func (noopPlugin) Version() string { return "0" }
func (noopPlugin) Capabilities() plugin.Capabilities {
	return plugin.Capabilities{}
}
func (noopPlugin) Spawn(context.Context, string) (plugin.Handle, error) {
	return plugin.Handle{}, fmt.Errorf("no agent runtime plugin configured")
}
func (noopPlugin) Kill(context.Context, plugin.Handle, plugin.KillOptions) (plugin.KillResult, error) {
	return plugin.KillResult{}, fmt.Errorf("no agent runtime plugin configured")
}
func (noopPlugin) Pause(context.Context, plugin.Handle) (plugin.CheckpointState, error) {
	return plugin.CheckpointState{}, fmt.Errorf("no agent runtime plugin configured")
}
func (noopPlugin) Resume(context.Context, plugin.CheckpointState) (plugin.Handle, error) {
	return plugin.Handle{}, fmt.Errorf("no agent runtime plugin configured")
}
func (noopPlugin) ResolveDecision(context.Context, plugin.Handle, string, plugin.Resolution) error {
	return nil
}
func (noopPlugin) InjectContext(context.Context, plugin.Handle, plugin.ContextInjection) error {
	return nil
}
func (noopPlugin) UpdateBrief(context.Context, plugin.Handle, plugin.BriefChanges) error {
	return nil
}
func (noopPlugin) RequestCheckpoint(context.Context, plugin.Handle, string) (plugin.CheckpointState, error) {
	return plugin.CheckpointState{}, fmt.Errorf("no agent runtime plugin configured")
}
