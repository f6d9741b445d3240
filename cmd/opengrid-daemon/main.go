package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"opengrid/internal/config"
	"opengrid/internal/daemon"
	"opengrid/internal/logging"
	"opengrid/internal/metrics"
	"opengrid/internal/node"
	"opengrid/internal/pprofutil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runDaemon(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "id":
		return runID(stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: opengrid-daemon <run|status|id> [args]")
	fmt.Fprintln(w, "  run    [--config <file>] [--debug] [--publish-stdin]")
	fmt.Fprintln(w, "  status [--metrics <file>]")
	fmt.Fprintln(w, "  id")
}

func runDaemon(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "YAML config file (defaults apply when empty)")
	debug := fs.Bool("debug", false, "enable debug logging")
	publishStdin := fs.Bool("publish-stdin", false, "publish each stdin line to the first configured topic")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *publishStdin && len(cfg.Topics) == 0 {
		fmt.Fprintln(stderr, "--publish-stdin needs at least one topic in the config")
		return 1
	}
	log, err := logging.New(cfg.LogLevel, cfg.ProviderID)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if _, err := pprofutil.Start(ctx, log.Named("pprof")); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}

	r, err := daemon.NewRunner(daemon.Options{Config: &cfg, Log: log, Metrics: metrics.New()})
	if err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY node_id=%s addrs=%s\n", r.ID(), strings.Join(r.Addrs(), ","))

	go logDeliveries(r, log)
	if *publishStdin {
		go publishLines(ctx, r, cfg.Topics[0], os.Stdin, log)
	}
	if err := r.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func logDeliveries(r *daemon.Runner, log *zap.Logger) {
	for d := range r.Deliveries() {
		log.Info("message delivered",
			zap.String("topic", d.Topic),
			logging.Node("origin", d.Origin),
			zap.String("msg_id", d.ID.Short()),
			zap.ByteString("payload", d.Payload))
	}
}

func publishLines(ctx context.Context, r *daemon.Runner, topic string, in io.Reader, log *zap.Logger) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := r.Publish(ctx, topic, []byte(line)); err != nil {
			if errors.Is(err, daemon.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("stdin read", zap.Error(err))
	}
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("metrics", config.DefaultMetricsPath, "metrics snapshot written by a running daemon")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap, err := metrics.ReadSnapshot(*path)
	if err != nil {
		fmt.Fprintf(stderr, "status: no snapshot at %s: %v\n", *path, err)
		return 1
	}
	fmt.Fprintf(stdout, "node %s (snapshot %s)\n", snap.NodeID, snap.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(stdout, "  peers known: %d\n", snap.Discovery.PeerTableSize)
	fmt.Fprintf(stdout, "  connections: out=%d in=%d\n", snap.Conn.Outbound, snap.Conn.Inbound)
	fmt.Fprintf(stdout, "  dials: attempts=%d ok=%d failed=%d deferred=%d\n",
		snap.Conn.DialAttempts, snap.Conn.DialSuccess, snap.Conn.DialFail, snap.Conn.Deferred)
	fmt.Fprintf(stdout, "  announcements: sent=%d recv=%d failed=%d\n",
		snap.Discovery.AnnounceSent, snap.Discovery.AnnounceRecv, snap.Discovery.AnnounceFailed)
	fmt.Fprintf(stdout, "  gossip: published=%d delivered=%d relayed=%d duplicates=%d violations=%d\n",
		snap.Gossip.Published, snap.Gossip.Delivered, snap.Gossip.Relayed, snap.Gossip.Duplicates, snap.Gossip.Violations)
	for _, reason := range slices.Sorted(maps.Keys(snap.DropByReason)) {
		fmt.Fprintf(stdout, "  dropped %s: %d\n", reason, snap.DropByReason[reason])
	}
	return 0
}

func runID(stdout, stderr io.Writer) int {
	id, err := node.NewIdentity(nil)
	if err != nil {
		fmt.Fprintf(stderr, "id: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, id.ID)
	return 0
}
