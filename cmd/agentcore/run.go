package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go-pattern-agents/internal/config"
	"go-pattern-agents/internal/core"
	"go-pattern-agents/internal/eventbus"
	"go-pattern-agents/internal/history"
	"go-pattern-agents/internal/logging"
	"go-pattern-agents/internal/metrics"
	"go-pattern-agents/internal/registry"
	"go-pattern-agents/internal/snapshot"
)

var (
	inputPath   string
	metricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agents over an event stream",
	Long: `Reads events from --input ("-" for stdin) and publishes them on the bus.
With redis.addr configured, agent outputs are also forwarded to Redis and
inbound events published on Redis are ingested; the process then keeps
running after the input ends until interrupted.`,
	RunE: runAgents,
}

func init() {
	runCmd.Flags().StringVarP(&inputPath, "input", "i", "-", `NDJSON event file, "-" for stdin, "" for none`)
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

// inputLine is one NDJSON input record.
type inputLine struct {
	Kind    core.EventKind         `json:"kind"`
	Payload map[string]interface{} `json:"payload"`
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	logger, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	bus := eventbus.NewLocalBus(
		eventbus.WithHistorySize(cfg.Bus.HistorySize),
		eventbus.WithMaxDepth(cfg.Bus.MaxDepth),
		eventbus.WithLogger(logger),
		eventbus.WithMetrics(m),
	)
	defer bus.Close()

	store, closeStore, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	snaps := openSnapshots(cfg, logger)
	defer snaps.Close()

	detach := history.Attach(bus, store, logger)
	defer detach()
	printOutbound(bus, cmd.OutOrStdout())

	agents := registry.New(registry.Deps{
		Bus:       bus,
		Config:    cfg,
		History:   store,
		Snapshots: snaps,
		Metrics:   m,
		Logger:    logger,
	})
	if err := agents.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := agents.Stop(stopCtx); err != nil {
			logger.WithError(err).Warn("agents stopped with errors")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	var relay *eventbus.RedisRelay
	if cfg.Redis.Addr != "" {
		relay = eventbus.NewRedisRelay(redisOptions(cfg), bus, cfg.Redis.ChannelPrefix, logger)
		defer relay.Close()
		relay.Forward(core.OutboundKinds()...)
		if err := ingest(gctx, relay, cfg.Redis.IngestPattern); err != nil {
			return fmt.Errorf("subscribe redis: %w", err)
		}
		logger.WithField("addr", cfg.Redis.Addr).Info("redis relay connected")
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.WithField("addr", cfg.Metrics.Addr).Info("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if inputPath != "" {
		g.Go(func() error {
			in, closeIn, err := openInput(inputPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeIn()
			if err := feed(gctx, in, bus, logger); err != nil {
				return err
			}
			if relay == nil {
				cancel()
			}
			return nil
		})
	} else if relay == nil {
		return errors.New("nothing to do: no --input and no redis.addr")
	}

	return g.Wait()
}

// ingest subscribes the relay to the inbound kinds, or to pattern when set.
// A pattern matching an outbound kind would feed the agents their own output.
func ingest(ctx context.Context, relay *eventbus.RedisRelay, pattern string) error {
	if pattern == "" {
		return relay.Ingest(ctx, core.InboundKinds()...)
	}
	for _, k := range core.OutboundKinds() {
		matched, err := path.Match(pattern, string(k))
		if err != nil {
			return fmt.Errorf("ingest pattern %q: %w", pattern, err)
		}
		if matched {
			return fmt.Errorf("ingest pattern %q matches outbound kind %s", pattern, k)
		}
	}
	return relay.IngestPattern(ctx, pattern)
}

func redisOptions(cfg config.Config) *redis.Options {
	return &redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
}

// openHistory picks SQLite, then Redis, then process memory.
func openHistory(ctx context.Context, cfg config.Config) (history.Store, func() error, error) {
	switch {
	case cfg.SQLite.Path != "":
		p, err := history.OpenSQLite(ctx, cfg.SQLite.Path, nil)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case cfg.Redis.Addr != "":
		p := history.NewRedisProvider(redisOptions(cfg), cfg.Redis.HistoryPrefix,
			history.WithRetention(cfg.Redis.HistoryRetention))
		return p, p.Close, nil
	default:
		return history.NewMemoryProvider(nil), func() error { return nil }, nil
	}
}

func openSnapshots(cfg config.Config, logger *logrus.Logger) snapshot.Store {
	if cfg.Redis.Addr != "" {
		return snapshot.NewRedisStore(redisOptions(cfg), cfg.Redis.SnapshotPrefix, logger)
	}
	return snapshot.NewMemoryStore()
}

func openInput(path string, stdin io.Reader) (io.Reader, func() error, error) {
	if path == "-" {
		return stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, f.Close, nil
}

// feed publishes every NDJSON line of in. Malformed lines are logged and
// skipped.
func feed(ctx context.Context, in io.Reader, bus eventbus.Bus, logger *logrus.Logger) error {
	log := logger.WithField("component", "feeder")
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l inputLine
		if err := json.Unmarshal(raw, &l); err != nil || l.Kind == "" {
			log.WithField("line", line).WithError(err).Warn("skipping malformed event")
			continue
		}
		if !l.Kind.Known() {
			log.WithFields(logrus.Fields{"line": line, "kind": l.Kind}).Debug("publishing unknown kind")
		}
		if err := bus.Publish(ctx, l.Kind, l.Payload); err != nil {
			log.WithError(err).WithField("line", line).Warn("publish failed")
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	log.WithField("lines", line).Info("input drained")
	return nil
}

// printOutbound writes every agent output to w as NDJSON.
func printOutbound(bus eventbus.Bus, w io.Writer) {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	for _, kind := range core.OutboundKinds() {
		bus.Subscribe(kind, func(ctx context.Context, ev core.Event) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			return nil, enc.Encode(ev)
		})
	}
}
