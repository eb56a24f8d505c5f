package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/devproxy/devproxy/internal/cachestore"
	"github.com/devproxy/devproxy/internal/certauth"
	"github.com/devproxy/devproxy/internal/config"
	"github.com/devproxy/devproxy/internal/dispatch"
	"github.com/devproxy/devproxy/internal/errsink"
	"github.com/devproxy/devproxy/internal/inspector"
	"github.com/devproxy/devproxy/internal/metrics"
	"github.com/devproxy/devproxy/internal/tunnel"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// The config package only knows the generic name|pattern shape; this
	// installs a validator aware of every built-in rule name, including
	// the stateful "cache" handler, so a malformed rule string is caught
	// at config-validation time rather than at first match.
	config.SetRuleStringValidator(func(raw string) error {
		_, err := parseRuleLine(cachestore.NewStore(""), raw)
		return err
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	errSink := func(kind errsink.Kind, err error) {
		logger.Error("proxy error", "kind", kind, "error", err)
	}

	store := cachestore.NewStore(cfg.Cache.Dir)
	rules, err := buildRules(store, cfg.Rules)
	if err != nil {
		return fmt.Errorf("compiling rules: %w", err)
	}

	ins, err := inspector.New(cfg.Inspector.Dir, cfg.Inspector.Keep, logger)
	if err != nil {
		return fmt.Errorf("starting inspector: %w", err)
	}
	defer ins.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	for _, rule := range rules {
		if cacheRule, ok := rule.Handler.(*cachestore.Rule); ok {
			cacheRule.OnLookup = func(result string) {
				m.CacheLookupsTotal.WithLabelValues(result).Inc()
			}
		}
	}

	var certs *certauth.Cache
	if cfg.CA.Enabled() {
		caCfg := certauth.Config{CertFile: cfg.CA.CertFile, KeyFile: cfg.CA.KeyFile}
		mint, err := certauth.NewManager(caCfg, logger)
		if err != nil {
			return fmt.Errorf("loading root CA: %w", err)
		}
		certs = certauth.NewCache(mint)

		stopWatch, err := mint.Watch(caCfg, certs, logger)
		if err != nil {
			logger.Warn("root CA file watcher unavailable, rotating the CA files will require a restart", "error", err)
		} else {
			defer stopWatch()
		}
	}

	engine := dispatch.NewEngine(rules, ins, errSink, nil)
	handler := metrics.Middleware(m, engine)

	pair, err := tunnel.Listen(cfg.Server.Addr, handler, certs, errSink, logger)
	if err != nil {
		return fmt.Errorf("binding listeners: %w", err)
	}
	pair.OnConnectOpen = func() { m.ConnectTunnels.Inc() }
	pair.OnConnectClose = func() { m.ConnectTunnels.Dec() }

	if certs != nil {
		stopCertWatch := watchCertCacheSize(certs, m)
		defer stopCertWatch()
	}

	var debugSrv *http.Server
	if cfg.DebugAddr != "" {
		debugSrv = newDebugServer(cfg.DebugAddr, reg)
		go func() {
			if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("debug server failed", "error", err)
			}
		}()
	}

	logger.Info("devproxy listening", "addr", pair.Addr().String(), "https_enabled", certs != nil, "rules", len(rules))

	serveErr := make(chan error, 1)
	go func() { serveErr <- pair.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		pair.Close()
		<-serveErr
	}

	if debugSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		debugSrv.Shutdown(ctx)
	}
	return nil
}

// watchCertCacheSize polls certs.Size() to keep CertCacheSize and
// CertsMinted current without certauth needing to import the metrics
// package: the cache only grows, except when a root CA reload resets it,
// so a size increase between ticks is the number of certificates minted
// since the last tick (mints made between a reset and the next tick that
// do not exceed the pre-reset size are not counted).
func watchCertCacheSize(certs *certauth.Cache, m *metrics.Metrics) (stop func()) {
	ticker := time.NewTicker(2 * time.Second)
	done := make(chan struct{})
	go func() {
		last := 0
		for {
			select {
			case <-ticker.C:
				size := certs.Size()
				if size > last {
					m.CertsMinted.Add(float64(size - last))
				}
				last = size
				m.CertCacheSize.Set(float64(size))
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func newDebugServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
