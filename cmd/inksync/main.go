package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/inkwell-app/inksync/internal/auth"
	"github.com/inkwell-app/inksync/internal/config"
	"github.com/inkwell-app/inksync/internal/engine"
	"github.com/inkwell-app/inksync/internal/fanout"
	"github.com/inkwell-app/inksync/internal/gateway"
	"github.com/inkwell-app/inksync/internal/health"
	"github.com/inkwell-app/inksync/internal/hub"
	"github.com/inkwell-app/inksync/internal/janitor"
	"github.com/inkwell-app/inksync/internal/logging"
	"github.com/inkwell-app/inksync/internal/logring"
	"github.com/inkwell-app/inksync/internal/metrics"
	"github.com/inkwell-app/inksync/internal/presence"
	"github.com/inkwell-app/inksync/internal/room"
	"github.com/inkwell-app/inksync/internal/security"
	"github.com/inkwell-app/inksync/internal/setup"
	"github.com/inkwell-app/inksync/internal/store"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inksync",
		Short: "Real-time collaborative canvas synchronization server",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("inksync %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("  Redis: %s\n", cfg.Redis.Address)
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Guests allowed: %v\n", cfg.Security.AllowGuests)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8444/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/inksync/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// engineSink breaks the construction cycle between the engine (which
// publishes through the fan-out) and the fan-out (which delivers into the
// engine). The engine field is set before the subscriber starts.
type engineSink struct {
	e *engine.Engine
}

func (s *engineSink) ReceiveOperation(ctx context.Context, op *room.Operation) {
	s.e.ReceiveOperation(ctx, op)
}

func (s *engineSink) ReceiveBatch(ctx context.Context, ops []*room.Operation) {
	s.e.ReceiveBatch(ctx, ops)
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	// Logging, teed into a ring buffer served by the health listener
	ring := logring.NewRingBuffer(1000)
	lj := logging.Setup(cfg.Logging, ring)
	if lj != nil {
		defer lj.Close()
	}

	serverID := cfg.Server.ServerID
	if serverID == "" {
		serverID = uuid.NewString()
	}

	slog.Info("starting inksync",
		"version", Version,
		"server_id", serverID,
		"listen", cfg.Server.ListenAddress,
		"redis", cfg.Redis.Address,
		"health", cfg.Health.ListenAddress,
	)

	// Shared cache + pub/sub bus
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// Degraded start: rooms live in memory, persistence catches up
		// when redis comes back.
		slog.Warn("redis unreachable at startup, running degraded", "error", err)
	}
	pingCancel()

	// Optional Prometheus metrics
	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	cache := store.NewRedisCache(rdb)
	st := store.New(cache, cfg.Redis.StateTTL)
	if m != nil {
		st.OnCacheError = m.CacheErrorsTotal.Inc
	}

	tracker := presence.NewTracker()
	socketHub := hub.New()

	sink := &engineSink{}
	fo := fanout.New(fanout.NewRedisBus(rdb), serverID, sink)
	if m != nil {
		fo.OnPublished = func(kind string) { m.FanoutPublished.WithLabelValues(kind).Inc() }
		fo.OnReceived = func(result string) { m.FanoutReceived.WithLabelValues(result).Inc() }
	}

	eng := engine.New(engine.Options{
		Store:            st,
		Presence:         tracker,
		Hub:              socketHub,
		Publisher:        fo,
		Metrics:          m,
		ServerID:         serverID,
		DebounceInterval: cfg.Sync.DebounceInterval,
		ResyncInterval:   cfg.Sync.ResyncInterval,
	})
	sink.e = eng
	defer eng.Stop()

	// Fan-out subscriber
	fanoutCtx, fanoutCancel := context.WithCancel(context.Background())
	defer fanoutCancel()
	go func() {
		for {
			if err := fo.Run(fanoutCtx); err != nil {
				if fanoutCtx.Err() != nil {
					return
				}
				slog.Error("fan-out subscriber stopped, retrying", "error", err)
				time.Sleep(time.Second)
			}
		}
	}()

	// Janitor
	jan := janitor.New(janitor.Config{
		Interval:       cfg.Sync.JanitorInterval,
		StaleConnAge:   cfg.Sync.StaleConnAge,
		EmptyRoomGrace: cfg.Sync.EmptyRoomGrace,
	}, st, tracker)
	jan.OnEvict = eng.RoomEvicted
	jan.OnStale = eng.ConnectionReaped
	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	defer janitorCancel()
	go jan.Run(janitorCtx)

	// Connection rate limiter
	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute,
			"messages_per_second", cfg.Security.RateLimit.MessagesPerSecond,
		)
	}

	// Gateway handler
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	resolver := auth.NewResolver(cfg.Security.JWTSecret, cfg.Security.AllowGuests)
	handler := gateway.NewHandler(cfg, gateway.NewConnTracker(), rl, resolver, socketHub, eng, shutdownCtx)
	handler.Metrics = m

	wsServer := &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: handler,
	}

	// Health server (separate listener)
	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, health.NewHandler(eng, cache, Version, cfg.Health.Detailed))
		healthMux.Handle("/logs", health.NewLogsHandler(ring))
		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}
		healthServer = &http.Server{
			Addr:    cfg.Health.ListenAddress,
			Handler: healthMux,
		}
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("sync server listening", "address", cfg.Server.ListenAddress)
		var err error
		if cfg.Server.TLS.Enabled {
			err = wsServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = wsServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("sync server error", "error", err)
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Watchdog heartbeat (send every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}

			for _, w := range config.IsReloadSafe(cfg, newCfg) {
				slog.Warn("config reload warning", "warning", w)
			}

			cfg = cfg.ApplyReloadableFields(newCfg)
			handler.UpdateConfig(cfg)

			if cfg.Security.RateLimit.Enabled && rl != nil {
				r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
				rl.UpdateRate(r, cfg.Security.RateLimit.ConnectionsPerMinute)
			}

			logging.Setup(cfg.Logging, ring)
			slog.Info("config reloaded successfully")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			// Close frames go out first, then the listeners drain.
			handler.StartDrain()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
			defer cancel()

			var wg sync.WaitGroup
			if healthServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					healthServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				wsServer.Shutdown(ctx)
			}()
			wg.Wait()

			// Flush any coalesced batches still in flight, then stop the
			// fan-out so nothing publishes into a closed client.
			eng.Stop()
			fanoutCancel()
			janitorCancel()
			shutdownCancel()

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func checkHealth(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=inksync - collaborative canvas sync server
After=network-online.target redis.service
Wants=network-online.target

[Service]
Type=notify
User=inksync
Group=inksync
ExecStartPre=/usr/local/bin/inksync validate --config /etc/inksync/config.yaml
ExecStart=/usr/local/bin/inksync start --config /etc/inksync/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/inksync
LogsDirectory=inksync
StateDirectory=inksync
LimitNOFILE=65535

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=inksync

[Install]
WantedBy=multi-user.target
`)
}
