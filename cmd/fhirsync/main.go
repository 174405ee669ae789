package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/vantahealth/fhirsync/internal/cache"
	"github.com/vantahealth/fhirsync/internal/config"
	"github.com/vantahealth/fhirsync/internal/fhir"
	"github.com/vantahealth/fhirsync/internal/gateway"
	"github.com/vantahealth/fhirsync/internal/metrics"
	"github.com/vantahealth/fhirsync/internal/netmon"
	"github.com/vantahealth/fhirsync/internal/queue"
	"github.com/vantahealth/fhirsync/internal/store"
	"github.com/vantahealth/fhirsync/internal/syncer"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "fhirsync",
		Short:   "Offline-first sync sidecar for FHIR clients",
		Long:    `A local daemon that keeps FHIR resources available offline: a durable store, a mutation queue that drains when connectivity returns, and a caching gateway the UI talks to instead of the remote server.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		daemonCmd(),
		syncCommand(),
		statusCmd(),
		queueCmd(),
		initCmd(),
		resetCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// services bundles the core subsystems every command needs.
type services struct {
	cfg     *config.Config
	store   *store.Store
	cache   *cache.Cache
	journal *queue.Journal
	queue   *queue.Queue
	client  *fhir.Client
	monitor *netmon.Monitor
}

func buildServices(ctx context.Context, initialOnline bool) (*services, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.EnsureDataDir(cfg); err != nil {
		return nil, err
	}

	st := store.New(cfg.DataDir)
	if err := st.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open resource store: %w", err)
	}

	c := cache.Open(cfg.DataDir)

	journal, err := queue.OpenJournal(cfg.DataDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open write journal: %w", err)
	}

	q := queue.New(c, st, journal)
	if err := q.Recover(ctx); err != nil {
		slog.Warn("journal recovery incomplete", "error", err)
	}

	client := fhir.NewClient(cfg.Remote.BaseURL, cfg.Remote.ProbeTimeout(), func(ctx context.Context) (string, error) {
		return cfg.Remote.Token, nil
	})

	mon := netmon.New(probeURL(cfg), cfg.Remote.ProbeTimeout(), cfg.Sync.ProbeInterval(), initialOnline)

	return &services{
		cfg:     cfg,
		store:   st,
		cache:   c,
		journal: journal,
		queue:   q,
		client:  client,
		monitor: mon,
	}, nil
}

func (s *services) close() {
	s.journal.Close()
	s.store.Close()
}

func probeURL(cfg *config.Config) string {
	return strings.TrimRight(cfg.Remote.BaseURL, "/") + cfg.Remote.ProbePath
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Start the gateway and background sync process",
		Long:  `Starts the local caching gateway, the connectivity monitor, and the sync orchestrator that drains queued mutations whenever the remote server becomes reachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			svc, err := buildServices(ctx, true)
			if err != nil {
				return err
			}
			defer svc.close()
			cfg := svc.cfg

			// Correct the optimistic initial state before anything
			// subscribes, so the first real transition is observed.
			reachable := svc.monitor.CheckEndpoint(ctx, probeURL(cfg), cfg.Remote.ProbeTimeout())
			svc.monitor.HandleTransition(reachable)

			m := metrics.New()
			orch := syncer.New(svc.queue, svc.store, svc.cache, svc.client, svc.monitor, m, cfg.Sync.MaxAge())

			var manifest *gateway.Manifest
			if cfg.Gateway.ManifestPath != "" {
				manifest, err = gateway.LoadManifest(cfg.Gateway.ManifestPath)
				if err != nil {
					return fmt.Errorf("failed to load precache manifest: %w", err)
				}
			}

			gw, err := gateway.New(gateway.Options{
				Upstream:        cfg.Gateway.Upstream,
				Rules:           gatewayRules(cfg),
				Manifest:        manifest,
				Cache:           svc.cache,
				Metrics:         m,
				Monitor:         svc.monitor,
				RequestSync:     orch.RequestSync,
				RevalidateDelay: cfg.Gateway.RevalidateDelay(),
			})
			if err != nil {
				return err
			}
			defer gw.Shutdown()

			if err := gw.Install(ctx); err != nil {
				slog.Warn("gateway install incomplete", "error", err)
			}

			// Route rule changes take effect without a restart.
			if err := config.Watch(cfgFile, func(next *config.Config) {
				gw.SetRules(gatewayRules(next))
				orch.SetMaxAge(next.Sync.MaxAge())
			}); err != nil {
				slog.Debug("config watch unavailable", "error", err)
			}

			go svc.monitor.Run(ctx)
			go orch.Run(ctx)

			srv := &http.Server{Addr: cfg.Gateway.Listen, Handler: gw}
			go func() {
				slog.Info("gateway listening", "addr", cfg.Gateway.Listen, "upstream", cfg.Gateway.Upstream)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("gateway server failed", "error", err)
					cancel()
				}
			}()

			if cfg.Gateway.MetricsListen != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					slog.Info("metrics listening", "addr", cfg.Gateway.MetricsListen)
					if err := http.ListenAndServe(cfg.Gateway.MetricsListen, mux); err != nil {
						slog.Error("metrics server failed", "error", err)
					}
				}()
			}

			// Handle graceful shutdown
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			slog.Info("daemon started", "data_dir", cfg.DataDir, "remote", cfg.Remote.BaseURL)
			fmt.Println("Serving offline-first gateway. Press Ctrl+C to stop.")

			select {
			case <-sigCh:
			case <-ctx.Done():
			}

			slog.Info("shutting down...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
			return nil
		},
	}
}

func gatewayRules(cfg *config.Config) []gateway.Rule {
	rules := make([]gateway.Rule, 0, len(cfg.Gateway.Routes))
	for _, r := range cfg.Gateway.Routes {
		rules = append(rules, gateway.Rule{
			Name:     r.Name,
			Patterns: r.Patterns,
			Strategy: gateway.Strategy(r.Strategy),
		})
	}
	return rules
}

func syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "One-time queue drain, then exit",
		Long:  `Drains all queued offline mutations against the remote server and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			svc, err := buildServices(ctx, true)
			if err != nil {
				return err
			}
			defer svc.close()

			if !svc.monitor.CheckEndpoint(ctx, probeURL(svc.cfg), svc.cfg.Remote.ProbeTimeout()) {
				return fmt.Errorf("remote server unreachable: %s", svc.cfg.Remote.BaseURL)
			}

			pending := svc.queue.Pending()
			if pending == 0 {
				fmt.Println("Nothing to sync.")
				return nil
			}

			orch := syncer.New(svc.queue, svc.store, svc.cache, svc.client, svc.monitor, nil, svc.cfg.Sync.MaxAge())

			bar := progressbar.Default(int64(pending), "syncing")
			done := make(chan struct{})
			go func() {
				ticker := time.NewTicker(100 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						bar.Set(pending - svc.queue.Pending())
					}
				}
			}()

			res, syncErr := orch.SyncNow(ctx)
			close(done)
			bar.Finish()

			if syncErr != nil {
				return fmt.Errorf("sync failed: %w", syncErr)
			}

			fmt.Printf("Sync completed: %d succeeded, %d discarded, %d still pending.\n",
				res.Success, res.Failed, svc.queue.Pending())
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and sync state",
		Long:  `Shows remote reachability, pending queue depth, and the last successful sync time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			svc, err := buildServices(ctx, true)
			if err != nil {
				return err
			}
			defer svc.close()
			cfg := svc.cfg

			reachable := svc.monitor.CheckEndpoint(ctx, probeURL(cfg), cfg.Remote.ProbeTimeout())

			fmt.Println("=== FHIRSync Status ===")
			if reachable {
				fmt.Println("Remote: Reachable")
			} else {
				fmt.Println("Remote: Unreachable")
			}
			fmt.Printf("  URL: %s\n", cfg.Remote.BaseURL)
			fmt.Println()
			fmt.Printf("Data Dir: %s\n", cfg.DataDir)
			fmt.Println()
			fmt.Printf("Queue:\n")
			fmt.Printf("  Pending: %d\n", svc.queue.Pending())
			if last := svc.queue.LastSyncTime(); !last.IsZero() {
				fmt.Printf("  Last Sync: %s\n", last.Format(time.RFC3339))
			}

			offline, err := svc.store.GetOfflineResources(ctx)
			if err == nil {
				fmt.Printf("  Unsynced Resources: %d\n", len(offline))
			}

			orch := syncer.New(svc.queue, svc.store, svc.cache, svc.client, svc.monitor, nil, cfg.Sync.MaxAge())
			if stamps := orch.SyncTimestamps(); len(stamps) > 0 {
				fmt.Println()
				fmt.Println("Last Sync by Resource Type:")
				for resourceType, when := range stamps {
					fmt.Printf("  %s: %s\n", resourceType, when.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued offline mutations",
		Long:  `Lists every mutation waiting to be replayed against the remote server, oldest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			svc, err := buildServices(ctx, false)
			if err != nil {
				return err
			}
			defer svc.close()

			items := svc.queue.Items()
			if len(items) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}

			fmt.Printf("%-38s %-8s %-16s %-24s %s\n", "ID", "ACTION", "TYPE", "RESOURCE", "RETRIES")
			for _, it := range items {
				fmt.Printf("%-38s %-8s %-16s %-24s %d/%d\n",
					it.ID, it.Action, it.ResourceType, it.ResourceID, it.RetryCount, queue.MaxRetries)
			}
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		Long:  `Interactively creates a configuration file and checks that the remote server is reachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)

			fmt.Println("=== FHIRSync Setup ===")
			fmt.Println()

			fmt.Print("Remote FHIR base URL: ")
			baseURL, _ := reader.ReadString('\n')
			baseURL = strings.TrimSpace(baseURL)
			if baseURL == "" {
				return fmt.Errorf("base URL is required")
			}

			fmt.Print("Gateway upstream URL [same as remote]: ")
			upstream, _ := reader.ReadString('\n')
			upstream = strings.TrimSpace(upstream)
			if upstream == "" {
				upstream = baseURL
			}

			fmt.Print("Gateway listen address [127.0.0.1:8787]: ")
			listen, _ := reader.ReadString('\n')
			listen = strings.TrimSpace(listen)
			if listen == "" {
				listen = "127.0.0.1:8787"
			}

			defaults := config.DefaultConfig()
			configContent := fmt.Sprintf(`data_dir: "%s"

remote:
  base_url: "%s"
  token: "${FHIR_TOKEN}"  # Set FHIR_TOKEN environment variable
  probe_path: "/metadata"
  timeout_ms: 5000

sync:
  probe_interval_ms: 30000
  max_age_ms: 3600000

gateway:
  listen: "%s"
  upstream: "%s"
  routes:
    - name: api
      strategy: stale-while-revalidate
      patterns: ["/fhir/**", "/api/**"]
    - name: static
      strategy: cache-first
      patterns: ["/assets/**", "/static/**", "/*.js", "/*.css", "/"]
`, defaults.DataDir, baseURL, listen, upstream)

			configDir := filepath.Dir(defaults.DataDir)
			if err := os.MkdirAll(configDir, 0755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			configPath := filepath.Join(configDir, "config.yaml")

			if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			fmt.Printf("\nIMPORTANT: Set the FHIR_TOKEN environment variable if the server requires auth.\n")
			fmt.Println("\nTo check connectivity, run: fhirsync status")
			fmt.Println("To start the gateway, run: fhirsync daemon")

			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	force := false
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe all local data",
		Long:  `Deletes every locally stored resource, cached response, and queued mutation. Unsynced offline changes are lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			svc, err := buildServices(ctx, false)
			if err != nil {
				return err
			}
			defer svc.close()

			if pending := svc.queue.Pending(); pending > 0 && !force {
				return fmt.Errorf("%d unsynced mutations would be lost; run 'fhirsync sync' first or pass --force", pending)
			}

			if err := svc.store.ClearAllStores(ctx); err != nil {
				return fmt.Errorf("failed to clear resource store: %w", err)
			}
			svc.cache.ClearAll()

			fmt.Println("All local data cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "discard unsynced offline changes")
	return cmd
}
