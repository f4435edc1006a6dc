// Sysward — single-host metrics, disk inventory & maintenance runner.
// Author: sysward | License: MIT | https://github.com/sysward/sysward
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sysward/sysward/internal/config"
	"github.com/sysward/sysward/internal/disks"
	"github.com/sysward/sysward/internal/maint"
	"github.com/sysward/sysward/internal/metrics"
	"github.com/sysward/sysward/internal/server"
	"github.com/sysward/sysward/internal/sysinfo"
)

const asciiLogo = `
 ███████╗██╗   ██╗███████╗██╗    ██╗ █████╗ ██████╗ ██████╗
 ██╔════╝╚██╗ ██╔╝██╔════╝██║    ██║██╔══██╗██╔══██╗██╔══██╗
 ███████╗ ╚████╔╝ ███████╗██║ █╗ ██║███████║██████╔╝██║  ██║
 ╚════██║  ╚██╔╝  ╚════██║██║███╗██║██╔══██║██╔══██╗██║  ██║
 ███████║   ██║   ███████║╚███╔███╔╝██║  ██║██║  ██║██████╔╝
 ╚══════╝   ╚═╝   ╚══════╝ ╚══╝╚══╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚═════╝
`

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Print(asciiLogo, "\n")
	fmt.Printf("  ► Sysward %s  |  Mode: %s\n\n", version, mode)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// maintCommands converts the config recipe map into the orchestrator's types.
func maintCommands(cfg *config.Config) map[maint.Kind]maint.Command {
	commands := make(map[maint.Kind]maint.Command, len(cfg.Maintenance))
	for name, mc := range cfg.Maintenance {
		commands[maint.Kind(name)] = maint.Command{Steps: mc.Steps, RequireRoot: mc.RequireRoot}
	}
	return commands
}

func main() {
	root := &cobra.Command{
		Use:   "sysward",
		Short: "Sysward — host metrics, disk inventory & maintenance runner",
		Long: `Sysward watches one machine: it samples CPU, memory and disk on a fixed
cadence, keeps a rolling in-memory history, inventories mounted filesystems
and runs configured maintenance tasks (update, cleanup) under supervision.`,
		SilenceUsage: true,
	}

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the Sysward API server with background sampling",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// CLI flags override config values.
			if host, _ := cmd.Flags().GetString("host"); host != "" {
				cfg.ServerHost = host
			}
			if port, _ := cmd.Flags().GetInt("port"); port != 0 {
				cfg.ServerPort = port
			}
			if interval, _ := cmd.Flags().GetInt("interval"); interval != 0 {
				cfg.SampleIntervalSeconds = interval
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			debug, _ := cmd.Flags().GetBool("debug")
			logger, err := newLogger(debug)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			// Inject security settings into server package globals.
			server.SetJWTSecret(cfg.JWTSecret)
			server.SetAdminCredentials(cfg.AdminUser, cfg.AdminPass, cfg.AdminPassHash)

			// ── Wiring ─────────────────────────────────────────────────────────
			history := metrics.NewHistory(cfg.HistoryCapacity)
			sampler := metrics.NewSampler(cfg.PrimaryMount,
				time.Duration(cfg.SampleTimeoutSeconds)*time.Second, logger)
			sched := metrics.NewScheduler(metrics.Config{
				Interval: time.Duration(cfg.SampleIntervalSeconds) * time.Second,
				Logger:   logger,
			}, sampler, history)

			orch := maint.New(maint.Config{
				Commands:       maintCommands(cfg),
				Elevate:        cfg.ElevateCommand,
				ProcessTimeout: time.Duration(cfg.ProcessTimeoutSeconds) * time.Second,
				CancelGrace:    time.Duration(cfg.CancelGraceSeconds) * time.Second,
				Logger:         logger,
			})

			hub := server.NewHub(logger)
			hubCtx, hubCancel := context.WithCancel(context.Background())
			defer hubCancel()
			go hub.Run(hubCtx)

			// Fan live readings and run output into the websocket hub.
			sched.RegisterHandler(hub.BroadcastReading)
			orch.OnLine(hub.BroadcastRunLine)

			gin.SetMode(gin.ReleaseMode)
			corsMiddleware := func(c *gin.Context) {
				c.Header("Access-Control-Allow-Origin", "*")
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
				c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				if c.Request.Method == "OPTIONS" {
					c.AbortWithStatus(204)
					return
				}
				c.Next()
			}

			engine := gin.New()
			engine.Use(gin.Recovery(), corsMiddleware)
			server.RegisterRoutes(engine, server.Deps{
				History: history,
				Disks:   disks.NewLister(cfg.ExcludedFsTypes, logger),
				Sysinfo: sysinfo.NewCollector(),
				Maint:   orch,
				Hub:     hub,
				Logger:  logger,
			})

			sched.Start()
			defer sched.Stop()

			addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
			fmt.Printf("  ✓ API + live stream → http://%s\n", addr)
			if cfg.AdminPassHash == "" {
				fmt.Printf("  ✓ Default login:    %s / %s\n", cfg.AdminUser, cfg.AdminPass)
			}
			fmt.Printf("  ✓ Sampling every %ds, keeping %d samples per metric\n\n",
				cfg.SampleIntervalSeconds, cfg.HistoryCapacity)

			// Run the server; shut down gracefully on SIGINT.
			srv := &http.Server{Addr: addr, Handler: engine}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt) // os.Interrupt = SIGINT; works on all platforms

			select {
			case err := <-errCh:
				return err
			case <-quit:
				fmt.Println("\n  → Shutting down gracefully…")
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
				return nil
			}
		},
	}
	serverCmd.Flags().String("host", "", "Bind address (overrides config)")
	serverCmd.Flags().Int("port", 0, "API port (overrides config)")
	serverCmd.Flags().Int("interval", 0, "Sampling interval in seconds (overrides config)")
	serverCmd.Flags().Bool("debug", false, "Verbose development logging")

	// ── sample subcommand ─────────────────────────────────────────────────────
	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Take one metrics reading and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			sampler := metrics.NewSampler(cfg.PrimaryMount,
				time.Duration(cfg.SampleTimeoutSeconds)*time.Second, zap.NewNop())

			// The first pass only seeds the CPU counter baseline; the second
			// one carries a real cpu_percent.
			sampler.Sample(context.Background())
			time.Sleep(time.Second)
			reading := sampler.Sample(context.Background())

			out := map[string]any{
				"taken_at": reading.TakenAt,
				"samples":  reading.Samples,
			}
			if len(reading.Missing) > 0 {
				missing := make(map[string]string, len(reading.Missing))
				for name, merr := range reading.Missing {
					missing[string(name)] = merr.Error()
				}
				out["missing"] = missing
			}
			raw, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	}

	// ── disks subcommand ──────────────────────────────────────────────────────
	disksCmd := &cobra.Command{
		Use:   "disks",
		Short: "List mounted filesystems with usage as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			lister := disks.NewLister(cfg.ExcludedFsTypes, zap.NewNop())
			inventory, err := lister.List(context.Background())
			if err != nil {
				return fmt.Errorf("listing disks: %w", err)
			}
			raw, err := json.MarshalIndent(inventory, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	}

	// ── maintain subcommand ───────────────────────────────────────────────────
	maintainCmd := &cobra.Command{
		Use:   "maintain <kind>",
		Short: "Run a configured maintenance task in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			orch := maint.New(maint.Config{
				Commands:       maintCommands(cfg),
				Elevate:        cfg.ElevateCommand,
				ProcessTimeout: time.Duration(cfg.ProcessTimeoutSeconds) * time.Second,
				CancelGrace:    time.Duration(cfg.CancelGraceSeconds) * time.Second,
				Logger:         zap.NewNop(),
			})
			orch.OnLine(func(runID string, kind maint.Kind, line string) {
				fmt.Println(line)
			})

			id, err := orch.Start(maint.Kind(args[0]))
			if err != nil {
				return err
			}

			// Ctrl-C cancels the run instead of orphaning the child.
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt)
			go func() {
				<-quit
				fmt.Println("→ cancelling…")
				_ = orch.Cancel(id)
			}()

			run, err := orch.Wait(id)
			if err != nil {
				return err
			}
			switch run.State {
			case maint.StateSucceeded:
				return nil
			case maint.StateCancelled:
				return fmt.Errorf("%s run cancelled", run.Kind)
			default:
				if run.Error != "" {
					return fmt.Errorf("%s run failed: %s", run.Kind, run.Error)
				}
				return fmt.Errorf("%s run failed", run.Kind)
			}
		},
	}

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print Sysward version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Sysward %s\n", version)
		},
	}

	root.AddCommand(serverCmd, sampleCmd, disksCmd, maintainCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
