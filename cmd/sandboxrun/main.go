package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/sandboxrun/pkg/admission"
	"github.com/cuemby/sandboxrun/pkg/client"
	"github.com/cuemby/sandboxrun/pkg/config"
	"github.com/cuemby/sandboxrun/pkg/healthmonitor"
	"github.com/cuemby/sandboxrun/pkg/log"
	"github.com/cuemby/sandboxrun/pkg/metrics"
	"github.com/cuemby/sandboxrun/pkg/pool"
	"github.com/cuemby/sandboxrun/pkg/provider"
	"github.com/cuemby/sandboxrun/pkg/registry"
	"github.com/cuemby/sandboxrun/pkg/replenisher"
	"github.com/cuemby/sandboxrun/pkg/runtime"
	"github.com/cuemby/sandboxrun/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sandboxrun",
	Short: "sandboxrun - warm-pool sandboxed code execution service",
	Long: `sandboxrun dispatches untrusted code execution requests to pools
of pre-warmed, network-isolated containers, falling back to cloud
function/job providers when the local pool is unhealthy.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sandboxrun version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (overrides auto-discovery)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(warmupCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(providersCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// buildStack wires the Pool Manager, Health Monitor, Replenisher,
// Provider Registry and Client Facade from a resolved Config, the way
// serve and warmup both need them.
type stack struct {
	engine       runtime.Engine
	poolManager  *pool.Manager
	monitor      *healthmonitor.Monitor
	replenisher  *replenisher.Replenisher
	reg          *registry.Registry
	client       *client.Client
}

func buildStack(cfg *config.Config) (*stack, error) {
	engine, err := runtime.NewContainerdEngine(cfg.Pool.ContainerdSocket)
	if err != nil {
		return nil, fmt.Errorf("containerd engine: %w", err)
	}

	poolManager := pool.New(engine, pool.Limits{
		MemoryMB:  cfg.Pool.MemoryMB,
		CPUCores:  cfg.Pool.CPUCores,
		PidsLimit: cfg.Pool.PidsLimit,
		MaxAge:    cfg.Pool.WorkerTTL,
		MaxIdle:   cfg.Pool.MaxIdle,
	})

	monitor := healthmonitor.New(poolManager, engine, cfg.Pool.HealthCheckInterval, cfg.Pool.HealthCheckTimeout)
	repl := replenisher.New(poolManager, cfg.Pool.ReplenishInterval)

	reg := registry.New()
	local := provider.NewLocal(poolManager, engine)
	reg.Register(local)

	chain := make([]types.ProviderTag, 0, len(cfg.Provider.FallbackChain))
	for _, tag := range cfg.Provider.FallbackChain {
		chain = append(chain, types.ProviderTag(tag))
	}
	reg.SetFallbackChain(chain)
	reg.SetDefault(types.ProviderTag(cfg.Provider.Default))

	lim := admission.New(
		float64(cfg.Request.RateLimitPerMinute)/60.0,
		cfg.Request.RateLimitBurst,
		cfg.Request.MaxConcurrentExecs,
	)

	c := client.New(reg, client.Options{
		DefaultTimeoutMS: cfg.Request.DefaultTimeoutMS,
		DefaultMemoryMB:  cfg.Request.DefaultMemoryMB,
		DefaultCPUCores:  cfg.Request.DefaultCPUCores,
		Admission:        lim,
		UseFallback:      true,
	})

	return &stack{
		engine:      engine,
		poolManager: poolManager,
		monitor:     monitor,
		replenisher: repl,
		reg:         reg,
		client:      c,
	}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the warm pool, health monitor, replenisher and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if socket, _ := cmd.Flags().GetString("containerd-socket"); socket != "" {
			cfg.Pool.ContainerdSocket = socket
		}

		st, err := buildStack(cfg)
		if err != nil {
			return fmt.Errorf("failed to build stack: %w", err)
		}
		defer st.engine.Close()

		ctx := context.Background()
		for rt, n := range cfg.Pool.PerRuntimeTargetSize {
			created, err := st.poolManager.WarmUp(ctx, types.RuntimeTag(rt), n)
			if err != nil {
				log.Logger.Warn().Err(err).Str("runtime", rt).Msg("initial warm-up failed")
				continue
			}
			log.Logger.Info().Str("runtime", rt).Int("created", created).Msg("warm pool seeded")
		}
		if len(cfg.Pool.PerRuntimeTargetSize) == 0 {
			for _, def := range types.Catalog() {
				created, err := st.poolManager.WarmUp(ctx, def.Tag, cfg.Pool.TargetSize)
				if err != nil {
					log.Logger.Warn().Err(err).Str("runtime", string(def.Tag)).Msg("initial warm-up failed")
					continue
				}
				log.Logger.Info().Str("runtime", string(def.Tag)).Int("created", created).Msg("warm pool seeded")
			}
		}

		st.monitor.Start()
		st.replenisher.Start()
		fmt.Println("✓ Health monitor started")
		fmt.Println("✓ Replenisher started")

		metricsAddr := "127.0.0.1:9090"
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Println()
		fmt.Println("sandboxrun is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		st.monitor.Stop()
		st.replenisher.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := st.reg.CleanupAll(shutdownCtx); err != nil {
			log.Logger.Warn().Err(err).Msg("cleanup reported errors")
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("containerd-socket", "", "Override the configured containerd socket path")
}

var warmupCmd = &cobra.Command{
	Use:   "warmup RUNTIME COUNT",
	Short: "Create COUNT warm workers for RUNTIME and exit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := types.RuntimeTag(args[0])
		if _, ok := types.Lookup(rt); !ok {
			return fmt.Errorf("unknown runtime %q", args[0])
		}
		var n int
		if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil || n <= 0 {
			return fmt.Errorf("count must be a positive integer")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		st, err := buildStack(cfg)
		if err != nil {
			return fmt.Errorf("failed to build stack: %w", err)
		}
		defer st.engine.Close()

		created, err := st.poolManager.WarmUp(context.Background(), rt, n)
		if err != nil {
			return fmt.Errorf("warm-up failed: %w", err)
		}

		fmt.Printf("✓ Warmed %d/%d workers for %s\n", created, n, rt)
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec RUNTIME",
	Short: "Execute code read from stdin against RUNTIME and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := types.RuntimeTag(args[0])
		code, err := os.ReadFile("/dev/stdin")
		if err != nil {
			return fmt.Errorf("failed to read code from stdin: %w", err)
		}
		timeoutMS, _ := cmd.Flags().GetInt("timeout-ms")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		st, err := buildStack(cfg)
		if err != nil {
			return fmt.Errorf("failed to build stack: %w", err)
		}
		defer st.engine.Close()

		result, err := st.client.Execute(context.Background(), client.Input{
			Code:      string(code),
			Runtime:   rt,
			TimeoutMS: timeoutMS,
			UserID:    "cli",
		})
		if err != nil {
			return fmt.Errorf("execution failed: %w", err)
		}

		fmt.Println(result.Stdout)
		if result.Stderr != "" {
			fmt.Fprintln(os.Stderr, result.Stderr)
		}
		fmt.Fprintf(os.Stderr, "exit=%d cold_start=%v provider=%s duration=%s\n",
			result.ExitCode, result.ColdStart, result.Provider, result.ExecutionTime)
		return nil
	},
}

func init() {
	execCmd.Flags().Int("timeout-ms", 10000, "Execution deadline in milliseconds")
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List registered providers and their health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		st, err := buildStack(cfg)
		if err != nil {
			return fmt.Errorf("failed to build stack: %w", err)
		}
		defer st.engine.Close()

		for _, tag := range append([]types.ProviderTag{types.ProviderTag(cfg.Provider.Default)}, providerTagChain(cfg)...) {
			status, err := st.reg.Status(string(tag))
			if err != nil {
				continue
			}
			fmt.Printf("%-20s healthy=%-5v %s\n", tag, status.Healthy, status.Message)
			for _, ps := range status.Pools {
				fmt.Printf("  %-20s total=%-3d available=%-3d busy=%-3d\n", ps.Runtime, ps.Total, ps.Available, ps.Busy)
			}

			m, err := st.reg.Metrics(string(tag))
			if err != nil {
				continue
			}
			fmt.Printf("  executions=%d success=%d failed=%d timeouts=%d cold=%d warm=%d\n",
				m.TotalExecutions, m.SuccessfulExecutions, m.FailedExecutions, m.TimeoutExecutions, m.ColdStartCount, m.WarmStartCount)
		}
		return nil
	},
}

func providerTagChain(cfg *config.Config) []types.ProviderTag {
	chain := make([]types.ProviderTag, 0, len(cfg.Provider.FallbackChain))
	for _, tag := range cfg.Provider.FallbackChain {
		chain = append(chain, types.ProviderTag(tag))
	}
	return chain
}

