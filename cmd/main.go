package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"netprobe-agent/pkg/database"
	"netprobe-agent/pkg/directory"
	"netprobe-agent/pkg/ipinfo"
	"netprobe-agent/pkg/probe"
	"netprobe-agent/pkg/publisher"
	"netprobe-agent/pkg/recorder"
	"netprobe-agent/pkg/runner"
	"netprobe-agent/pkg/scheduler"
)

// exitSetup marks unrecoverable setup failures (unwritable log
// directory, unparseable config) so the host process manager can tell
// them apart from transient crashes. Graceful shutdown exits 0.
const exitSetup = 2

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "netprobe",
	Short: "A periodic network-quality probe agent",
	Long: `netprobe measures throughput, latency/jitter and HTTP load against
regional ISP endpoints on a fixed interval, records every cycle to daily
CSV and text logs, and best-effort forwards results to remote stores.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the measurement loop until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		agent, err := buildAgent()
		if err != nil {
			logger.Error("setup failed", "error", err)
			os.Exit(exitSetup)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		interval := time.Duration(viper.GetInt("agent.interval_seconds")) * time.Second
		sched := scheduler.New(agent.runner, agent.recorder, agent.sinks, interval, logger)

		logger.Info("agent started",
			"device", viper.GetString("device.id"),
			"interval", sched.Interval.String(),
			"providers", viper.GetStringSlice("directory.providers"))

		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler stopped with error", "error", err)
			os.Exit(1)
		}
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single measurement cycle and exit",
	Run: func(cmd *cobra.Command, args []string) {
		agent, err := buildAgent()
		if err != nil {
			logger.Error("setup failed", "error", err)
			os.Exit(exitSetup)
		}

		ctx := context.Background()
		res, runErr := agent.runner.RunCycle(ctx)
		if runErr != nil {
			logger.Warn("cycle degraded", "error", runErr)
		}
		if err := agent.recorder.Record(res); err != nil {
			logger.Error("failed to record result", "error", err)
			os.Exit(1)
		}
		for _, sink := range agent.sinks {
			if err := sink.Publish(ctx, res); err != nil {
				logger.Warn("publish failed", "sink", sink.Name(), "error", err)
			}
		}
		fmt.Println(agent.recorder.Summary(res))
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Force a refresh of the endpoint directory cache",
	Run: func(cmd *cobra.Command, args []string) {
		cache := buildDirectory()
		if err := cache.Refresh(context.Background()); err != nil {
			logger.Error("discovery failed", "error", err)
			os.Exit(1)
		}
		logger.Info("endpoint cache refreshed", "file", viper.GetString("directory.cache_file"))
	},
}

// agent bundles the wired components for the run and cycle commands.
type agent struct {
	runner   *runner.Runner
	recorder *recorder.Recorder
	sinks    []scheduler.Sink
}

func buildAgent() (*agent, error) {
	logDir := viper.GetString("log.dir")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create log directory %s: %w", logDir, err)
	}
	// Probe writability up front: a read-only volume should fail setup,
	// not every cycle.
	probeFile := filepath.Join(logDir, ".write_probe")
	if err := os.WriteFile(probeFile, nil, 0o644); err != nil {
		return nil, fmt.Errorf("log directory %s is not writable: %w", logDir, err)
	}
	os.Remove(probeFile)

	providers := viper.GetStringSlice("directory.providers")
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	cache := buildDirectory()

	threads := viper.GetInt("agent.threads")
	throughput := probe.NewThroughputProbe(cache, threads,
		time.Duration(viper.GetInt("agent.stage_seconds"))*time.Second, logger)

	r := runner.New(runner.Runner{
		Device:       viper.GetString("device.id"),
		Providers:    providers,
		Threads:      throughput.Threads,
		CycleTimeout: time.Duration(viper.GetInt("agent.cycle_timeout_seconds")) * time.Second,
		Throughput:   throughput,
		Pinger: probe.NewPingProbe(
			viper.GetString("ping.host"),
			viper.GetInt("ping.count"),
			viper.GetBool("ping.privileged"),
			logger),
		HTTPLoader: probe.NewHTTPLoadProbe(
			viper.GetString("http.url"),
			viper.GetString("http.transport"),
			time.Duration(viper.GetInt("http.timeout_seconds"))*time.Second,
			logger),
		Geo:     ipinfo.New(viper.GetString("ipinfo.url"), viper.GetString("ipinfo.token")),
		LocalIP: ipinfo.LocalIP,
		Logger:  logger,
	})

	var sinks []scheduler.Sink

	rest := publisher.New(
		viper.GetString("remote.url"),
		viper.GetString("remote.key"),
		viper.GetString("remote.table"),
		logger)
	if rest.Enabled() {
		sinks = append(sinks, rest)
	} else {
		logger.Info("remote publisher disabled: no credentials configured")
	}

	if viper.GetString("database.host") != "" {
		db, err := database.NewDB()
		if err != nil {
			return nil, fmt.Errorf("error connecting to database: %v", err)
		}
		if err := db.InitSchema(context.Background()); err != nil {
			db.Close()
			return nil, fmt.Errorf("error initializing database schema: %v", err)
		}
		sinks = append(sinks, database.NewSink(db, logger))
	}

	return &agent{
		runner:   r,
		recorder: recorder.New(logDir, providers, logger),
		sinks:    sinks,
	}, nil
}

func buildDirectory() *directory.Cache {
	providers := viper.GetStringSlice("directory.providers")
	keywords := make(map[string][]string, len(providers))
	for _, p := range providers {
		keywords[p] = viper.GetStringSlice("directory.keywords." + p)
	}

	return directory.New(directory.Options{
		DirectoryURL:    viper.GetString("directory.url"),
		CacheFile:       viper.GetString("directory.cache_file"),
		LastGoodFile:    viper.GetString("directory.last_good_file"),
		TTL:             time.Duration(viper.GetInt("directory.ttl_seconds")) * time.Second,
		Providers:       providers,
		Keywords:        keywords,
		CountryKeywords: viper.GetStringSlice("directory.country_keywords"),
		Logger:          logger,
	})
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(discoverCmd)
}

func initConfig() {
	viper.SetDefault("device.id", "netprobe-01")
	viper.SetDefault("agent.interval_seconds", 600)
	viper.SetDefault("agent.cycle_timeout_seconds", 480)
	viper.SetDefault("agent.stage_seconds", 10)
	viper.SetDefault("agent.threads", defaultThreads())
	viper.SetDefault("ping.host", "8.8.8.8")
	viper.SetDefault("ping.count", 5)
	viper.SetDefault("ping.privileged", false)
	viper.SetDefault("http.url", "https://www.bbc.com/")
	viper.SetDefault("http.timeout_seconds", 10)
	viper.SetDefault("http.transport", "")
	viper.SetDefault("log.dir", "logs")
	viper.SetDefault("directory.url", "https://www.speedtest.net/api/js/servers?engine=js&limit=100")
	viper.SetDefault("directory.cache_file", filepath.Join(os.TempDir(), "netprobe_servers.json"))
	viper.SetDefault("directory.last_good_file", filepath.Join(os.TempDir(), "netprobe_last_good.json"))
	viper.SetDefault("directory.ttl_seconds", 21600)
	viper.SetDefault("directory.providers", []string{"etisalat", "du"})
	viper.SetDefault("directory.keywords.etisalat", []string{"e&", "etisalat", "emirates tele"})
	viper.SetDefault("directory.keywords.du", []string{"du", "eitc"})
	viper.SetDefault("directory.country_keywords", []string{"united arab", "uae", "u.a.e"})
	viper.SetDefault("remote.url", "")
	viper.SetDefault("remote.key", "")
	viper.SetDefault("remote.table", "netlogs")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("ipinfo.url", "")
	viper.SetDefault("ipinfo.token", "")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.netprobe")
	viper.AddConfigPath("/etc/netprobe/")

	viper.SetEnvPrefix("NETPROBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(exitSetup)
		}
	}
}

func defaultThreads() int {
	n := runtime.NumCPU()
	if n > 4 {
		n = 4
	}
	return n
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
