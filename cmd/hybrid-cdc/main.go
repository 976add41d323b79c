package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/clickhouse"
	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/config"
	"github.com/philippevezina/hybrid-cdc/internal/enumerator"
	"github.com/philippevezina/hybrid-cdc/internal/factory"
	"github.com/philippevezina/hybrid-cdc/internal/metrics"
	"github.com/philippevezina/hybrid-cdc/internal/mysql"
	"github.com/philippevezina/hybrid-cdc/internal/observability"
	"github.com/philippevezina/hybrid-cdc/internal/pipeline"
	"github.com/philippevezina/hybrid-cdc/internal/split"
	"github.com/philippevezina/hybrid-cdc/internal/state"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "configs/example.yaml",
	Usage:   "path to the configuration file",
}

func main() {
	app := &cli.App{
		Name:    "hybrid-cdc",
		Usage:   "Snapshot MySQL tables in parallel chunks and switch to the binlog without a global lock",
		Version: common.GetVersion(),
		Commands: []*cli.Command{{
			Name:  "run",
			Usage: "Start the capture pipeline",
			Flags: []cli.Flag{
				configFlag,
				&cli.StringFlag{
					Name:  "stop-at",
					Usage: "binlog position (file:pos) at which streaming stops, for bounded runs",
				},
			},
			Action: func(ctx *cli.Context) error {
				return run(ctx.String("config"), ctx.String("stop-at"))
			},
		}, {
			Name:  "validate",
			Usage: "Check the configuration and the sink options without connecting to anything",
			Flags: []cli.Flag{configFlag},
			Action: func(ctx *cli.Context) error {
				return validate(ctx.String("config"))
			},
		}, {
			Name:  "inspect-checkpoint",
			Usage: "Print the latest saved checkpoint",
			Flags: []cli.Flag{
				configFlag,
				&cli.IntFlag{
					Name:  "history",
					Value: 0,
					Usage: "also list this many recent checkpoints",
				},
			},
			Action: func(ctx *cli.Context) error {
				return inspectCheckpoint(ctx.String("config"), ctx.Int("history"))
			},
		}, {
			Name:  "test-sentry",
			Usage: "Send a test error to Sentry and exit",
			Flags: []cli.Flag{configFlag},
			Action: func(ctx *cli.Context) error {
				return runSentryTest(ctx.String("config"))
			},
		}, {
			Name:  "test-newrelic",
			Usage: "Send test logs to New Relic and exit",
			Flags: []cli.Flag{configFlag},
			Action: func(ctx *cli.Context) error {
				return runNewRelicTest(ctx.String("config"))
			},
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type Application struct {
	cfg                  *config.Config
	logger               *zap.Logger
	source               *mysql.Source
	clickhouseClient     *clickhouse.Client
	pipeline             *pipeline.Pipeline
	metricsManager       *metrics.Manager
	stateManager         *state.Manager
	observabilityManager *observability.Manager
	endingOffset         split.Offset
}

func run(configPath, stopAt string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var ending split.Offset
	if stopAt != "" {
		offset, err := mysql.ParseBinlogOffset(stopAt)
		if err != nil {
			return fmt.Errorf("invalid --stop-at: %w", err)
		}
		ending = offset
	}

	// the core is built first so New Relic can wrap it before the final logger exists
	loggerCore, err := common.NewLoggerCore(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger core: %w", err)
	}
	initialLogger := loggerCore.BuildLogger(loggerCore.Core)

	observabilityManager, err := observability.NewManager(
		&cfg.Observability,
		common.LoggerWithComponent(initialLogger, "observability"),
	)
	if err != nil {
		return fmt.Errorf("failed to create observability manager: %w", err)
	}

	logger := loggerCore.BuildLogger(observabilityManager.WrapZapCore(loggerCore.Core))
	defer logger.Sync()

	app := &Application{
		cfg:                  cfg,
		logger:               logger,
		observabilityManager: observabilityManager,
		endingOffset:         ending,
	}
	if err := app.initialize(); err != nil {
		_ = observabilityManager.Stop()
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.metricsManager.Start(); err != nil {
		_ = app.stop()
		return fmt.Errorf("failed to start metrics manager: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- app.pipeline.Run(ctx)
	}()

	app.logger.Info("Hybrid CDC started",
		zap.String("version", common.GetVersion()),
		zap.String("sink", cfg.Sink.Type))

	var runErr error
	select {
	case sig := <-app.shutdownSignal():
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		runErr = <-done
	case runErr = <-done:
	}
	if runErr != nil {
		app.logger.Error("Pipeline stopped with error", zap.Error(runErr))
	}

	if err := app.stop(); err != nil {
		app.logger.Error("Error during shutdown", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	if runErr == nil {
		app.logger.Info("Hybrid CDC stopped gracefully")
	}
	return runErr
}

func (a *Application) initialize() error {
	a.logger.Info("Initializing components...")

	a.metricsManager = metrics.NewManager(&a.cfg.Monitoring, common.LoggerWithComponent(a.logger, "metrics"))
	m := a.metricsManager.GetMetrics()

	if a.cfg.State.Type == config.StateTypeClickHouse {
		client, err := clickhouse.NewClient(&a.cfg.State.ClickHouse, common.LoggerWithComponent(a.logger, "clickhouse"))
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		a.clickhouseClient = client
	}

	stateManager, err := state.NewManager(a.cfg.State, a.clickhouseClient, m, common.LoggerWithComponent(a.logger, "state"))
	if err != nil {
		return fmt.Errorf("failed to create state manager: %w", err)
	}
	a.stateManager = stateManager

	a.source = mysql.NewSource(&a.cfg.MySQL, common.LoggerWithComponent(a.logger, "mysql"))
	pingCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.source.Ping(pingCtx); err != nil {
		m.SetConnectionStatus("mysql", false)
		return fmt.Errorf("failed to reach MySQL: %w", err)
	}
	m.SetConnectionStatus("mysql", true)

	p, err := pipeline.New(a.cfg, a.source, pipeline.Options{
		State:        stateManager,
		Reporter:     a.observabilityManager,
		EndingOffset: a.endingOffset,
	}, m, common.LoggerWithComponent(a.logger, "pipeline"))
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	a.pipeline = p
	a.metricsManager.SetHealthFunc(p.Health)

	a.logger.Info("Components initialized successfully")
	return nil
}

// stop closes what initialize opened. The pipeline closes the source, the sink and the
// state manager, so those are only closed directly when no pipeline was built.
func (a *Application) stop() error {
	a.logger.Info("Stopping components...")

	var errors []error

	if a.pipeline != nil {
		if err := a.pipeline.Close(); err != nil {
			errors = append(errors, fmt.Errorf("pipeline close error: %w", err))
		}
	} else if a.stateManager != nil {
		if err := a.stateManager.Close(); err != nil {
			errors = append(errors, fmt.Errorf("state manager close error: %w", err))
		}
	}

	if a.clickhouseClient != nil {
		if err := a.clickhouseClient.Close(); err != nil {
			errors = append(errors, fmt.Errorf("ClickHouse client close error: %w", err))
		}
	}

	if a.metricsManager != nil {
		if err := a.metricsManager.Stop(); err != nil {
			errors = append(errors, fmt.Errorf("metrics manager stop error: %w", err))
		}
	}

	// last, to capture any shutdown errors
	if err := a.observabilityManager.Stop(); err != nil {
		errors = append(errors, fmt.Errorf("observability manager stop error: %w", err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("shutdown errors: %v", errors)
	}
	return nil
}

func (a *Application) shutdownSignal() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

func validate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	registry, err := pipeline.DefaultRegistry()
	if err != nil {
		return err
	}
	f, err := registry.Lookup(cfg.Sink.Type)
	if err != nil {
		return err
	}
	if err := factory.Validate(f, factory.Configuration(cfg.Sink.Options)); err != nil {
		return err
	}
	if _, err := common.NewTableFilter(cfg.MySQL.TableFilter); err != nil {
		return err
	}
	fmt.Printf("Configuration %s is valid (sink: %s, state: %s)\n", configPath, cfg.Sink.Type, cfg.State.Type)
	return nil
}

type checkpointSummary struct {
	ID             string    `json:"id"`
	Phase          string    `json:"phase"`
	StreamOffset   string    `json:"stream_offset,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Tables         []string  `json:"tables,omitempty"`
	PendingSplits  int       `json:"pending_splits"`
	FinishedSplits int       `json:"finished_splits"`
	TotalSplits    int       `json:"total_splits"`
	StreamSplit    string    `json:"stream_split,omitempty"`
	AwaitingAck    bool      `json:"awaiting_ack,omitempty"`
}

func summarize(cp *state.Checkpoint) (*checkpointSummary, error) {
	decoded, err := enumerator.DecodeState(cp.State)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", cp.ID, err)
	}
	summary := &checkpointSummary{
		ID:             cp.ID,
		Phase:          decoded.Phase.String(),
		StreamOffset:   cp.StreamOffset,
		CreatedAt:      cp.CreatedAt,
		PendingSplits:  len(decoded.Pending),
		FinishedSplits: len(decoded.Finished),
		TotalSplits:    decoded.TotalSplits,
		AwaitingAck:    decoded.AwaitingAck,
	}
	for _, schema := range decoded.Tables {
		summary.Tables = append(summary.Tables, schema.Table().String())
	}
	if decoded.StreamSplit != nil {
		summary.StreamSplit = decoded.StreamSplit.String()
	}
	return summary, nil
}

func inspectCheckpoint(configPath string, history int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.State.Type != config.StateTypeClickHouse {
		return fmt.Errorf("state type %q keeps no checkpoints between runs", cfg.State.Type)
	}

	logger, err := common.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	client, err := clickhouse.NewClient(&cfg.State.ClickHouse, common.LoggerWithComponent(logger, "clickhouse"))
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer client.Close()

	stateManager, err := state.NewManager(cfg.State, client, nil, common.LoggerWithComponent(logger, "state"))
	if err != nil {
		return err
	}
	defer stateManager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := stateManager.Initialize(ctx); err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	cp := stateManager.GetCurrentCheckpoint()
	if cp == nil {
		fmt.Println("No checkpoint found")
		return nil
	}
	summary, err := summarize(cp)
	if err != nil {
		return err
	}
	if err := out.Encode(summary); err != nil {
		return err
	}

	if history <= 0 {
		return nil
	}
	recent, err := stateManager.ListRecentCheckpoints(ctx, history)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	for _, c := range recent {
		fmt.Printf("%s  %-20s  %s  %s\n", c.CreatedAt.Format(time.RFC3339), c.Phase, c.StreamOffset, c.ID)
	}
	return nil
}

func runSentryTest(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Observability.ErrorReporting.Enabled = true

	logger, err := common.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	obsManager, err := observability.NewManager(&cfg.Observability, common.LoggerWithComponent(logger, "observability"))
	if err != nil {
		return fmt.Errorf("failed to create observability manager: %w", err)
	}

	testErr := fmt.Errorf("test error from hybrid-cdc: verifying Sentry integration at %s", time.Now().Format(time.RFC3339))
	logger.Info("Sending test error to Sentry...", zap.String("error", testErr.Error()))

	ctx := context.Background()
	reporter := obsManager.ErrorReporter()
	if err := reporter.CaptureError(ctx, testErr,
		observability.NewErrorContext("test", "sentry_verification").
			WithTable(split.NewTableID("", "test_database", "test_table")).
			WithExtra("test_key", "test_value")); err != nil {
		logger.Warn("Failed to capture test error", zap.Error(err))
	}
	if err := reporter.CaptureMessage(ctx, "Test message from hybrid-cdc Sentry verification",
		observability.SeverityInfo, observability.NewErrorContext("test", "sentry_verification")); err != nil {
		logger.Warn("Failed to capture test message", zap.Error(err))
	}

	if !reporter.Flush(10 * time.Second) {
		logger.Warn("Flush timed out, some events may not have been sent")
	}
	if err := obsManager.Stop(); err != nil {
		logger.Warn("Error stopping observability manager", zap.Error(err))
	}

	logger.Info("Sentry test completed. Check your Sentry dashboard for the test error.")
	return nil
}

func runNewRelicTest(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Observability.LogExporting.Enabled = true

	loggerCore, err := common.NewLoggerCore(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger core: %w", err)
	}
	initialLogger := loggerCore.BuildLogger(loggerCore.Core)

	obsManager, err := observability.NewManager(&cfg.Observability, common.LoggerWithComponent(initialLogger, "observability"))
	if err != nil {
		return fmt.Errorf("failed to create observability manager: %w", err)
	}

	logger := loggerCore.BuildLogger(obsManager.WrapZapCore(loggerCore.Core))
	defer logger.Sync()

	logger.Debug("Test DEBUG message from hybrid-cdc New Relic verification", zap.Int("test_number", 1))
	logger.Info("Test INFO message from hybrid-cdc New Relic verification", zap.Int("test_number", 2))
	logger.Warn("Test WARN message from hybrid-cdc New Relic verification", zap.Int("test_number", 3))
	logger.Error("Test ERROR message from hybrid-cdc New Relic verification",
		zap.Int("test_number", 4),
		zap.Error(fmt.Errorf("simulated error for testing")))

	// Stop flushes the exporter
	if err := obsManager.Stop(); err != nil {
		initialLogger.Warn("Error stopping observability manager", zap.Error(err))
	}

	fmt.Println("New Relic test completed. Look for logs containing 'hybrid-cdc New Relic verification'.")
	return nil
}
