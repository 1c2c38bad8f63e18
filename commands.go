package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"asr-bench/internal/config"
	"asr-bench/internal/model"
	"asr-bench/internal/router"
	"asr-bench/internal/service"
)

var (
	configPath string

	benchSamples  int
	benchRepeat   int
	benchWarmup   int
	benchSeed     string
	benchSnapshot string
	benchOutDir   string

	importLabel string

	rootCmd = &cobra.Command{
		Use:           "asr-bench",
		Short:         "Repeated-trial latency benchmark harness for speech recognition backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and /metrics endpoint",
		RunE:  runServe,
	}

	benchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Run one headless batch and write JSON/CSV/markdown outputs",
		RunE:  runBench,
	}

	importCmd = &cobra.Command{
		Use:   "import [export.json|runs.csv]",
		Short: "Import an exported batch as a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to the yaml config")

	benchCmd.Flags().IntVar(&benchSamples, "samples", 0, "number of dataset rows to sample (0 = config)")
	benchCmd.Flags().IntVar(&benchRepeat, "repeat", 0, "measured repeats per sample (0 = config)")
	benchCmd.Flags().IntVar(&benchWarmup, "warmup", -1, "warm-up inferences per sample (-1 = config)")
	benchCmd.Flags().StringVar(&benchSeed, "seed", "", "sampling seed (empty = config)")
	benchCmd.Flags().StringVar(&benchSnapshot, "snapshot", "", "save a snapshot with this label after the batch")
	benchCmd.Flags().StringVarP(&benchOutDir, "out", "o", "", "output directory (empty = config)")

	importCmd.Flags().StringVar(&importLabel, "label", "", "snapshot label")

	rootCmd.AddCommand(serveCmd, benchCmd, importCmd)
}

// setup 加载配置（文件不存在时使用默认配置）并初始化日志
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeServices(sc *service.ServiceContext, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sc.Close(ctx); err != nil {
		logger.Warn("close services failed", "error", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	sc, err := service.NewServiceContext(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}
	defer closeServices(sc, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router.SetupRouter(ctx, sc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("服务启动", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("启动服务失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		sc.Bench.Runner.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	sc, err := service.NewServiceContext(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}
	defer closeServices(sc, logger)

	bench := sc.Bench
	stored, err := bench.Settings.Get(ctx)
	if err != nil {
		return err
	}
	settings := benchOverrides(stored)

	if err := bench.LoadModel(ctx, settings.Model, settings.TargetSampleRate); err != nil {
		return err
	}
	res, err := bench.RunBatch(ctx, settings)
	if err != nil {
		return err
	}
	logger.Info("batch done", "batch_id", res.BatchID, "status", res.Status())

	outDir := benchOutDir
	if outDir == "" {
		outDir = cfg.Bench.OutputDir
	}
	exp := service.BuildExport(settings, bench.Hardware, res.Runs, time.Now())
	d := service.Recompute(service.ViewFromSettings(settings, false), res.Runs)
	paths, err := service.WriteBatchOutputs(outDir, res.BatchID, exp, d)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n%s\n%s\n", res.Status(), paths.JSON, paths.CSV, paths.Markdown)

	if benchSnapshot != "" {
		snap, err := bench.Snapshots.Save(ctx, benchSnapshot, res.Runs, settings, bench.Hardware)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s\n", snap.ID)
	}
	return nil
}

// benchOverrides 命令行参数只作用于本次批次，不写回存储的设置
func benchOverrides(s model.Settings) model.Settings {
	if benchSamples > 0 {
		s.SampleCount = benchSamples
	}
	if benchRepeat > 0 {
		s.RepeatCount = benchRepeat
	}
	if benchWarmup >= 0 {
		s.WarmupCount = benchWarmup
	}
	if benchSeed != "" {
		s.Seed = benchSeed
	}
	return s
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	sc, err := service.NewServiceContext(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}
	defer closeServices(sc, logger)

	exp, err := service.ReadExportFile(args[0], service.DefaultSettings(cfg))
	if err != nil {
		return err
	}
	snap, err := sc.Bench.Snapshots.Import(ctx, exp, importLabel)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s (%d runs)\n", snap.ID, len(snap.Runs))
	return nil
}
