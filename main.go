package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	binanceapi "github.com/adshao/go-binance/v2"
	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/clock"
	"tickflow/internal/dispatch"
	"tickflow/internal/normalizer"
	"tickflow/internal/ratebudget"
	"tickflow/internal/sink"
	"tickflow/logger"
	"tickflow/reader/binance"
	"tickflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tickflow.Name,
		"version": cfg.Tickflow.Version,
		"symbol":  cfg.Symbol,
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Metrics.Namespace, cfg.Tickflow.Name)
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)

	restClient := binanceapi.NewClient("", "")
	if cfg.Connection.RestURL != "" {
		restClient.BaseURL = cfg.Connection.RestURL
	}

	calibrator := clock.NewCalibrator(&clock.BinanceServerClock{Client: restClient}, cfg.Clock.ProbeInterval)
	staleness := clock.NewStalenessDetector(cfg.Connection.StaleThreshold)
	norm := normalizer.New(calibrator, staleness)
	dispatcher := dispatch.NewDispatcher()

	if cfg.Console.Enabled {
		dispatcher.Register(sink.NewConsoleSink())
	}

	var bufferedWriter *writer.BufferedWriter
	var fatalCh <-chan error
	if cfg.Writer.Enabled {
		var store writer.ArtifactStore
		if cfg.Storage.S3.Enabled {
			store, err = writer.NewS3Store(cfg)
			if err != nil {
				log.WithError(err).Error("failed to create S3 store")
				os.Exit(1)
			}
		} else {
			store = writer.NewLocalStore(cfg.Writer.OutputDir)
		}
		bufferedWriter = writer.NewBufferedWriter(cfg, store)
		fatalCh = bufferedWriter.Fatal()
		dispatcher.Register(bufferedWriter)
	} else {
		log.WithComponent("main").Info("durable writer disabled")
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		calibrator.Run(ctx)
	}()

	if bufferedWriter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bufferedWriter.RunAgeFlush(ctx)
		}()
	}

	if len(cfg.StreamNames()) > 0 {
		supervisor := binance.NewStreamSupervisor(cfg, norm, dispatcher)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := supervisor.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	if cfg.Poller.Enabled {
		budget := ratebudget.NewTracker(cfg.Poller.WeightBudget, ratebudget.DefaultWindow)
		poller, err := binance.NewDepthPoller(cfg, norm, dispatcher, budget)
		if err != nil {
			log.WithError(err).Error("failed to create depth poller")
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := poller.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-fatalCh:
		log.WithError(err).Error("unrecoverable storage failure")
		os.Exit(2)
	case err := <-errCh:
		log.WithError(err).Error("ingestion stopped")
		exitCode = 1
	}

	log.Info("starting graceful shutdown")
	cancel()

	if bufferedWriter != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := bufferedWriter.Close(closeCtx); err != nil {
			log.WithError(err).Error("failed to flush remaining segments")
			exitCode = 2
		}
		closeCancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow stopped")
	os.Exit(exitCode)
}
