package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"OwlDetServer/config"
	"OwlDetServer/engine"
	"OwlDetServer/fewshot"
	backend "OwlDetServer/gRPC"
	"OwlDetServer/httpapi"
	"OwlDetServer/logger"
	"OwlDetServer/monitor"
	"OwlDetServer/registry"
	"OwlDetServer/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthInterval = 10 * time.Second

func openStore(cfg config.RegistryConfig) (registry.Store, error) {
	switch cfg.Backend {
	case config.RegistrySQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		return registry.NewSQLiteStore(cfg.SQLitePath)
	case config.RegistryMemory:
		return registry.NewMemoryStore(), nil
	default:
		return registry.NewFileStore(cfg.Dir)
	}
}

func main() {
	if err := logger.InitProduction(); err != nil {
		fmt.Println("Failed to init logger:", err)
		return
	}
	defer logger.Sync()

	cfg, err := config.Load("config.yaml", ".env")
	if err != nil {
		logger.Log().Error("failed to load config", zap.Error(err))
		return
	}
	if cfg.LogMode == "development" {
		if err := logger.Init(cfg.LogMode); err != nil {
			logger.Log().Error("failed to switch log mode", zap.Error(err))
			return
		}
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	log := logger.Log()
	log.Info("starting",
		zap.Int("cpu_cores", runtime.NumCPU()),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("rpc_port", cfg.RPCPort),
		zap.Int("monitor_port", cfg.MonitorPort),
		zap.String("extractor", cfg.Extractor.Backend),
		zap.String("registry", cfg.Registry.Backend),
		zap.Int("cache_size", cfg.CacheSize))

	extractor, err := engine.NewExtractor(cfg.EngineConfig())
	if err != nil {
		log.Error("failed to create feature extractor", zap.Error(err))
		return
	}
	store, err := openStore(cfg.Registry)
	if err != nil {
		log.Error("failed to open model store", zap.Error(err))
		_ = extractor.Close()
		return
	}
	svc := service.New(fewshot.NewRuntime(extractor, cfg.CacheSize), registry.New(store))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if remote, ok := extractor.(*engine.RemoteExtractor); ok {
		wg.Add(1)
		go remote.WatchHealth(ctx, healthInterval, &wg)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(cfg.MonitorPort, ctx)
	}()

	rpc := backend.NewServer(svc, engine.DecodeImage, cfg.DefaultConfidence)
	grpcServer, err := backend.StartGRPCServer(cfg.RPCPort, rpc)
	if err != nil {
		log.Error("failed to start gRPC server", zap.Error(err))
		cancel()
		wg.Wait()
		_ = svc.Close()
		_ = extractor.Close()
		return
	}
	httpServer := httpapi.Start(cfg.HTTPPort, httpapi.NewRouter(svc, engine.DecodeBase64Image, cfg.DefaultConfidence))

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
		log.Warn("signal received, shutting down")
	case <-rpc.Done():
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	// queued jobs still run against the extractor, so it closes last
	if err := svc.Close(); err != nil {
		log.Warn("closing model store", zap.Error(err))
	}
	if err := extractor.Close(); err != nil {
		log.Warn("closing extractor", zap.Error(err))
	}
	wg.Wait()
	log.Info("safely exited")
}
