package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hazardeye/internal/bus"
	"hazardeye/internal/cache"
	"hazardeye/internal/capture"
	"hazardeye/internal/config"
	"hazardeye/internal/detect"
	"hazardeye/internal/geofence"
	"hazardeye/internal/hazard"
	"hazardeye/internal/logger"
	"hazardeye/internal/metrics"
	"hazardeye/internal/mode"
	"hazardeye/internal/server"
	"hazardeye/internal/session"
	"hazardeye/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	// Persistence and messaging are optional: the stream keeps running
	// with whatever subset of the infrastructure is reachable.
	store := storage.NewPostgres(cfg.DatabaseURL, log)
	defer store.Close()

	var dedupCache cache.Cache
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rc, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB, log)
		cancel()
		if err != nil {
			log.Warn("redis unavailable, using in-process dedup cache", "error", err)
			dedupCache = cache.NewMemory()
		} else {
			defer rc.Close()
			dedupCache = rc
		}
	} else {
		dedupCache = cache.NewMemory()
	}

	var pub bus.Publisher = bus.Nop{}
	if cfg.MQTTEnabled {
		mq, err := bus.New(bus.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, log)
		if err != nil {
			log.Warn("mqtt unavailable, hazard publishing disabled", "error", err)
		} else {
			defer mq.Close()
			pub = mq
		}
	}

	dedup := hazard.NewDedup(hazard.DedupConfig{
		Fingerprinter: hazard.NewFingerprinter(cfg.DedupPrecision, cfg.DedupWindow),
		Cache:         dedupCache,
		Store:         store,
		Logger:        log,
		TTL:           cfg.DedupTTL,
		NearbyRadiusM: cfg.NearbyRadiusM,
		NearbyDays:    cfg.NearbyDaysBack,
	})
	broadcaster := geofence.New(store, pub, log, met.IncBroadcasts)
	recorder := hazard.NewRecorder(dedup, store, pub, broadcaster, log, hazard.RecorderStats{
		Stored:     met.IncHazardsStored,
		Suppressed: met.IncDuplicates,
	})

	filter := detect.NewFilter(detect.FilterConfig{
		Thresholds:       cfg.Thresholds,
		DefaultThreshold: cfg.DefaultThreshold,
		FocalLengthPx:    cfg.FocalLengthPx,
		KnownWidthsM:     cfg.KnownWidths,
	})
	pool := detect.NewPool(detect.PoolConfig{
		Road:     detect.NewHTTPDetector(detect.ModelRoad, cfg.RoadModelEndpoint),
		Standard: detect.NewHTTPDetector(detect.ModelStandard, cfg.StandardModelEndpoint),
		Filter:   filter,
		Workers:  cfg.InferenceWorkers,
		Logger:   log,
		OnSubmit: met.IncInferenceRuns,
		OnError:  met.IncInferenceErrors,
	})
	defer pool.Close()

	camera := capture.NewCameraSource(capture.CameraConfig{
		Indices:      cfg.CameraIndices,
		Width:        cfg.CaptureWidth,
		Height:       cfg.CaptureHeight,
		FPS:          cfg.CaptureFPS,
		MaxRetries:   cfg.MaxOpenRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, log)
	camera.OnFrame = met.IncFramesCaptured
	if err := camera.Start(); err != nil {
		log.Warn("camera start failed, waiting for reconnect", "error", err)
	}

	srv := server.New(server.Options{
		Logger:    log,
		Metrics:   met,
		Mode:      mode.NewState(mode.Live),
		Pool:      pool,
		Annotator: detect.NewAnnotator(cfg.MaxFrameWidth, cfg.JPEGQuality),
		Recorder:  recorder,
		SessionConfig: session.Config{
			FrameIntervalMin:  cfg.FrameIntervalMin,
			FrameIntervalMax:  cfg.FrameIntervalMax,
			TelemetryInterval: cfg.TelemetryInterval,
			KeepaliveInterval: cfg.KeepaliveInterval,
			SamplePeriod:      cfg.SamplePeriod,
		},
		Camera: camera,
		NewFileSource: func(path string) server.FileSource {
			fs := capture.NewFileSource(path, cfg.MaxOpenRetries, cfg.RetryBackoff, log)
			fs.OnFrame = met.IncFramesCaptured
			return fs
		},
		VideoFile: cfg.VideoFile,
	})
	defer srv.Shutdown()

	addr := ":" + cfg.Port
	httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"cameras", cfg.CameraIndices,
		"sample_period", cfg.SamplePeriod,
		"mqtt_enabled", cfg.MQTTEnabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
