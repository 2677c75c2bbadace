// Soundforge is the upload, separation, transcription, and karaoke-assembly
// backend described in this repository: a filesystem-backed pipeline that
// turns an uploaded song into stems, lyrics, and a synced karaoke track.
package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"soundforge/internal/config"
	"soundforge/internal/gpu"
	"soundforge/internal/httpapi"
	"soundforge/internal/processors"
	"soundforge/internal/progressbus"
	"soundforge/internal/registry"
	"soundforge/internal/stage"
	"soundforge/internal/store"
	"soundforge/internal/upload"
)

func main() {
	cfg := config.Load()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	log.WithFields(log.Fields{
		"port":       cfg.Port,
		"upload_dir": cfg.UploadDir,
		"output_dir": cfg.OutputDir,
		"redis_url":  cfg.RedisURL,
		"s3_bucket":  cfg.S3Bucket,
		"ci_smoke":   cfg.CISmokeMode,
	}).Info("starting soundforge")

	s3m, err := store.NewS3Mirror(store.S3MirrorConfig{
		Bucket:    cfg.S3Bucket,
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to configure s3 mirror")
	}
	var mirror store.Mirror
	if s3m != nil {
		mirror = s3m
	}

	st, err := store.New(cfg.UploadDir, cfg.OutputDir, cfg.KaraokeSubdir, mirror)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize artifact store")
	}

	prober := gpu.NewProber(cfg.GPUStatusCacheTTL, cfg.RedisURL, cfg.CISmokeMode)

	reg := registry.New(prober)
	reg.Register(processors.Separation{})
	reg.Register(processors.Transcription{})
	reg.Register(processors.Analysis{})
	reg.Register(processors.Pitch{})
	reg.Register(processors.Generation{})
	reg.Register(processors.Karaoke{})

	cpuCount := gpu.CPUCount()
	gpuStatus := prober.Status(context.Background())
	gpuPoolSize := gpu.WorkerPoolSize(gpuStatus.GPUCount, cfg.GPUConcurrency, cpuCount)
	log.WithFields(log.Fields{
		"cpu_count":     cpuCount,
		"gpu_pool_size": gpuPoolSize,
		"io_pool_size":  cpuCount,
	}).Info("sized stage worker pools")

	bus := progressbus.New(cfg.ProgressQueueSize)
	runner := stage.NewRunner(reg, st, bus, gpuPoolSize, cpuCount)
	uploader := upload.New(st, runner, cfg.AllowedExtensions, cfg.MaxUploadBytes, cfg.AutoProcessChain)

	srv := httpapi.New(st, reg, runner, bus, uploader, prober, cfg.CORSOrigins, cfg.Debug)
	router := srv.NewRouter()

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.WithField("addr", addr).Info("listening")
	if err := router.Run(addr); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
