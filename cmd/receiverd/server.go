package main

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunktransfer/config"
	"github.com/bitrise-io/go-chunktransfer/destination"
	"github.com/bitrise-io/go-chunktransfer/receiver"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/gin-gonic/gin"
)

func newReceiver(ctx context.Context, cfg config.ReceiverConfig, logger log.Logger) (*receiver.Receiver, error) {
	finalizer, resolve, err := newDestination(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return receiver.New(receiver.Config{
		StoreConfig:          cfg.Store,
		ChunkExpiry:          cfg.ChunkExpiry,
		SweepInterval:        cfg.SweepInterval,
		MaxFileSize:          cfg.MaxFileSize,
		MaxChunkSize:         cfg.MaxChunkSize,
		FilePath:             resolve,
		Flakiness:            cfg.Flakiness,
		SimulatedChunkExpiry: cfg.SimulatedChunkExpiry,
		HoldTimeout:          cfg.HoldTimeout,
		StagingDir:           cfg.StagingDir,
		AllowedFileNames:     cfg.AllowedFileNames,
		Finalizer:            finalizer,
		OnComplete: func(_ context.Context, completed receiver.Completed) {
			logger.Donef("Received %s (%s, %d chunks) in %s, stored at %s", completed.FileName,
				units.BytesSize(float64(completed.Size)), completed.Chunks, completed.Duration.Round(time.Millisecond), completed.Destination)
		},
		Logger: logger,
	})
}

func newDestination(ctx context.Context, cfg config.ReceiverConfig, logger log.Logger) (destination.Finalizer, receiver.DestinationFunc, error) {
	if cfg.UseS3() {
		finalizer, err := destination.NewS3Finalizer(ctx, cfg.S3, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create s3 destination: %w", err)
		}
		return finalizer, objectKey, nil
	}
	return destination.NewLocalFinalizer(logger), localPath(cfg.DestinationDir), nil
}

func localPath(dir string) receiver.DestinationFunc {
	return func(_ *http.Request, fileName string) (string, error) {
		name, err := baseName(fileName)
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, name), nil
	}
}

func objectKey(_ *http.Request, fileName string) (string, error) {
	return baseName(fileName)
}

// baseName drops any directory part the uploader sent along with the file name.
func baseName(fileName string) (string, error) {
	name := path.Base(strings.ReplaceAll(fileName, `\`, "/"))
	switch name {
	case "", ".", "..", "/":
		return "", fmt.Errorf("invalid file name: %q", fileName)
	}
	return name, nil
}

func newRouter(cfg config.ReceiverConfig, rcv *receiver.Receiver, logger log.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	router.POST(cfg.Route, rcv.Middleware())

	return router
}

func requestLogger(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("%s %s -> %d in %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}
