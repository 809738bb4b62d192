package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chenBenjamin97/vision-detector/pkg/api"
	"github.com/chenBenjamin97/vision-detector/pkg/bus"
	"github.com/chenBenjamin97/vision-detector/pkg/config"
	"github.com/chenBenjamin97/vision-detector/pkg/detection"
	"github.com/chenBenjamin97/vision-detector/pkg/model"
	"github.com/chenBenjamin97/vision-detector/pkg/node"
	"github.com/chenBenjamin97/vision-detector/pkg/video"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

//setupLogger installs the configured slog handler as the default logger
func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	levelErr := level.UnmarshalText([]byte(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	if levelErr != nil {
		slog.Warn("unknown log level, using info", "level", cfg.Level)
	}
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (default ./config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("vision detector stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log)

	instanceID := uuid.NewString()
	slog.Info("starting vision detector", "instance_id", instanceID, "weights", cfg.WeightsPath(), "rtsp_url", cfg.Encoder.RTSPURL)

	yolo, err := model.Load(model.Options{
		WeightsPath:   cfg.WeightsPath(),
		Device:        cfg.Model.Device,
		InputSize:     cfg.Model.InputSize,
		ConfThreshold: float32(cfg.Model.ConfThreshold),
		NMSThreshold:  float32(cfg.Model.NMSThreshold),
	})
	if err != nil {
		return err
	}
	defer yolo.Close()

	classes, err := cfg.ClassTable()
	if err != nil {
		return err
	}

	adapter, err := detection.NewAdapter(yolo, classes)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	b := bus.New(cfg.MQTT, "vision-detector-"+instanceID)
	encoder := video.NewEncoder(video.NewFFmpegLauncher(cfg.Encoder.Binary, cfg.Encoder.RTSPURL), cfg.Encoder.RelaunchOnFailure)
	n := node.New(instanceID, adapter, video.NewAnnotator(classes), encoder, b)
	//the encoder process is released on every exit path after the first frame
	defer func() {
		if err := n.Close(); err != nil {
			slog.Warn("encoder did not exit cleanly", "error", err)
		}
	}()

	if err := b.Connect(ctx); err != nil {
		return err
	}
	defer b.Disconnect()

	err = b.SubscribeFrames(func(f video.Frame) error {
		err := n.HandleFrame(f)
		if node.IsFatal(err) {
			cancel(fmt.Errorf("class table does not match the model: %w", err))
		}
		return err
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Port != "" {
		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:    ":" + cfg.HTTP.Port,
			Handler: api.SetRouter(n, b, cfg.WeightsDir()),
		}

		g.Go(func() error {
			slog.Info("status api listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}

	slog.Info("shutting down", "frames", n.Stats().FramesReceived)
	return err
}
