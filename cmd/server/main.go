package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/plant-api/internal/config"
	"github.com/Brownie44l1/plant-api/internal/handlers"
	"github.com/Brownie44l1/plant-api/internal/logging"
	"github.com/Brownie44l1/plant-api/internal/model"
	"github.com/Brownie44l1/plant-api/internal/preprocess"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "plant-api",
		Short:         "Serve the plant image classifier over HTTP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, nil)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "optional .toml, .yaml or .json config file")
	return cmd
}

// run loads everything the server needs before binding the listener, so a
// missing model never opens the port. signalCh may be nil.
func run(configPath string, signalCh <-chan os.Signal) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		bootLog := logging.New(os.Stderr, config.DefaultLogLevel, config.DefaultLogFormat)
		bootLog.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	pre, err := preprocess.New(preprocess.Options{
		Size:          cfg.ImageSize,
		Normalization: cfg.Normalization,
		Interpolation: cfg.Interpolation,
		Layout:        cfg.Layout,
		MaxPixels:     cfg.MaxImagePixels,
	})
	if err != nil {
		logger.Error().Err(err).Msg("invalid preprocessing config")
		return err
	}

	logger.Info().Str("path", cfg.ModelPath).Msg("loading model")
	modelServer, err := model.NewServer(model.Options{
		Path:        cfg.ModelPath,
		LibraryPath: cfg.OnnxLibrary,
		InputName:   cfg.InputName,
		OutputName:  cfg.OutputName,
		InputShape:  pre.Shape(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize model server")
		return err
	}
	defer modelServer.Close()
	logger.Info().Int("classes", modelServer.NumClasses()).Ints64("input_shape", modelServer.InputShape()).Msg("model loaded successfully")

	labels := loadLabels(cfg.LabelsPath, logger)

	h := handlers.NewHandler(modelServer, pre, handlers.Options{
		Labels:         labels,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlers.NewRouter(h, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", cfg.Addr).Msg("failed to listen")
		return err
	}
	logger.Info().Str("addr", listener.Addr().String()).
		Strs("endpoints", []string{"GET /", "POST /predict", "POST /recognize", "GET /healthz", "GET /metrics"}).
		Msg("server starting")

	if err := serveHTTPServer(server, shutdownTimeout, logger, listener, signalCh); err != nil {
		logger.Error().Err(err).Msg("server failed")
		return err
	}
	return nil
}

// loadLabels reads the optional class-name table. Without it /recognize
// reports every class as unknown.
func loadLabels(path string, logger zerolog.Logger) model.Labels {
	labels, err := model.LoadLabels(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Str("path", path).Msg("labels file not found, class names disabled")
		} else {
			logger.Warn().Err(err).Str("path", path).Msg("failed to load labels")
		}
		return nil
	}
	logger.Info().Int("labels", len(labels)).Msg("labels loaded")
	return labels
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger zerolog.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
