package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/banana-api/internal/classifier"
	"github.com/Brownie44l1/banana-api/internal/config"
	"github.com/Brownie44l1/banana-api/internal/handlers"
	"github.com/Brownie44l1/banana-api/internal/logging"
	"github.com/Brownie44l1/banana-api/internal/metrics"
	"github.com/Brownie44l1/banana-api/internal/middleware"
	"github.com/Brownie44l1/banana-api/internal/model"
	"github.com/Brownie44l1/banana-api/internal/session"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "banana-api: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	cfg := config.FromEnv(os.LookupEnv)
	cmd := &cobra.Command{
		Use:           "banana-api",
		Short:         "Classify banana ripeness from photos",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("get working directory: %w", err)
			}
			cfg.ResolvePaths(wd)

			log, err := logging.NewWithWriter(stderr, cfg.LogLevel, logging.Format(cfg.LogFormat))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

// loadClassifier loads the model. A model that fails to load leaves the
// classifier unavailable instead of stopping the server.
func loadClassifier(cfg config.Config, log logging.Logger) (*classifier.Classifier, func()) {
	log.Infof("Loading model from: %s", cfg.ModelPath)
	server, err := model.NewServer(cfg.ModelPath, cfg.MetadataPath, model.Options{
		SharedLibraryPath: cfg.ONNXRuntimeLib,
		Log:               log.WithField("component", "model"),
	})
	if err != nil {
		log.Errorf("Model could not be loaded, analysis is unavailable: %v", err)
		// A nil *model.Server must not reach the classifier as a non-nil Scorer.
		return classifier.New(nil, classifier.Config{MaxPixels: cfg.MaxPixels}), func() {}
	}

	ccfg := classifier.ConfigFromMetadata(server.Metadata)
	ccfg.MaxPixels = cfg.MaxPixels
	log.Infof("Classes: %v", server.Metadata.Classes)
	return classifier.New(server, ccfg), server.Close
}

func newMux(cfg config.Config, c *classifier.Classifier, log logging.Logger) http.Handler {
	recorder := metrics.NewRecorder(c.Available())
	h := handlers.NewHandler(c, handlers.Options{
		Sessions: session.NewCache(session.Options{
			TTL:         cfg.SessionTTL,
			MaxSessions: cfg.MaxSessions,
		}),
		Metrics:       recorder,
		Log:           log.WithField("component", "handlers"),
		MaxUploadSize: cfg.UploadSizeBytes(),
	})

	mux := http.NewServeMux()
	h.Register(mux)
	if !cfg.DisableMetrics {
		mux.Handle("/metrics", metrics.NewHandler(log.WithField("component", "metrics"), recorder))
	}
	return middleware.CORS(cfg.Origins(), middleware.Logging(log, mux))
}

func serve(ctx context.Context, cfg config.Config, log logging.Logger) error {
	c, closeModel := loadClassifier(cfg, log)
	defer closeModel()

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           newMux(cfg, c, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infof("Server starting on port %s", cfg.Port)
	log.Infof("Upload limit: %s", cfg.UploadSizeHuman())
	log.Info("Endpoints:")
	log.Info("  GET  /              - Upload page")
	log.Info("  GET  /health        - Health check")
	log.Info("  GET  /labels        - Class labels and colors")
	log.Info("  POST /predict       - Raw tensor prediction")
	log.Info("  POST /predict/image - Predict from image upload")
	if !cfg.DisableMetrics {
		log.Info("  GET  /metrics       - Prometheus metrics")
	}
	log.Infof("Upload test: curl -X POST -F \"image=@banana.jpg\" http://localhost:%s/predict/image", cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
