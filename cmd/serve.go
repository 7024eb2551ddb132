package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/api"
	"github.com/JakeFAU/netcollector/internal/transport"
	"github.com/JakeFAU/netcollector/internal/transport/memory"
)

type serveOptions struct {
	demo         bool
	demoInterval time.Duration
	url          string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the collector behind an HTTP API",
		Long: `Attaches to a browser, starts collecting and serves the collector's
state, page-load detection, snapshots and session history over HTTP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "use a synthetic in-memory target instead of a browser")
	cmd.Flags().DurationVar(&opts.demoInterval, "demo-interval", 5*time.Second, "how often the demo target loads a page")
	cmd.Flags().StringVar(&opts.url, "url", "", "page to open once the browser is attached")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger

	ctx, stop := signalContext(ctx)
	defer stop()

	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := svc.Close(shutdownCtx); cerr != nil {
			logger.Error("service shutdown error", zap.Error(cerr))
		}
	}()

	var (
		target   transport.Target
		navigate func(context.Context, string) error
	)
	if opts.demo {
		demo := memory.New()
		target = demo
		go playDemo(ctx, demo, opts.demoInterval, logger.Named("demo"))
	} else {
		browser, err := attachBrowser(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer browser.Close()
		target, navigate = browser, browser.Navigate
	}

	coll, err := svc.newCollector(ctx, target)
	if err != nil {
		return fmt.Errorf("build collector: %w", err)
	}
	if err := coll.Start(); err != nil {
		return fmt.Errorf("start collector: %w", err)
	}
	defer coll.Stop()

	if opts.url != "" && navigate != nil {
		if err := navigate(ctx, opts.url); err != nil {
			logger.Warn("initial navigation failed", zap.String("url", opts.url), zap.Error(err))
		}
	}

	apiServer, err := api.NewServer(api.Deps{
		Collector: coll,
		Exporter:  svc.exporter,
		Sessions:  svc.sessions,
		Logger:    logger.Named("api"),
	})
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port), zap.Bool("demo", opts.demo))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
