package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/config"
	"github.com/JakeFAU/netcollector/internal/transport/cdp"
)

func attachBrowser(ctx context.Context, cfg config.Config, logger *zap.Logger) (*cdp.Target, error) {
	target, err := cdp.Attach(ctx, cdp.Config{
		RemoteURL:               cfg.Browser.RemoteURL,
		Headless:                cfg.Browser.Headless,
		UserAgent:               cfg.Browser.UserAgent,
		NavTimeout:              cfg.Browser.NavTimeout,
		MaxParallelFetches:      cfg.Browser.MaxParallelFetches,
		FetchQPS:                cfg.Browser.FetchQPS,
		LongStringInitialLength: cfg.Collector.LongStringInitialLength,
		SkipBodies:              !cfg.Collector.CollectBodies,
		Logger:                  logger.Named("cdp"),
	})
	if err != nil {
		return nil, fmt.Errorf("attach browser: %w", err)
	}
	return target, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
