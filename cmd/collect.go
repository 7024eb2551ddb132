package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/collector"
	"github.com/JakeFAU/netcollector/internal/record"
	"github.com/JakeFAU/netcollector/internal/snapshot"
)

type collectOptions struct {
	timeout time.Duration
	out     string
	export  bool
}

func newCollectCmd() *cobra.Command {
	var opts collectOptions
	cmd := &cobra.Command{
		Use:   "collect <url>",
		Short: "Loads one page and prints the collected requests",
		Long: `Opens url in the browser, waits until the page's network traffic has
settled and writes the collected records as JSON. With --export the records
are also exported as a snapshot to the configured storage.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd.Context(), args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "upper bound on navigation plus page-load wait")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write records to this file instead of stdout")
	cmd.Flags().BoolVar(&opts.export, "export", false, "export a snapshot once the page settles")
	return cmd
}

func runCollect(ctx context.Context, url string, opts collectOptions, stdout io.Writer) error {
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
			logger.Warn("service shutdown error", zap.Error(cerr))
		}
	}()

	browser, err := attachBrowser(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer browser.Close()

	coll, err := svc.newCollector(ctx, browser)
	if err != nil {
		return fmt.Errorf("build collector: %w", err)
	}
	if err := coll.Start(); err != nil {
		return fmt.Errorf("start collector: %w", err)
	}
	defer coll.Stop()

	waitCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	if err := browser.Navigate(waitCtx, url); err != nil {
		return err
	}
	outcome, err := coll.WaitForPageLoad(waitCtx)
	if errors.Is(err, collector.ErrDisconnected) {
		items := coll.Items()
		logger.Warn("browser went away, writing partial records", zap.Int("items", len(items)), zap.Error(err))
		if werr := writeItems(items, opts.out, stdout, logger); werr != nil {
			return errors.Join(err, werr)
		}
		return err
	}
	if err != nil {
		return err
	}
	items := coll.Items()
	logger.Info("page collected",
		zap.String("url", url),
		zap.String("outcome", string(outcome)),
		zap.Int("items", len(items)),
	)

	if opts.export {
		row, err := svc.exporter.Export(ctx, snapshot.Request{
			SessionID: coll.SessionID(),
			Outcome:   string(outcome),
			Items:     items,
		})
		if err != nil {
			return fmt.Errorf("export snapshot: %w", err)
		}
		logger.Info("snapshot exported", zap.String("snapshot_id", row.ID), zap.String("uri", row.BlobURI))
	}

	return writeItems(items, opts.out, stdout, logger)
}

// writeItems encodes items as indented JSON into path, or stdout when path
// is empty.
func writeItems(items []record.Record, path string, stdout io.Writer, logger *zap.Logger) error {
	w := stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil {
				logger.Warn("close output file", zap.Error(cerr))
			}
		}()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(items); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	return nil
}
