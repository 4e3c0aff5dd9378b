package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"installcore/internal/adapters/collections"
	"installcore/internal/adapters/spreadsheet"
	"installcore/internal/bulk"
	"installcore/internal/config"
	"installcore/internal/core"
)

type matchOptions struct {
	mode   string
	output string
}

func newMatchCommand(root *rootOptions) *cobra.Command {
	opts := &matchOptions{}
	cmd := &cobra.Command{
		Use:   "match FILE",
		Short: "Resolve a spreadsheet of device identifiers against the store.",
		Long: `Resolve a spreadsheet (.xlsx or .csv) of device identifiers.

The first row is a header. In direct mode column 1 holds device IDs; in
serial_prefix mode it holds serial-number prefixes. The report is written as
JSON to stdout, or to --output; an output path ending in .xlsx produces a
workbook with Results and Errors sheets.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runMatch(cmd.Context(), cfg, logger, args[0], opts, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", string(bulk.ModeDirect), "matching mode: direct or serial_prefix")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the report to this path instead of stdout")
	return cmd
}

func runMatch(ctx context.Context, cfg config.Config, logger *zap.Logger, input string, opts *matchOptions, stdout io.Writer) error {
	mode, err := bulk.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	f, err := os.Open(input)
	if err != nil {
		return err
	}
	defer f.Close()
	table, err := spreadsheet.Read(input, f)
	if err != nil {
		return fmt.Errorf("read %s: %w", input, err)
	}

	store, closeStore, err := core.OpenPersistentStore(ctx, cfg.Storage.Core(), core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = closeStore() }()

	devices, err := collections.Devices(store).List(ctx)
	if err != nil {
		return err
	}
	installations, err := collections.Installations(store).List(ctx)
	if err != nil {
		return err
	}
	locations, err := collections.Locations(store).List(ctx)
	if err != nil {
		return err
	}

	report := bulk.NewMatcher(devices, installations, locations, bulk.WithErrorCap(cfg.Bulk.ErrorCap)).Match(table, mode)
	logger.Info("bulk match finished",
		zap.String("input", input),
		zap.String("mode", string(mode)),
		zap.Int("success", report.Success),
		zap.Int("not_found", report.NotFound),
		zap.Int("failed", report.Failed),
	)
	return writeReport(report, opts.output, stdout)
}

func writeReport(report bulk.Report, output string, stdout io.Writer) error {
	if strings.EqualFold(filepath.Ext(output), ".xlsx") {
		data, err := spreadsheet.WriteReport(report)
		if err != nil {
			return err
		}
		return os.WriteFile(output, data, 0o644)
	}
	w := stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
