/**
 * DeepReadX - Main Entry Point
 *
 * Turns page images into per-region insights:
 * - Tesseract OCR per page, one task per page
 * - region merge, fingerprint dedup and result cache
 * - bounded, rate-limited LLM dispatch prioritized around the visible page
 *
 * Commands:
 *   deepreadx explain [--kind K] [--visible N] [--document URI] image...
 *   deepreadx styles
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/deepreadx/internal/cache"
	"github.com/adverant/nexus/deepreadx/internal/config"
	"github.com/adverant/nexus/deepreadx/internal/logging"
	"github.com/adverant/nexus/deepreadx/internal/ocr"
	"github.com/adverant/nexus/deepreadx/internal/pipeline"
	"github.com/adverant/nexus/deepreadx/internal/region"
	"github.com/adverant/nexus/deepreadx/internal/storage"
	"github.com/adverant/nexus/deepreadx/internal/style"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "deepreadx",
		Short:        "Explain the text of document pages with an LLM",
		SilenceUsage: true,
	}
	root.AddCommand(newExplainCommand(), newStylesCommand())
	return root
}

type explainFlags struct {
	kind     string
	visible  int
	document string
	lines    bool
}

func newExplainCommand() *cobra.Command {
	flags := &explainFlags{}
	cmd := &cobra.Command{
		Use:   "explain image...",
		Short: "OCR page images and print an insight per text region",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplain(cmd.Context(), flags, args)
		},
	}
	cmd.Flags().StringVarP(&flags.kind, "kind", "k", "", "operation kind (default style when empty)")
	cmd.Flags().IntVar(&flags.visible, "visible", 0, "index of the visible page")
	cmd.Flags().StringVar(&flags.document, "document", "", "document URI recorded in history")
	cmd.Flags().BoolVar(&flags.lines, "lines", false, "recognize text lines instead of words")
	return cmd
}

func newStylesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "styles",
		Short: "List operation kinds and their prompt templates",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			bold := color.New(color.Bold)
			for _, s := range style.NewRegistry().List() {
				name := string(s.Kind)
				if s.IsDefault {
					name += " (default)"
				}
				bold.Fprintln(cmd.OutOrStdout(), name)
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n  %s\n\n", s.Description, s.Template)
			}
		},
	}
}

// regionResult is one delivered insight
type regionResult struct {
	regionID string
	text     string
	err      error
}

func runExplain(parent context.Context, flags *explainFlags, images []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Configure(cfg.LogLevel, cfg.LogFormat)
	defer logging.Sync()
	logger := logging.NewLogger("DeepReadX")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	document := flags.document
	if document == "" {
		document = images[0]
	}

	var mu sync.Mutex
	delivered := make(map[string]regionResult)
	handler := func(regionID string, res cache.Result) {
		mu.Lock()
		defer mu.Unlock()
		r := regionResult{regionID: regionID, text: res.Text}
		if res.Err != nil {
			r.err = res.Err
		}
		delivered[regionID] = r
	}

	opts := []pipeline.Option{
		pipeline.WithResultHandler(handler),
		pipeline.WithRecognizer(ocr.NewTesseractRecognizer(&ocr.TesseractConfig{
			Languages: cfg.TesseractLanguages,
			Lines:     flags.lines,
		})),
		pipeline.WithDocument(document),
		pipeline.WithLogger(logger),
	}

	if cfg.DatabaseURL != "" {
		history, err := storage.NewPostgresHistory(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect history store: %w", err)
		}
		defer history.Close()
		opts = append(opts, pipeline.WithHistory(history))
		logger.Info("History persisted to PostgreSQL")
	}

	if cfg.RedisURL != "" {
		mirror, err := storage.NewRedisMirror(cfg.RedisURL, uuid.NewString(), cfg.SessionTTL)
		if err != nil {
			return fmt.Errorf("failed to connect session mirror: %w", err)
		}
		defer mirror.Close()
		opts = append(opts, pipeline.WithMirror(mirror))
		logger.Info("Session mirror enabled", "ttl", cfg.SessionTTL)
	}

	p, err := pipeline.New(cfg, nil, opts...)
	if err != nil {
		return err
	}
	defer p.Close()

	kind, err := p.Styles().Resolve(style.Kind(flags.kind))
	if err != nil {
		return err
	}

	p.SetViewport(flags.visible)
	p.Start()

	// One OCR task per page; the scheduler bounds LLM concurrency separately
	regionsByPage := make([][]region.TextRegion, len(images))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range images {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			h := p.RenderPage(region.Page{ID: i})
			regions, err := p.Recognize(gctx, h, data, kind)
			if err != nil {
				return err
			}
			regionsByPage[i] = regions
			logger.Info("Page recognized", "page", i, "file", path, "regions", len(regions))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := p.Wait(ctx); err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	printResults(os.Stdout, images, regionsByPage, delivered)

	stats := p.Stats()
	color.New(color.Faint).Fprintf(os.Stdout,
		"\n%d LLM calls, %d cache hits, %d coalesced, %d retries, %d failed\n",
		stats.Dispatched, stats.CacheHits, stats.Coalesced, stats.Retries, stats.Failed)
	return nil
}

func printResults(w *os.File, images []string, pages [][]region.TextRegion, delivered map[string]regionResult) {
	header := color.New(color.FgCyan, color.Bold)
	source := color.New(color.Faint)
	failure := color.New(color.FgRed)

	for i, regions := range pages {
		header.Fprintf(w, "== Page %d: %s ==\n", i, images[i])
		for _, r := range regions {
			source.Fprintf(w, "[%s] %s\n", r.ID, truncate(r.Text, 120))
			res, ok := delivered[r.ID]
			switch {
			case !ok:
				failure.Fprintln(w, "  (no result)")
			case res.err != nil:
				failure.Fprintf(w, "  error: %v\n", res.err)
			default:
				fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(strings.TrimSpace(res.text), "\n", "\n  "))
			}
		}
		fmt.Fprintln(w)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
