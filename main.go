package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/dsfetch/dsfetch/internal/cache"
	"github.com/dsfetch/dsfetch/internal/checksum"
	"github.com/dsfetch/dsfetch/internal/config"
	"github.com/dsfetch/dsfetch/internal/errdefs"
	"github.com/dsfetch/dsfetch/internal/extract"
	"github.com/dsfetch/dsfetch/internal/fetcher"
	"github.com/dsfetch/dsfetch/internal/logger"
	"github.com/dsfetch/dsfetch/internal/manifest"
	"github.com/dsfetch/dsfetch/internal/progress"
	"github.com/dsfetch/dsfetch/internal/scheduler"
	"github.com/dsfetch/dsfetch/internal/transfer"
	"github.com/dsfetch/dsfetch/pkg/httpx"
)

const (
	exitPartialFailure = 2
)

func main() {
	app := cli.NewApp()
	app.Name = "dsfetch"
	app.Usage = "fetch and cache machine-learning datasets"
	app.Version = "1.0.0"

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:      "fetch",
			Usage:     "ensure every resource of a dataset manifest is cached locally",
			ArgsUsage: "<manifest.yaml>",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "force",
					Usage: "bypass the cache and re-download all resources",
				},
				cli.StringFlag{
					Name:  "cache-dir",
					Usage: "override the cache root directory",
				},
				cli.BoolFlag{
					Name:  "extract",
					Usage: "extract fetched ZIP archives into the dataset directory",
				},
				cli.BoolFlag{
					Name:  "keep-archives",
					Usage: "keep ZIP files after extraction",
				},
				cli.BoolFlag{
					Name:  "quiet",
					Usage: "suppress progress output",
				},
			},
			Action: fetchAction,
		},
		{
			Name:      "evict",
			Usage:     "remove a dataset from the cache",
			ArgsUsage: "<dataset-id>",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "cache-dir",
					Usage: "override the cache root directory",
				},
			},
			Action: evictAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		cli.HandleExitCoder(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, cli.NewExitError(fmt.Sprintf("failed to load configuration: %v", err), 1)
	}

	if dir := c.String("cache-dir"); dir != "" {
		cfg.CacheRoot = dir
	}

	if c.GlobalBool("debug") {
		cfg.Debug = true
	}

	if err := logger.InitLogging(cfg.Debug, cfg.LogPath); err != nil {
		return nil, cli.NewExitError(fmt.Sprintf("failed to initialize logging: %v", err), 1)
	}

	return cfg, nil
}

func fetchAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: dsfetch fetch <manifest.yaml>", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	m, err := manifest.Load(c.Args().First())
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("failed to load manifest: %v", err), 1)
	}

	store, err := cache.Open(cfg.CacheRoot)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("failed to open cache: %v", err), 1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := make(progress.Sink, 1024)

	var reporter *progress.Reporter
	if !c.Bool("quiet") {
		reporter = progress.NewReporter(os.Stderr, 500*time.Millisecond)
		go reporter.Run(events)
	}

	client := httpx.NewClient(httpx.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
	})

	sched := scheduler.New(store, transfer.NewWorker(client, events), events, scheduler.Config{
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		MaxAttempts:      cfg.MaxRetries,
		RetryBaseDelay:   cfg.RetryBaseDelay,
	})

	resolved, fetchErr := fetcher.New(store, sched).EnsureDataset(ctx, m, fetcher.Options{
		Force: c.Bool("force"),
	})

	close(events)

	if reporter != nil {
		reporter.Wait()
	}

	if fetchErr != nil {
		var aggErr *errdefs.FetchError
		if errors.As(fetchErr, &aggErr) {
			return cli.NewExitError(fmt.Sprintf("partial failure: %v", aggErr), exitPartialFailure)
		}

		return cli.NewExitError(fetchErr.Error(), 1)
	}

	if c.Bool("extract") {
		opts := extract.Options{KeepArchives: c.Bool("keep-archives")}

		for resourceID, res := range resolved {
			if !extract.IsZip(res.Path) {
				continue
			}

			destDir := filepath.Dir(res.Path)
			if err := extract.Zip(res.Path, destDir, opts); err != nil {
				return cli.NewExitError(fmt.Sprintf("failed to extract %s: %v", resourceID, err), 1)
			}
		}
	}

	ids := make([]string, 0, len(resolved))
	for id := range resolved {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		res := resolved[id]

		note := ""
		if res.Mode == checksum.ModeSizeOnly {
			note = " (size-only verification)"
		}

		fmt.Printf("%s\t%s%s\n", id, res.Path, note)
	}

	return nil
}

func evictAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: dsfetch evict <dataset-id>", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := cache.Open(cfg.CacheRoot)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("failed to open cache: %v", err), 1)
	}
	defer store.Close()

	if err := store.EvictDataset(c.Args().First()); err != nil {
		return cli.NewExitError(fmt.Sprintf("failed to evict dataset: %v", err), 1)
	}

	return nil
}
