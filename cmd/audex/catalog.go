package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"xdao.co/audex/catalog"
	"xdao.co/audex/ledger"
	"xdao.co/audex/model"
	"xdao.co/audex/storage/bundle"
	"xdao.co/audex/storage/casregistry"
)

var catalogCmd = &cli.Command{
	Name:  "catalog",
	Usage: "Browse and archive the listing catalog",
	Subcommands: []*cli.Command{
		catalogListCmd,
		catalogExportCmd,
		catalogImportCmd,
		catalogWatchCmd,
	},
}

var catalogListCmd = &cli.Command{
	Name:  "list",
	Usage: "List catalog entries in ascending id order",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "owner"},
		&cli.StringFlag{Name: "artist", Usage: "case-insensitive artist match"},
		&cli.StringFlag{Name: "media", Usage: "media class, e.g. audio"},
		&cli.StringFlag{Name: "max-price"},
		&cli.BoolFlag{Name: "for-sale", Usage: "only listings currently for sale"},
	},
	Action: func(cctx *cli.Context) error {
		return withNode(cctx, func(ctx context.Context, n *node) error {
			if err := n.cache.Rebuild(ctx); err != nil {
				return err
			}
			ls, err := n.svc.ListCatalog(ctx, model.Filter{
				Owner:       cctx.String("owner"),
				Artist:      cctx.String("artist"),
				Media:       cctx.String("media"),
				MaxPrice:    cctx.String("max-price"),
				ForSaleOnly: cctx.Bool("for-sale"),
			})
			if err != nil {
				return err
			}
			return printJSON(cctx, ls)
		})
	},
}

var catalogExportCmd = &cli.Command{
	Name:      "export",
	Usage:     "Write the content of every listing to a TAR bundle",
	ArgsUsage: "[out.tar]",
	Action: func(cctx *cli.Context) error {
		return withNode(cctx, func(ctx context.Context, n *node) error {
			if err := n.cache.Rebuild(ctx); err != nil {
				return err
			}
			ls, err := n.cache.List(ctx, catalog.Filter{})
			if err != nil {
				return err
			}
			items := make([]bundle.Item, 0, len(ls))
			for _, l := range ls {
				items = append(items, bundle.Item{Label: "listing/" + l.ID.String(), Digest: l.Content.Digest})
			}

			var w io.Writer = cctx.App.Writer
			if cctx.NArg() > 0 {
				f, err := os.Create(cctx.Args().First())
				if err != nil {
					return err
				}
				defer f.Close() //nolint:errcheck
				w = f
			}
			if err := bundle.Export(ctx, w, n.store, items, bundle.ExportOptions{IncludeIndex: true}); err != nil {
				return xerrors.Errorf("export bundle: %w", err)
			}
			log.Infow("exported catalog content", "listings", len(items))
			return nil
		})
	},
}

var catalogImportCmd = &cli.Command{
	Name:      "import",
	Usage:     "Load the content blocks of a TAR bundle into the configured store",
	ArgsUsage: "<bundle.tar>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected <bundle.tar>")
		}
		f, err := os.Open(cctx.Args().First())
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck

		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		store, closeStore, err := cfg.Content.Store.Open(casregistry.UsageClient, "")
		if err != nil {
			return err
		}
		if closeStore != nil {
			defer closeStore() //nolint:errcheck
		}
		labels, err := bundle.Import(cctx.Context, f, store, bundle.ImportOptions{})
		if err != nil {
			return xerrors.Errorf("import bundle: %w", err)
		}
		out := make(map[string]string, len(labels))
		for label, c := range labels {
			out[label] = c.String()
		}
		return printJSON(cctx, out)
	},
}

var catalogWatchCmd = &cli.Command{
	Name:  "watch",
	Usage: "Follow the confirmed feed and print each listing as it changes",
	Action: func(cctx *cli.Context) error {
		// watch is the only consumer of the feed for this node.
		return runNode(cctx, false, func(ctx context.Context, n *node) error {
			if err := n.cache.Rebuild(ctx); err != nil {
				return err
			}
			events, err := n.gw.Subscribe(ctx, n.cache.Head()+1)
			if err != nil {
				return err
			}

			// Settle journal records left pending for as long as the feed runs.
			rctx, stop := context.WithCancel(ctx)
			var g errgroup.Group
			g.Go(func() error {
				interval := time.Duration(n.cfg.Engine.RecoverInterval)
				if interval <= 0 {
					return nil
				}
				if err := n.engine.Run(rctx, interval); rctx.Err() == nil {
					return err
				}
				return nil
			})
			g.Go(func() error {
				defer stop()
				return watchFeed(cctx, n, events)
			})
			return g.Wait()
		})
	},
}

// watchFeed applies events to the cache and prints every listing they carry
// until the feed closes.
func watchFeed(cctx *cli.Context, n *node, events <-chan ledger.TransitionEvent) error {
	for ev := range events {
		if err := n.cache.ApplyEvent(ev); err != nil {
			log.Errorw("applying feed event", "id", ev.ListingID, "height", ev.Height, "error", err)
			continue
		}
		if ev.Listing != nil {
			if err := printJSON(cctx, n.svc.Listing(*ev.Listing)); err != nil {
				return err
			}
		}
	}
	return nil
}
