package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"xdao.co/audex/catalog"
	"xdao.co/audex/config"
	"xdao.co/audex/content"
	"xdao.co/audex/engine"
	"xdao.co/audex/exchange"
	"xdao.co/audex/journal"
	"xdao.co/audex/ledger"
	"xdao.co/audex/ledger/rpc"
	"xdao.co/audex/model"
	"xdao.co/audex/signer"
	"xdao.co/audex/storage"
	"xdao.co/audex/storage/casregistry"

	_ "xdao.co/audex/storage/grpccas"
	_ "xdao.co/audex/storage/ipfs"
	_ "xdao.co/audex/storage/localfs"
	_ "xdao.co/audex/storage/memory"
)

var log = logging.Logger("audex")

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		printError(app.ErrWriter, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "audex",
		Usage: "Publish and trade audio listings",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				EnvVars: []string{"AUDEX_CONFIG"},
				Value:   "~/.audex/config.toml",
			},
			&cli.StringFlag{
				Name:    "api",
				EnvVars: []string{"AUDEX_LEDGER_API"},
				Usage:   "ledger endpoint, overrides Ledger.Endpoint",
			},
			&cli.StringFlag{
				Name:  "as",
				Usage: "key reference ([scheme:]name[/role]) to act as, overrides Wallet.Default",
			},
		},
		Commands: []*cli.Command{
			publishCmd,
			purchaseCmd,
			relistCmd,
			balanceCmd,
			recoverCmd,
			catalogCmd,
			contentCmd,
			keysCmd,
		},
		ErrWriter: os.Stderr,
	}
}

// printError writes err as a JSON coded error.
func printError(w io.Writer, err error) {
	b, merr := json.Marshal(model.MapErr(err))
	if merr != nil {
		_, _ = fmt.Fprintln(w, err)
		return
	}
	_, _ = fmt.Fprintln(w, string(b))
}

func printJSON(cctx *cli.Context, v any) error {
	enc := json.NewEncoder(cctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.FromFile(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Logging.Apply(); err != nil {
		return nil, err
	}
	if api := cctx.String("api"); api != "" {
		cfg.Ledger.Endpoint = api
	}
	return cfg, nil
}

// node is everything a command needs, opened from config.
type node struct {
	cfg    *config.Config
	store  storage.CAS
	gw     *ledger.Gateway
	cache  *catalog.Cache
	engine *engine.Engine
	svc    *exchange.Service
	party  ledger.Party

	closers []func() error
}

func (n *node) Close() error {
	var first error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	n.closers = nil
	return first
}

func openNode(cctx *cli.Context) (_ *node, err error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	n := &node{cfg: cfg}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	store, closeStore, err := cfg.Content.Store.Open(casregistry.UsageClient, "")
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		n.closers = append(n.closers, closeStore)
	}
	n.store = store
	maxSize, err := cfg.MaxContentSize()
	if err != nil {
		return nil, err
	}
	media, err := cfg.MediaClasses()
	if err != nil {
		return nil, err
	}
	resolver := content.NewResolver(store, maxSize, media)
	resolver.Timeout = time.Duration(cfg.Content.StoreTimeout)

	kr := signer.NewKeyring()
	ref := cctx.String("as")
	if ref == "" {
		ref = cfg.Wallet.Default
	}
	if ref != "" {
		ks, err := signer.OpenKeyStore(cfg.Wallet.KeyStore)
		if err != nil {
			return nil, err
		}
		k, err := ks.LoadRef(ref)
		if err != nil {
			return nil, xerrors.Errorf("load key %q: %w", ref, err)
		}
		kr.Add(k)
		n.party = k.Party()
	}

	client, closer, err := rpc.NewClient(cctx.Context, cfg.Ledger.Endpoint, nil)
	if err != nil {
		return nil, xerrors.Errorf("connecting to ledger at %s: %w", cfg.Ledger.Endpoint, err)
	}
	n.closers = append(n.closers, func() error { closer(); return nil })
	n.gw = ledger.NewGateway(client, kr, ledger.Config{
		Depth:                  cfg.Ledger.ConfirmationDepth,
		ConfirmationTimeout:    time.Duration(cfg.Ledger.ConfirmationTimeout),
		PollInterval:           time.Duration(cfg.Ledger.PollInterval),
		ResubscribeMaxInterval: time.Duration(cfg.Ledger.ResubscribeMaxInterval),
	})
	n.cache = catalog.New(n.gw, catalog.Config{
		StalenessHorizon:   cfg.Catalog.StalenessHorizon,
		RebuildConcurrency: cfg.Catalog.RebuildConcurrency,
		ReadTimeout:        time.Duration(cfg.Catalog.ReadTimeout),
	})

	var j *journal.Journal
	if cfg.Engine.JournalPath != "" {
		j, err = journal.Open(cfg.Engine.JournalPath)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, j.Close)
	}
	n.engine, err = engine.New(engine.Config{
		MaxAttempts:          cfg.Engine.MaxAttempts,
		ProtocolTimeout:      time.Duration(cfg.Engine.ProtocolTimeout),
		RetryInitialInterval: time.Duration(cfg.Engine.RetryInitialInterval),
		RetryMaxInterval:     time.Duration(cfg.Engine.RetryMaxInterval),
		MemoSize:             cfg.Engine.MemoSize,
	}, resolver, n.gw, n.cache, j)
	if err != nil {
		return nil, err
	}
	n.svc = exchange.New(n.engine, n.cache, exchange.Config{
		Decimals:     cfg.Ledger.Decimals,
		DefaultParty: n.party,
	})
	return n, nil
}

// sync settles unfinished protocol instances and, when follow is set, keeps
// the catalog current from the feed until ctx is done.
func (n *node) sync(ctx context.Context, follow bool) error {
	if settled, err := n.engine.Recover(ctx); err != nil {
		return err
	} else if settled > 0 {
		log.Infow("settled unfinished instances", "count", settled)
	}
	if !follow {
		return nil
	}
	from, err := n.gw.Finalized(ctx)
	if err != nil {
		return err
	}
	go func() {
		if err := n.cache.Follow(ctx, n.gw, from+1); err != nil && ctx.Err() == nil {
			log.Warnw("catalog feed stopped", "error", err)
		}
	}()
	return nil
}

// withNode opens a node for the duration of fn. The catalog follows the
// feed in the background when Catalog.Follow is set.
func withNode(cctx *cli.Context, fn func(ctx context.Context, n *node) error) error {
	return runNode(cctx, true, fn)
}

// runNode is withNode with the background feed under the caller's control,
// for commands that consume the feed themselves.
func runNode(cctx *cli.Context, follow bool, fn func(ctx context.Context, n *node) error) error {
	n, err := openNode(cctx)
	if err != nil {
		return err
	}
	defer n.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()
	if err := n.sync(ctx, follow && n.cfg.Catalog.Follow); err != nil {
		return err
	}
	return fn(ctx, n)
}
