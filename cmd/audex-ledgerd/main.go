package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"xdao.co/audex/ledger"
	"xdao.co/audex/ledger/memledger"
	"xdao.co/audex/ledger/rpc"
	"xdao.co/audex/metrics"
	"xdao.co/audex/money"
	"xdao.co/audex/signer"
)

var log = logging.Logger("ledgerd")

const rpcPath = "/rpc/v0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "audex-ledgerd",
		Usage: "Simulated ledger for audex development and testing",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api",
				EnvVars: []string{"AUDEX_LEDGER_API"},
				Value:   "ws://127.0.0.1:3470" + rpcPath,
				Usage:   "ledger endpoint used by client subcommands",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			fundCmd,
			mineCmd,
			reorgCmd,
		},
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Serve the ledger over JSON-RPC",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Value: "127.0.0.1:3470",
		},
		&cli.DurationFlag{
			Name:  "block-time",
			Value: 2 * time.Second,
			Usage: "mine a block this often; 0 mines only on request",
		},
		&cli.BoolFlag{
			Name:  "no-admin",
			Usage: "do not expose the Admin namespace",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		ml := memledger.New()
		var admin rpc.Admin
		if !cctx.Bool("no-admin") {
			admin = memledger.Admin{L: ml}
		}

		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(rpcPath, rpc.NewHandler(ml, admin))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		lis, err := net.Listen("tcp", cctx.String("listen"))
		if err != nil {
			return xerrors.Errorf("listen: %w", err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Infow("serving ledger", "addr", "ws://"+lis.Addr().String()+rpcPath)
			if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		if bt := cctx.Duration("block-time"); bt > 0 {
			g.Go(func() error {
				ml.AutoMine(ctx, bt)
				return nil
			})
		}
		g.Go(func() error {
			<-ctx.Done()
			log.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		return g.Wait()
	},
}

func adminClient(cctx *cli.Context) (rpc.Admin, func(), error) {
	a, closer, err := rpc.NewAdminClient(cctx.Context, cctx.String("api"), nil)
	if err != nil {
		return nil, nil, xerrors.Errorf("connecting to %s: %w", cctx.String("api"), err)
	}
	return a, closer, nil
}

var fundCmd = &cli.Command{
	Name:      "fund",
	Usage:     "Credit a party",
	ArgsUsage: "<party> <amount>",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "decimals",
			Value: money.DefaultDecimals,
			Usage: "fraction digits of one whole unit",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return xerrors.New("expected <party> <amount>")
		}
		party := ledger.Party(cctx.Args().Get(0))
		if _, _, err := signer.ParseParty(party); err != nil {
			return err
		}
		amt, err := money.Parse(cctx.Args().Get(1), int32(cctx.Int("decimals")))
		if err != nil {
			return err
		}
		a, closer, err := adminClient(cctx)
		if err != nil {
			return err
		}
		defer closer()
		bal, err := a.Fund(cctx.Context, party, amt)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cctx.App.Writer, "%s balance: %s\n", party, money.Format(bal, int32(cctx.Int("decimals"))))
		return nil
	},
}

var mineCmd = &cli.Command{
	Name:  "mine",
	Usage: "Mine one block now",
	Action: func(cctx *cli.Context) error {
		a, closer, err := adminClient(cctx)
		if err != nil {
			return err
		}
		defer closer()
		h, err := a.Mine(cctx.Context)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cctx.App.Writer, "mined block %d\n", h)
		return nil
	},
}

var reorgCmd = &cli.Command{
	Name:      "reorg",
	Usage:     "Drop the most recent blocks",
	ArgsUsage: "<blocks>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "reinclude",
			Usage: "put dropped transitions back into the mempool",
		},
	},
	Action: func(cctx *cli.Context) error {
		n := 1
		if cctx.NArg() > 0 {
			if _, err := fmt.Sscan(cctx.Args().First(), &n); err != nil || n < 1 {
				return xerrors.Errorf("invalid block count %q", cctx.Args().First())
			}
		}
		a, closer, err := adminClient(cctx)
		if err != nil {
			return err
		}
		defer closer()
		h, err := a.Reorg(cctx.Context, n, cctx.Bool("reinclude"))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cctx.App.Writer, "head is now %d\n", h)
		return nil
	},
}
