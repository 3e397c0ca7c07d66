package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"xdao.co/audex/exchange"
	"xdao.co/audex/ledger"
	"xdao.co/audex/model"
	"xdao.co/audex/money"
)

var publishCmd = &cli.Command{
	Name:      "publish",
	Usage:     "Store an audio file and list it for sale",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "title", Required: true},
		&cli.StringFlag{Name: "artist", Required: true},
		&cli.StringFlag{Name: "price", Required: true, Usage: "decimal price in whole units"},
		&cli.StringFlag{Name: "media-type", Usage: "MIME type; sniffed from the file when empty"},
		&cli.StringFlag{Name: "key", Usage: "idempotency key; reuse it when retrying the same publish"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected <file>")
		}
		data, err := os.ReadFile(cctx.Args().First())
		if err != nil {
			return err
		}
		return withNode(cctx, func(ctx context.Context, n *node) error {
			id, err := n.svc.Publish(ctx, exchange.PublishInput{
				Title:          cctx.String("title"),
				Artist:         cctx.String("artist"),
				Price:          cctx.String("price"),
				Data:           data,
				MediaType:      cctx.String("media-type"),
				IdempotencyKey: cctx.String("key"),
			})
			if err != nil {
				return err
			}
			l, err := n.cache.Get(ctx, id)
			if err != nil {
				return printJSON(cctx, map[string]string{"listingId": id.String()})
			}
			return printJSON(cctx, n.svc.Listing(l))
		})
	},
}

var purchaseCmd = &cli.Command{
	Name:      "purchase",
	Usage:     "Buy a listing at the offered price",
	ArgsUsage: "<listing-id> <price>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "key", Usage: "idempotency key; a repeated key never buys twice"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return xerrors.New("expected <listing-id> <price>")
		}
		return withNode(cctx, func(ctx context.Context, n *node) error {
			id, price := cctx.Args().Get(0), cctx.Args().Get(1)
			var err error
			var rcpt model.Receipt
			if key := cctx.String("key"); key != "" {
				rcpt, err = n.svc.PurchaseWithKey(ctx, key, id, "", price)
			} else {
				rcpt, err = n.svc.Purchase(ctx, id, "", price)
			}
			if err != nil {
				return err
			}
			return printJSON(cctx, rcpt)
		})
	},
}

var relistCmd = &cli.Command{
	Name:      "relist",
	Usage:     "Change the price or sale status of a listing you own",
	ArgsUsage: "<listing-id> <price>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "withdraw", Usage: "take the listing off sale"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return xerrors.New("expected <listing-id> <price>")
		}
		return withNode(cctx, func(ctx context.Context, n *node) error {
			rcpt, err := n.svc.Relist(ctx, cctx.Args().Get(0), "", cctx.Args().Get(1), !cctx.Bool("withdraw"))
			if err != nil {
				return err
			}
			return printJSON(cctx, rcpt)
		})
	},
}

var balanceCmd = &cli.Command{
	Name:      "balance",
	Usage:     "Show a party's finalized balance",
	ArgsUsage: "[party]",
	Action: func(cctx *cli.Context) error {
		return withNode(cctx, func(ctx context.Context, n *node) error {
			party := n.party
			if cctx.NArg() > 0 {
				party = ledger.Party(cctx.Args().First())
			}
			if party == "" {
				return xerrors.New("no party given and no key selected")
			}
			bal, err := n.gw.Balance(ctx, party)
			if err != nil {
				return err
			}
			return printJSON(cctx, map[string]string{
				"party":   string(party),
				"balance": money.Format(bal, n.cfg.Ledger.Decimals),
			})
		})
	},
}

var recoverCmd = &cli.Command{
	Name:  "recover",
	Usage: "Settle protocol instances left unfinished by an earlier run",
	Action: func(cctx *cli.Context) error {
		n, err := openNode(cctx)
		if err != nil {
			return err
		}
		defer n.Close() //nolint:errcheck
		settled, err := n.engine.Recover(cctx.Context)
		if err != nil {
			return err
		}
		return printJSON(cctx, map[string]int{"settled": settled})
	},
}
