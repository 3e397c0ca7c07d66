package memledger

import (
	"context"

	"xdao.co/audex/ledger"
	"xdao.co/audex/money"
)

// Admin exposes the faucet and block production controls of a Ledger in
// context-taking form, for serving over RPC.
type Admin struct {
	L *Ledger
}

func (a Admin) Fund(ctx context.Context, party ledger.Party, amount money.Amount) (money.Amount, error) {
	if err := ctx.Err(); err != nil {
		return money.Amount{}, err
	}
	return a.L.Fund(party, amount), nil
}

func (a Admin) Mine(ctx context.Context) (ledger.Height, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return a.L.Mine(), nil
}

func (a Admin) Reorg(ctx context.Context, n int, reinclude bool) (ledger.Height, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return a.L.Reorg(n, reinclude), nil
}
