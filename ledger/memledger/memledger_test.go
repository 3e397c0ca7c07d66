package memledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xdao.co/audex/ledger"
	"xdao.co/audex/ledger/ledgertest"
	"xdao.co/audex/money"
	"xdao.co/audex/signer"
)

type fixture struct {
	t      *testing.T
	ml     *Ledger
	kr     *signer.Keyring
	seller ledger.Party
	buyer  ledger.Party
}

func newFixture(t *testing.T) *fixture {
	seller := ledgertest.Key(t, 1)
	buyer := ledgertest.Key(t, 2)
	return &fixture{
		t:      t,
		ml:     New(),
		kr:     signer.NewKeyring(seller, buyer),
		seller: seller.Party(),
		buyer:  buyer.Party(),
	}
}

func (f *fixture) submit(req ledger.TransitionRequest) ledger.TxHandle {
	f.t.Helper()
	sr, err := f.kr.Authorize(context.Background(), req)
	require.NoError(f.t, err)
	h, err := f.ml.Execute(context.Background(), sr)
	require.NoError(f.t, err)
	return h
}

func (f *fixture) create(key string, price uint64) ledger.TxHandle {
	return f.submit(ledger.TransitionRequest{
		Kind:           ledger.CreateListing,
		Sender:         f.seller,
		IdempotencyKey: key,
		Title:          "Song",
		Artist:         "Artist",
		Content:        ledgertest.Song(f.t, key),
		Price:          money.NewAmount(price),
	})
}

func (f *fixture) purchase(key string, id ledger.ListingID, price uint64) ledger.TxHandle {
	return f.submit(ledger.TransitionRequest{
		Kind:           ledger.Purchase,
		Sender:         f.buyer,
		IdempotencyKey: key,
		ListingID:      id,
		Price:          money.NewAmount(price),
		Value:          money.NewAmount(price),
	})
}

func (f *fixture) receipt(h ledger.TxHandle) *ledger.Receipt {
	f.t.Helper()
	raw, err := f.ml.GetReceipt(context.Background(), h)
	require.NoError(f.t, err)
	r, err := ledger.DecodeReceipt(raw)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) listing(id ledger.ListingID, at ledger.Height) *ledger.Listing {
	f.t.Helper()
	raw, err := f.ml.GetListing(context.Background(), id, at)
	require.NoError(f.t, err)
	l, err := ledger.DecodeListing(raw)
	require.NoError(f.t, err)
	return l
}

func TestCreateListing(t *testing.T) {
	f := newFixture(t)
	h := f.create("a", 50)

	require.Nil(t, f.receipt(h), "pending transitions have no receipt")
	height := f.ml.Mine()
	require.Equal(t, ledger.Height(1), height)

	r := f.receipt(h)
	require.NotNil(t, r)
	require.False(t, r.Reverted)
	require.Equal(t, ledger.ListingID(1), r.ListingID)
	require.Equal(t, ledger.Height(1), r.Height)

	l := f.listing(1, 1)
	require.NotNil(t, l)
	require.Equal(t, f.seller, l.Owner)
	require.True(t, l.ForSale)
	require.Equal(t, "50", l.Price.String())
	require.Nil(t, f.listing(1, 0), "listing must not exist before its block")

	id, err := f.ml.MaxListingID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, ledger.ListingID(1), id)
	id, err = f.ml.MaxListingID(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, ledger.ListingID(0), id)
}

func TestDuplicateKeyCollapses(t *testing.T) {
	f := newFixture(t)
	h1 := f.create("k", 50)
	h2 := f.create("k", 50)
	require.Equal(t, h1, h2)
	require.Equal(t, 1, f.ml.Pending())

	f.ml.Mine()
	h3 := f.create("k", 50)
	require.Equal(t, h1, h3, "included transitions still own their key")
	require.Equal(t, 0, f.ml.Pending())

	raw, err := f.ml.LookupKey(context.Background(), f.seller, "k")
	require.NoError(t, err)
	var kp ledger.KeyPayload
	require.NoError(t, json.Unmarshal(raw, &kp))
	require.Equal(t, h1, kp.Handle)
	require.NotNil(t, kp.Receipt)
}

func TestPurchase(t *testing.T) {
	f := newFixture(t)
	f.ml.Fund(f.buyer, money.NewAmount(100))
	f.create("a", 50)
	f.ml.Mine()

	h := f.purchase("p", 1, 50)
	height := f.ml.Mine()
	r := f.receipt(h)
	require.NotNil(t, r)
	require.False(t, r.Reverted, r.Reason)

	l := f.listing(1, height)
	require.Equal(t, f.buyer, l.Owner)
	require.False(t, l.ForSale)

	for party, want := range map[ledger.Party]string{f.buyer: "50", f.seller: "50"} {
		raw, err := f.ml.BalanceOf(context.Background(), party, height)
		require.NoError(t, err)
		var bp ledger.BalancePayload
		require.NoError(t, json.Unmarshal(raw, &bp))
		require.Equal(t, want, bp.Balance.String())
	}
}

func TestRevertReasons(t *testing.T) {
	f := newFixture(t)
	f.ml.Fund(f.buyer, money.NewAmount(10))
	f.create("a", 50)
	f.ml.Mine()

	cases := []struct {
		name   string
		submit func() ledger.TxHandle
		reason string
	}{
		{"missing listing", func() ledger.TxHandle { return f.purchase("p1", 9, 50) }, ledger.RevertNotFound},
		{"stale price", func() ledger.TxHandle { return f.purchase("p2", 1, 40) }, ledger.RevertPriceMismatch},
		{"poor buyer", func() ledger.TxHandle { return f.purchase("p3", 1, 50) }, ledger.RevertInsufficientBalance},
		{"self purchase", func() ledger.TxHandle {
			return f.submit(ledger.TransitionRequest{
				Kind: ledger.Purchase, Sender: f.seller, IdempotencyKey: "p4", ListingID: 1,
				Price: money.NewAmount(50), Value: money.NewAmount(50),
			})
		}, ledger.RevertSelfPurchase},
		{"relist by stranger", func() ledger.TxHandle {
			return f.submit(ledger.TransitionRequest{
				Kind: ledger.SetForSale, Sender: f.buyer, IdempotencyKey: "r1", ListingID: 1,
				Price: money.NewAmount(70), ForSale: true,
			})
		}, ledger.RevertNotOwner},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := tc.submit()
			f.ml.Mine()
			r := f.receipt(h)
			require.NotNil(t, r)
			require.True(t, r.Reverted)
			require.Equal(t, tc.reason, r.Reason)
		})
	}
}

func TestBadSignatureReverts(t *testing.T) {
	f := newFixture(t)
	sr, err := f.kr.Authorize(context.Background(), ledger.TransitionRequest{
		Kind: ledger.CreateListing, Sender: f.seller, IdempotencyKey: "x",
		Title: "t", Artist: "a", Content: ledgertest.Song(t, "x"), Price: money.NewAmount(5),
	})
	require.NoError(t, err)
	sr.Request.Price = money.NewAmount(1)

	h, err := f.ml.Execute(context.Background(), sr)
	require.NoError(t, err)
	f.ml.Mine()
	r := f.receipt(h)
	require.True(t, r.Reverted)
	require.Equal(t, ledger.RevertBadSignature, r.Reason)
}

func TestReorgReincludes(t *testing.T) {
	f := newFixture(t)
	h := f.create("a", 50)
	f.ml.Mine()
	require.NotNil(t, f.receipt(h))

	head := f.ml.Reorg(1, true)
	require.Equal(t, ledger.Height(0), head)
	require.Nil(t, f.receipt(h))
	require.Nil(t, f.listing(1, 5))
	require.Equal(t, 1, f.ml.Pending())

	f.ml.Mine()
	r := f.receipt(h)
	require.NotNil(t, r)
	require.Equal(t, ledger.ListingID(2), r.ListingID, "listing ids are never reused")
}

func TestReorgDropFreesKey(t *testing.T) {
	f := newFixture(t)
	f.create("a", 50)
	f.ml.Mine()
	f.ml.Reorg(1, false)

	raw, err := f.ml.LookupKey(context.Background(), f.seller, "a")
	require.NoError(t, err)
	require.JSONEq(t, "null", string(raw))
	require.Equal(t, 0, f.ml.Pending())
}

func TestUnavailable(t *testing.T) {
	f := newFixture(t)
	f.ml.SetUnavailable(true)
	_, err := f.ml.CurrentHeight(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	f.ml.SetUnavailable(false)
	_, err = f.ml.CurrentHeight(context.Background())
	require.NoError(t, err)
}

func next(t *testing.T, ch <-chan json.RawMessage) *ledger.EventPayload {
	t.Helper()
	select {
	case raw, ok := <-ch:
		require.True(t, ok, "channel closed")
		ev, err := ledger.DecodeEvent(raw)
		require.NoError(t, err)
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestEventsSince(t *testing.T) {
	f := newFixture(t)
	f.create("a", 50)
	f.ml.Mine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.ml.EventsSince(ctx, 0)
	require.NoError(t, err)

	ev := next(t, ch)
	require.Equal(t, ledger.RawApply, ev.Type)
	require.Equal(t, ledger.CreateListing, ev.Kind)
	require.NotNil(t, ev.Listing)
	require.Equal(t, ledger.ListingID(1), ev.Listing.ID)
	ev = next(t, ch)
	require.Equal(t, ledger.RawHead, ev.Type)
	require.Equal(t, ledger.Height(1), ev.Height)

	f.ml.Mine()
	ev = next(t, ch)
	require.Equal(t, ledger.RawHead, ev.Type)
	require.Equal(t, ledger.Height(2), ev.Height)

	f.ml.Reorg(1, true)
	ev = next(t, ch)
	require.Equal(t, ledger.RawRevert, ev.Type)
	require.Equal(t, ledger.Height(2), ev.Height)
	ev = next(t, ch)
	require.Equal(t, ledger.RawHead, ev.Type)
	require.Equal(t, ledger.Height(1), ev.Height)

	f.ml.DropSubscribers()
	_, ok := <-ch
	require.False(t, ok)
}
