package exchange_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xdao.co/audex/catalog"
	"xdao.co/audex/content"
	"xdao.co/audex/engine"
	"xdao.co/audex/exchange"
	"xdao.co/audex/fault"
	"xdao.co/audex/ledger"
	"xdao.co/audex/ledger/ledgertest"
	"xdao.co/audex/ledger/memledger"
	"xdao.co/audex/model"
	"xdao.co/audex/money"
	"xdao.co/audex/signer"
	"xdao.co/audex/storage/memory"
)

type fixture struct {
	svc    *exchange.Service
	seller ledger.Party
	buyer  ledger.Party
}

func setup(t *testing.T) *fixture {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ml := memledger.New()
	seller := ledgertest.Key(t, 1)
	buyer := ledgertest.Key(t, 2)
	funds, err := money.Parse("1", money.DefaultDecimals)
	require.NoError(t, err)
	ml.Fund(buyer.Party(), funds)
	go ml.AutoMine(ctx, 2*time.Millisecond)

	gw := ledger.NewGateway(ml, signer.NewKeyring(seller, buyer), ledger.Config{
		Depth:               1,
		PollInterval:        time.Millisecond,
		ConfirmationTimeout: 5 * time.Second,
	})
	cache := catalog.New(gw, catalog.Config{})
	eng, err := engine.New(engine.Config{
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}, content.NewResolver(memory.New(), 15<<20, nil), gw, cache, nil)
	require.NoError(t, err)

	return &fixture{
		svc:    exchange.New(eng, cache, exchange.Config{Decimals: money.DefaultDecimals, DefaultParty: seller.Party()}),
		seller: seller.Party(),
		buyer:  buyer.Party(),
	}
}

func blob() []byte { return bytes.Repeat([]byte{0x5A}, 2048) }

func TestPublishListPurchase(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.svc.Publish(ctx, exchange.PublishInput{
		Title:     "Track1",
		Artist:    "Artist1",
		Price:     "0.50",
		Data:      blob(),
		MediaType: "audio/mpeg",
	})
	require.NoError(t, err)
	require.Equal(t, ledger.ListingID(1), id)

	ls, err := f.svc.ListCatalog(ctx, model.Filter{})
	require.NoError(t, err)
	require.Len(t, ls, 1)
	require.Equal(t, "Track1", ls[0].Title)
	require.Equal(t, "0.50", ls[0].Price)
	require.True(t, ls[0].ForSale)
	require.Equal(t, string(f.seller), ls[0].Owner)

	_, err = f.svc.Purchase(ctx, id.String(), f.buyer, "0.40")
	require.True(t, fault.IsKind(err, fault.KindPrecondition))
	require.Equal(t, fault.StalePrice, fault.ReasonOf(err))

	r, err := f.svc.Purchase(ctx, id.String(), f.buyer, "0.5")
	require.NoError(t, err)
	require.Equal(t, "Confirmed", r.State)
	require.Equal(t, "1", r.ListingID)
	require.NotEmpty(t, r.Handle)

	ls, err = f.svc.ListCatalog(ctx, model.Filter{})
	require.NoError(t, err)
	require.Equal(t, string(f.buyer), ls[0].Owner)
	require.False(t, ls[0].ForSale)

	forSale, err := f.svc.ListCatalog(ctx, model.Filter{ForSaleOnly: true})
	require.NoError(t, err)
	require.Empty(t, forSale)
}

func TestPurchaseWithKeyIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id, err := f.svc.Publish(ctx, exchange.PublishInput{Title: "T", Artist: "A", Price: "0.25", Data: blob(), MediaType: "audio/ogg"})
	require.NoError(t, err)

	first, err := f.svc.PurchaseWithKey(ctx, "k1", id.String(), f.buyer, "0.25")
	require.NoError(t, err)
	again, err := f.svc.PurchaseWithKey(ctx, "k1", id.String(), f.buyer, "0.25")
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.Handle, again.Handle)
}

func TestBoundaryValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, price := range []string{"", "abc", "-1", "0.0000000000000000001"} {
		_, err := f.svc.Publish(ctx, exchange.PublishInput{Title: "T", Artist: "A", Price: price, Data: blob(), MediaType: "audio/mpeg"})
		require.True(t, fault.IsKind(err, fault.KindValidation), "price %q", price)
	}

	_, err := f.svc.Purchase(ctx, "zero", f.buyer, "0.50")
	require.Equal(t, fault.InvalidMetadata, fault.ReasonOf(err))

	_, err = f.svc.ListCatalog(ctx, model.Filter{Media: "hologram"})
	require.Equal(t, fault.InvalidMetadata, fault.ReasonOf(err))

	noDefault := exchange.New(nil, nil, exchange.Config{Decimals: 2})
	_, err = noDefault.Publish(ctx, exchange.PublishInput{Title: "T", Artist: "A", Price: "1", Data: blob()})
	require.Equal(t, fault.InvalidMetadata, fault.ReasonOf(err))
}

func TestRelistAndFilter(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id, err := f.svc.Publish(ctx, exchange.PublishInput{Title: "T", Artist: "Artist1", Price: "2", Data: blob(), MediaType: "audio/mpeg"})
	require.NoError(t, err)

	cheap, err := f.svc.ListCatalog(ctx, model.Filter{MaxPrice: "1.00"})
	require.NoError(t, err)
	require.Empty(t, cheap)

	r, err := f.svc.Relist(ctx, id.String(), "", "0.75", true)
	require.NoError(t, err)
	require.Equal(t, "Confirmed", r.State)

	cheap, err = f.svc.ListCatalog(ctx, model.Filter{MaxPrice: "1.00", Artist: "artist1", Media: "audio"})
	require.NoError(t, err)
	require.Len(t, cheap, 1)
	require.Equal(t, "0.75", cheap[0].Price)
}
