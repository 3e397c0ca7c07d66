package rpc

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xdao.co/audex/ledger"
	"xdao.co/audex/ledger/ledgertest"
	"xdao.co/audex/ledger/memledger"
	"xdao.co/audex/money"
	"xdao.co/audex/signer"
)

func TestLedgerOverRPC(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ml := memledger.New()
	srv := httptest.NewServer(NewHandler(ml, memledger.Admin{L: ml}))
	defer srv.Close()
	addr := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, closer, err := NewClient(ctx, addr, nil)
	require.NoError(t, err)
	defer closer()
	admin, adminCloser, err := NewAdminClient(ctx, addr, nil)
	require.NoError(t, err)
	defer adminCloser()

	seller := ledgertest.Key(t, 1)
	buyer := ledgertest.Key(t, 2)
	bal, err := admin.Fund(ctx, buyer.Party(), money.NewAmount(500))
	require.NoError(t, err)
	require.Equal(t, "500", bal.String())

	gw := ledger.NewGateway(client, signer.NewKeyring(seller, buyer), ledger.Config{
		Depth:        2,
		PollInterval: 5 * time.Millisecond,
	})

	events, err := gw.Subscribe(ctx, 0)
	require.NoError(t, err)

	p, err := gw.Submit(ctx, ledger.TransitionRequest{
		Kind:           ledger.CreateListing,
		Sender:         seller.Party(),
		IdempotencyKey: "rpc-1",
		Title:          "Over the wire",
		Artist:         "Transport",
		Content:        ledgertest.Song(t, "wire"),
		Price:          money.NewAmount(120),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := admin.Mine(ctx)
		require.NoError(t, err)
	}

	c, err := gw.AwaitConfirmation(ctx, p, 0)
	require.NoError(t, err)
	require.Equal(t, ledger.ListingID(1), c.ListingID)
	require.EqualValues(t, 2, c.Confirmations)

	l, at, err := gw.ReadState(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, ledger.Height(1), at)
	require.Equal(t, "Over the wire", l.Title)
	require.Equal(t, seller.Party(), l.Owner)

	st, err := gw.LookupKey(ctx, seller.Party(), "rpc-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, p.Handle, st.Handle)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != ledger.EventApplied {
				continue
			}
			require.Equal(t, p.Handle, ev.Handle)
			require.NotNil(t, ev.Listing)
			require.Equal(t, ledger.ListingID(1), ev.ListingID)
			return
		case <-deadline:
			t.Fatal("no applied event over rpc")
		}
	}
}
