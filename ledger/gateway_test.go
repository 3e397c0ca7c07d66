package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xdao.co/audex/fault"
	"xdao.co/audex/ledger"
	"xdao.co/audex/ledger/ledgertest"
	"xdao.co/audex/ledger/memledger"
	"xdao.co/audex/money"
	"xdao.co/audex/signer"
)

type harness struct {
	t      *testing.T
	ml     *memledger.Ledger
	gw     *ledger.Gateway
	seller ledger.Party
	buyer  ledger.Party
}

func newHarness(t *testing.T, l ledger.Ledger, ml *memledger.Ledger, cfg ledger.Config) *harness {
	seller := ledgertest.Key(t, 1)
	buyer := ledgertest.Key(t, 2)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if l == nil {
		l = ml
	}
	return &harness{
		t:      t,
		ml:     ml,
		gw:     ledger.NewGateway(l, signer.NewKeyring(seller, buyer), cfg),
		seller: seller.Party(),
		buyer:  buyer.Party(),
	}
}

func (h *harness) create(key string) ledger.Pending {
	h.t.Helper()
	p, err := h.gw.Submit(context.Background(), ledger.TransitionRequest{
		Kind:           ledger.CreateListing,
		Sender:         h.seller,
		IdempotencyKey: key,
		Title:          "Title " + key,
		Artist:         "Artist",
		Content:        ledgertest.Song(h.t, key),
		Price:          money.NewAmount(30),
	})
	require.NoError(h.t, err)
	return p
}

func (h *harness) mine(n int) {
	for i := 0; i < n; i++ {
		h.ml.Mine()
	}
}

func TestConfirmations(t *testing.T) {
	require.EqualValues(t, 0, ledger.Confirmations(4, 5))
	require.EqualValues(t, 1, ledger.Confirmations(5, 5))
	require.EqualValues(t, 3, ledger.Confirmations(7, 5))

	require.Equal(t, ledger.Height(0), ledger.FinalizedAt(1, 3))
	require.Equal(t, ledger.Height(0), ledger.FinalizedAt(2, 3))
	require.Equal(t, ledger.Height(3), ledger.FinalizedAt(5, 3))
	require.Equal(t, ledger.Height(5), ledger.FinalizedAt(5, 1))
}

func TestAwaitConfirmation(t *testing.T) {
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{Depth: 3})
	p := h.create("a")
	h.mine(3)

	c, err := h.gw.AwaitConfirmation(context.Background(), p, 0)
	require.NoError(t, err)
	require.Equal(t, ledger.Height(1), c.Height)
	require.EqualValues(t, 3, c.Confirmations)
	require.Equal(t, ledger.ListingID(1), c.ListingID)
}

func TestAwaitConfirmationWaitsForDepth(t *testing.T) {
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{Depth: 3})
	p := h.create("a")

	done := make(chan error, 1)
	go func() {
		_, err := h.gw.AwaitConfirmation(context.Background(), p, 0)
		done <- err
	}()

	h.mine(2)
	select {
	case err := <-done:
		t.Fatalf("returned before depth: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	h.mine(1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("not confirmed at depth")
	}
}

func TestAwaitConfirmationReverted(t *testing.T) {
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{Depth: 2})
	p, err := h.gw.Submit(context.Background(), ledger.TransitionRequest{
		Kind:           ledger.Purchase,
		Sender:         h.buyer,
		IdempotencyKey: "p",
		ListingID:      42,
		Price:          money.NewAmount(1),
		Value:          money.NewAmount(1),
	})
	require.NoError(t, err)
	h.mine(2)

	_, err = h.gw.AwaitConfirmation(context.Background(), p, 0)
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.Reverted))
	var re *ledger.RevertError
	require.True(t, errors.As(err, &re))
	require.Equal(t, ledger.RevertNotFound, re.Receipt.Reason)
}

func TestAwaitConfirmationTimesOut(t *testing.T) {
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{ConfirmationTimeout: 30 * time.Millisecond})
	p := h.create("a")

	_, err := h.gw.AwaitConfirmation(context.Background(), p, 0)
	require.True(t, fault.Is(err, fault.TimedOut), "got %v", err)
	require.True(t, fault.Retryable(err))
}

func TestAwaitConfirmationCancelled(t *testing.T) {
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{})
	p := h.create("a")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := h.gw.AwaitConfirmation(ctx, p, 0)
	require.True(t, fault.Is(err, fault.Cancelled), "got %v", err)
	require.False(t, fault.Retryable(err))
}

// sighting signals the first time a receipt is served.
type sighting struct {
	*memledger.Ledger
	once sync.Once
	seen chan struct{}
}

func (s *sighting) GetReceipt(ctx context.Context, h ledger.TxHandle) (json.RawMessage, error) {
	raw, err := s.Ledger.GetReceipt(ctx, h)
	if err == nil && string(raw) != "null" {
		s.once.Do(func() { close(s.seen) })
	}
	return raw, err
}

func TestAwaitConfirmationOrphaned(t *testing.T) {
	ml := memledger.New()
	s := &sighting{Ledger: ml, seen: make(chan struct{})}
	h := newHarness(t, s, ml, ledger.Config{Depth: 5})
	p := h.create("a")
	h.mine(1)

	done := make(chan error, 1)
	go func() {
		_, err := h.gw.AwaitConfirmation(context.Background(), p, 0)
		done <- err
	}()
	<-s.seen
	ml.Reorg(1, false)

	select {
	case err := <-done:
		require.True(t, fault.Is(err, fault.Orphaned), "got %v", err)
		require.Equal(t, fault.KindFinality, fault.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("orphan not detected")
	}
}

func TestSubmitUnavailable(t *testing.T) {
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{})
	ml.SetUnavailable(true)

	_, err := h.gw.Submit(context.Background(), ledger.TransitionRequest{
		Kind: ledger.CreateListing, Sender: h.seller, IdempotencyKey: "a",
	})
	require.True(t, fault.Is(err, fault.LedgerUnavailable), "got %v", err)
	require.True(t, fault.Retryable(err))
}

func TestSubmitUnknownSender(t *testing.T) {
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{})
	stranger := ledgertest.Key(t, 99)

	_, err := h.gw.Submit(context.Background(), ledger.TransitionRequest{
		Kind: ledger.CreateListing, Sender: stranger.Party(), IdempotencyKey: "a",
	})
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
	require.ErrorIs(t, err, signer.ErrUnknownParty)
}

func TestReadStateAtFinalizedHeight(t *testing.T) {
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{Depth: 3})
	h.create("a")
	h.mine(2)

	_, _, err := h.gw.ReadState(context.Background(), 1)
	require.True(t, fault.Is(err, fault.ListingNotFound), "listing below depth must not be visible: %v", err)

	h.mine(1)
	l, at, err := h.gw.ReadState(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, ledger.Height(1), at)
	require.Equal(t, "Title a", l.Title)

	maxID, _, err := h.gw.MaxListingID(context.Background())
	require.NoError(t, err)
	require.Equal(t, ledger.ListingID(1), maxID)
}

func TestLookupKeyAndBalance(t *testing.T) {
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{Depth: 2})
	ml.Fund(h.buyer, money.NewAmount(77))

	st, err := h.gw.LookupKey(context.Background(), h.seller, "a")
	require.NoError(t, err)
	require.Nil(t, st)

	p := h.create("a")
	st, err = h.gw.LookupKey(context.Background(), h.seller, "a")
	require.NoError(t, err)
	require.Equal(t, p.Handle, st.Handle)
	require.Nil(t, st.Receipt)

	h.mine(3)
	st, err = h.gw.LookupKey(context.Background(), h.seller, "a")
	require.NoError(t, err)
	require.NotNil(t, st.Receipt)
	require.EqualValues(t, 3, st.Confirmations)

	bal, err := h.gw.Balance(context.Background(), h.buyer)
	require.NoError(t, err)
	require.Equal(t, "77", bal.String())
	bal, err = h.gw.Balance(context.Background(), h.seller)
	require.NoError(t, err)
	require.True(t, bal.IsZero())
}

func nextEvent(t *testing.T, ch <-chan ledger.TransitionEvent) ledger.TransitionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "feed closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for feed event")
		return ledger.TransitionEvent{}
	}
}

func nextOfType(t *testing.T, ch <-chan ledger.TransitionEvent, typ ledger.EventType) ledger.TransitionEvent {
	t.Helper()
	for {
		if ev := nextEvent(t, ch); ev.Type == typ {
			return ev
		}
	}
}

func TestSubscribeReleasesAtDepth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{Depth: 3})
	feed, err := h.gw.Subscribe(ctx, 0)
	require.NoError(t, err)

	p := h.create("a")
	h.mine(2)
	select {
	case ev := <-feed:
		t.Fatalf("unexpected event before depth: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	h.mine(1)
	ev := nextEvent(t, feed)
	require.Equal(t, ledger.EventApplied, ev.Type)
	require.Equal(t, p.Handle, ev.Handle)
	require.Equal(t, ledger.ListingID(1), ev.ListingID)
	require.Equal(t, h.seller, ev.Listing.Owner)

	ev = nextEvent(t, feed)
	require.Equal(t, ledger.EventHead, ev.Type)
	require.Equal(t, ledger.Height(1), ev.Height)
}

func TestSubscribeDropsRevertedPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{Depth: 3})
	feed, err := h.gw.Subscribe(ctx, 0)
	require.NoError(t, err)

	h.create("a")
	h.mine(1)
	ml.Reorg(1, false)
	h.mine(3)

	ev := nextEvent(t, feed)
	require.Equal(t, ledger.EventHead, ev.Type, "the reverted apply must never be released")
}

func TestSubscribeRevertPastFinality(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{Depth: 1})
	feed, err := h.gw.Subscribe(ctx, 0)
	require.NoError(t, err)

	h.create("a")
	h.mine(1)
	ev := nextOfType(t, feed, ledger.EventApplied)
	require.Equal(t, ledger.ListingID(1), ev.ListingID)

	ml.Reorg(1, false)
	ev = nextOfType(t, feed, ledger.EventOrphaned)
	require.Equal(t, ledger.ListingID(1), ev.ListingID)
	require.Equal(t, ledger.Height(1), ev.Height)
}

func TestSubscribeReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ml := memledger.New()
	h := newHarness(t, nil, ml, ledger.Config{Depth: 1, ResubscribeMaxInterval: 50 * time.Millisecond})
	feed, err := h.gw.Subscribe(ctx, 0)
	require.NoError(t, err)

	h.create("a")
	h.mine(1)
	ev := nextOfType(t, feed, ledger.EventApplied)
	require.Equal(t, ledger.ListingID(1), ev.ListingID)

	ml.DropSubscribers()
	h.create("b")
	h.mine(1)

	ev = nextOfType(t, feed, ledger.EventApplied)
	require.Equal(t, ledger.ListingID(2), ev.ListingID, "already released events must not be replayed")
}
