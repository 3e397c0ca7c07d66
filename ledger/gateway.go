package ledger

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"xdao.co/audex/fault"
	"xdao.co/audex/metrics"
	"xdao.co/audex/money"
)

var log = logging.Logger("ledger")

// DefaultDepth is the confirmation depth used when none is configured.
const DefaultDepth = 3

type Config struct {
	// Depth is the number of blocks (inclusive) a transition needs before it is
	// treated as final.
	Depth uint64
	// ConfirmationTimeout bounds a single AwaitConfirmation call.
	ConfirmationTimeout time.Duration
	// PollInterval is how often AwaitConfirmation checks the receipt.
	PollInterval time.Duration
	// ResubscribeMaxInterval caps the backoff between feed reconnects.
	ResubscribeMaxInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Depth == 0 {
		c.Depth = DefaultDepth
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ResubscribeMaxInterval <= 0 {
		c.ResubscribeMaxInterval = 30 * time.Second
	}
}

// RevertError carries the ledger's reason code for a reverted transition.
type RevertError struct {
	Receipt Receipt
}

func (e *RevertError) Error() string {
	return "transition " + string(e.Receipt.Handle) + " reverted: " + e.Receipt.Reason
}

// KeyStatus is what the ledger knows about an idempotency key.
type KeyStatus struct {
	Handle TxHandle
	// Receipt is nil while the transition is pending.
	Receipt       *Receipt
	Confirmations uint64
}

// Gateway is a thin typed transport over a Ledger. It performs no
// deduplication of its own.
type Gateway struct {
	ledger Ledger
	signer Signer
	cfg    Config
}

func NewGateway(l Ledger, s Signer, cfg Config) *Gateway {
	cfg.setDefaults()
	return &Gateway{ledger: l, signer: s, cfg: cfg}
}

func (g *Gateway) Depth() uint64 { return g.cfg.Depth }

// Submit authorizes req and hands it to the ledger. The idempotency key is
// forwarded as supplied.
func (g *Gateway) Submit(ctx context.Context, req TransitionRequest) (Pending, error) {
	signed, err := g.signer.Authorize(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Pending{}, fault.Transient(fault.Cancelled, err, "authorize %s", req.Kind)
		}
		return Pending{}, fault.Wrap(fault.KindValidation, fault.InvalidMetadata, err, "authorize %s for %s", req.Kind, req.Sender)
	}
	h, err := g.ledger.Execute(ctx, signed)
	if err != nil {
		return Pending{}, g.transportErr(ctx, err, "execute %s", req.Kind)
	}
	log.Debugw("submitted transition", "kind", req.Kind, "sender", req.Sender, "key", req.IdempotencyKey, "handle", h)
	return Pending{Handle: h, Request: req}, nil
}

// AwaitConfirmation blocks until p is included at depth (0 means the
// configured depth), or fails with Reverted, Orphaned or TimedOut.
func (g *Gateway) AwaitConfirmation(ctx context.Context, p Pending, depth uint64) (Confirmed, error) {
	if depth == 0 {
		depth = g.cfg.Depth
	}
	start := time.Now()
	defer func() { metrics.Measures.ConfirmationWait.Observe(time.Since(start).Seconds()) }()

	wctx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmationTimeout)
	defer cancel()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	var seen *Receipt
	for {
		rcpt, head, err := g.receiptAndHead(wctx, p.Handle)
		switch {
		case err == nil && rcpt == nil && seen != nil:
			log.Warnw("transition orphaned", "handle", p.Handle, "wasAt", seen.Height)
			return Confirmed{}, fault.Wrap(fault.KindFinality, fault.Orphaned, nil,
				"transition %s displaced from height %d", p.Handle, seen.Height)
		case err == nil && rcpt != nil:
			seen = rcpt
			if c := Confirmations(head, rcpt.Height); c >= depth {
				if rcpt.Reverted {
					return Confirmed{}, fault.Wrap(fault.KindFinality, fault.Reverted, &RevertError{Receipt: *rcpt},
						"transition %s reverted at height %d", p.Handle, rcpt.Height)
				}
				return Confirmed{Receipt: *rcpt, Confirmations: c}, nil
			}
		case err != nil && fault.IsKind(err, fault.KindDecode):
			return Confirmed{}, err
		case err != nil:
			if ctx.Err() == nil && wctx.Err() == nil {
				log.Warnw("receipt poll failed", "handle", p.Handle, "error", err)
			}
		}

		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return Confirmed{}, fault.Transient(fault.Cancelled, ctx.Err(), "await %s", p.Handle)
			}
			return Confirmed{}, fault.Transient(fault.TimedOut, nil,
				"transition %s not confirmed at depth %d within %s", p.Handle, depth, g.cfg.ConfirmationTimeout)
		case <-ticker.C:
		}
	}
}

func (g *Gateway) receiptAndHead(ctx context.Context, h TxHandle) (*Receipt, Height, error) {
	raw, err := g.ledger.GetReceipt(ctx, h)
	if err != nil {
		return nil, 0, g.transportErr(ctx, err, "get receipt %s", h)
	}
	rcpt, err := DecodeReceipt(raw)
	if err != nil || rcpt == nil {
		return nil, 0, err
	}
	head, err := g.ledger.CurrentHeight(ctx)
	if err != nil {
		return nil, 0, g.transportErr(ctx, err, "current height")
	}
	return rcpt, head, nil
}

// Head returns the ledger's current height.
func (g *Gateway) Head(ctx context.Context) (Height, error) {
	h, err := g.ledger.CurrentHeight(ctx)
	if err != nil {
		return 0, g.transportErr(ctx, err, "current height")
	}
	return h, nil
}

// Finalized returns the highest height with at least Depth confirmations,
// or 0 when no block is final yet.
func (g *Gateway) Finalized(ctx context.Context) (Height, error) {
	head, err := g.Head(ctx)
	if err != nil {
		return 0, err
	}
	return FinalizedAt(head, g.cfg.Depth), nil
}

// FinalizedAt is the highest height with depth confirmations when the head is at head.
func FinalizedAt(head Height, depth uint64) Height {
	if uint64(head)+1 < depth {
		return 0
	}
	return Height(uint64(head) + 1 - depth)
}

// ReadState returns the listing as of the finalized height, and that height.
func (g *Gateway) ReadState(ctx context.Context, id ListingID) (Listing, Height, error) {
	fin, err := g.Finalized(ctx)
	if err != nil {
		return Listing{}, 0, err
	}
	raw, err := g.ledger.GetListing(ctx, id, fin)
	if err != nil {
		return Listing{}, 0, g.transportErr(ctx, err, "get listing %d", id)
	}
	l, err := DecodeListing(raw)
	if err != nil {
		return Listing{}, 0, err
	}
	if l == nil {
		return Listing{}, fin, fault.Precondition(fault.ListingNotFound, "listing %d not found at height %d", id, fin)
	}
	if l.ID != id {
		return Listing{}, 0, fault.Decode(xerrors.Errorf("asked for %d, got %d", id, l.ID), "get listing")
	}
	return *l, fin, nil
}

// MaxListingID returns the highest finalized listing id.
func (g *Gateway) MaxListingID(ctx context.Context) (ListingID, Height, error) {
	fin, err := g.Finalized(ctx)
	if err != nil {
		return 0, 0, err
	}
	id, err := g.ledger.MaxListingID(ctx, fin)
	if err != nil {
		return 0, 0, g.transportErr(ctx, err, "max listing id")
	}
	return id, fin, nil
}

// LookupKey reports the transition sender submitted under key, or nil if
// the ledger has none.
func (g *Gateway) LookupKey(ctx context.Context, sender Party, key string) (*KeyStatus, error) {
	raw, err := g.ledger.LookupKey(ctx, sender, key)
	if err != nil {
		return nil, g.transportErr(ctx, err, "lookup key %s", key)
	}
	p, err := decodeKey(raw)
	if err != nil || p == nil {
		return nil, err
	}
	st := &KeyStatus{Handle: p.Handle}
	if p.Receipt != nil {
		r := p.Receipt.Receipt()
		st.Receipt = &r
		head, err := g.Head(ctx)
		if err != nil {
			return nil, err
		}
		st.Confirmations = Confirmations(head, r.Height)
	}
	return st, nil
}

// Balance returns party's balance at the finalized height.
func (g *Gateway) Balance(ctx context.Context, party Party) (money.Amount, error) {
	fin, err := g.Finalized(ctx)
	if err != nil {
		return money.Amount{}, err
	}
	raw, err := g.ledger.BalanceOf(ctx, party, fin)
	if err != nil {
		return money.Amount{}, g.transportErr(ctx, err, "balance of %s", party)
	}
	p, err := decodeBalance(raw)
	if err != nil {
		return money.Amount{}, err
	}
	return p.Balance, nil
}

func (g *Gateway) transportErr(ctx context.Context, err error, format string, args ...any) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ctx.Err())) {
		return fault.Transient(fault.Cancelled, err, format, args...)
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Transient(fault.LedgerUnavailable, err, format, args...)
}
