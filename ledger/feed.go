package ledger

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/xerrors"

	"xdao.co/audex/metrics"
)

// retainHeights is how far below the finalized height released transitions
// are remembered, so that a revert past finality can still be reported.
const retainHeights = 64

type position struct {
	height Height
	index  uint32
}

func (p position) less(o position) bool {
	if p.height != o.height {
		return p.height < o.height
	}
	return p.index < o.index
}

// feed turns the ledger's raw event stream into a confirmed event stream.
// Applies are held back until their height is final, then released in
// (height, index) order.
type feed struct {
	ledger   Ledger
	depth    uint64
	maxRetry time.Duration

	out chan TransitionEvent

	head     Height
	released position
	started  bool
	lastHead Height

	pending []*EventPayload
	// recent holds released applies at heights above finalized-retainHeights.
	recent []*EventPayload
}

// Subscribe returns the confirmed event feed starting at height from. Only
// transitions with Depth confirmations are delivered. The channel is closed
// when ctx is done.
//
// The subscription survives ledger disconnects: it reconnects with backoff
// from the last released position and skips what it already delivered.
func (g *Gateway) Subscribe(ctx context.Context, from Height) (<-chan TransitionEvent, error) {
	f := &feed{
		ledger:   g.ledger,
		depth:    g.cfg.Depth,
		maxRetry: g.cfg.ResubscribeMaxInterval,
		out:      make(chan TransitionEvent, 64),
	}
	if from > 0 {
		f.released = position{height: from - 1, index: math.MaxUint32}
		f.started = true
		f.lastHead = from - 1
	}

	raw, err := g.ledger.EventsSince(ctx, from)
	if err != nil {
		return nil, g.transportErr(ctx, err, "subscribe from %d", from)
	}
	go f.run(ctx, raw)
	return f.out, nil
}

func (f *feed) run(ctx context.Context, raw <-chan json.RawMessage) {
	defer close(f.out)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = f.maxRetry
	bo.MaxElapsedTime = 0

	for {
		err := f.consume(ctx, raw)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Errorf("ledger feed failed: %s", err)
		} else {
			log.Warn("ledger feed closed, resubscribing")
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			from := f.resumeHeight()
			raw, err = f.ledger.EventsSince(ctx, from)
			if err == nil {
				metrics.Measures.FeedReconnects.Inc()
				log.Infow("ledger feed resubscribed", "from", from)
				bo.Reset()
				break
			}
			if ctx.Err() != nil {
				return
			}
			log.Warnw("resubscribe failed", "from", from, "error", err)
		}
	}
}

// resumeHeight is where a new subscription starts. Anything not yet released
// is dropped and will be replayed.
func (f *feed) resumeHeight() Height {
	f.pending = nil
	if !f.started {
		return 0
	}
	return f.released.height
}

func (f *feed) consume(ctx context.Context, raw <-chan json.RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-raw:
			if !ok {
				return nil
			}
			ev, err := DecodeEvent(msg)
			if err != nil {
				log.Errorw("dropping malformed ledger event", "error", err)
				continue
			}
			if err := f.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (f *feed) handle(ctx context.Context, ev *EventPayload) error {
	switch ev.Type {
	case RawApply:
		at := position{height: ev.Height, index: ev.Index}
		if f.started && !f.released.less(at) {
			return nil
		}
		f.pending = append(f.pending, ev)
		if ev.Height > f.head {
			f.head = ev.Height
		}
	case RawRevert:
		if err := f.revert(ctx, ev.Height); err != nil {
			return err
		}
	case RawHead:
		f.head = ev.Height
	}
	return f.release(ctx)
}

func (f *feed) revert(ctx context.Context, from Height) error {
	kept := f.pending[:0]
	for _, p := range f.pending {
		if p.Height < from {
			kept = append(kept, p)
		}
	}
	f.pending = kept
	if from > 0 && f.head >= from {
		f.head = from - 1
	}

	if !f.started || f.released.height < from {
		return nil
	}
	log.Errorf("reverted past finality, from %d to %d", f.released.height, from-1)

	var keep []*EventPayload
	for _, p := range f.recent {
		if p.Height < from {
			keep = append(keep, p)
			continue
		}
		ev := TransitionEvent{
			Type:   EventOrphaned,
			Height: p.Height,
			Index:  p.Index,
			Handle: p.Handle,
			Kind:   p.Kind,
		}
		if p.Listing != nil {
			ev.ListingID = p.Listing.ID
		}
		if err := f.emit(ctx, ev); err != nil {
			return err
		}
	}
	f.recent = keep
	f.released = position{height: from - 1, index: math.MaxUint32}
	if f.lastHead >= from {
		f.lastHead = from - 1
	}
	return nil
}

func (f *feed) release(ctx context.Context) error {
	fin := FinalizedAt(f.head, f.depth)
	if uint64(f.head)+1 < f.depth {
		return nil
	}

	sort.SliceStable(f.pending, func(i, j int) bool {
		a, b := f.pending[i], f.pending[j]
		return position{a.Height, a.Index}.less(position{b.Height, b.Index})
	})

	n := 0
	for _, p := range f.pending {
		if p.Height > fin {
			break
		}
		n++
		at := position{height: p.Height, index: p.Index}
		if f.started && !f.released.less(at) {
			continue
		}
		ev := TransitionEvent{
			Type:   EventApplied,
			Height: p.Height,
			Index:  p.Index,
			Handle: p.Handle,
			Kind:   p.Kind,
		}
		if p.Listing != nil {
			l := p.Listing.Listing()
			ev.Listing = &l
			ev.ListingID = l.ID
		}
		if err := f.emit(ctx, ev); err != nil {
			return err
		}
		f.released = at
		f.started = true
		f.recent = append(f.recent, p)
	}
	f.pending = f.pending[n:]

	if fin > f.lastHead {
		f.lastHead = fin
		if err := f.emit(ctx, TransitionEvent{Type: EventHead, Height: fin}); err != nil {
			return err
		}
		if !f.started || f.released.height < fin {
			f.released = position{height: fin, index: math.MaxUint32}
			f.started = true
		}
	}

	for len(f.recent) > 0 && uint64(f.recent[0].Height)+retainHeights < uint64(fin) {
		f.recent = f.recent[1:]
	}
	return nil
}

func (f *feed) emit(ctx context.Context, ev TransitionEvent) error {
	select {
	case f.out <- ev:
		return nil
	case <-ctx.Done():
		return xerrors.Errorf("emit %s at %d: %w", ev.Type, ev.Height, ctx.Err())
	}
}
