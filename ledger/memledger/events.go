package memledger

import (
	"context"
	"encoding/json"

	"xdao.co/audex/ledger"
)

// subscriberBuffer is the live backlog a subscriber may fall behind by
// before it is dropped.
const subscriberBuffer = 1024

type subscriber struct {
	ch     chan json.RawMessage
	closed bool
}

func applyEvent(h ledger.Height, inc *inclusion) ledger.EventPayload {
	return ledger.EventPayload{
		Type:    ledger.RawApply,
		Height:  h,
		Index:   inc.receipt.Index,
		Handle:  inc.tx.handle,
		Kind:    inc.tx.req.Request.Kind,
		Listing: inc.listing,
	}
}

// EventsSince replays the canonical chain from height from and then streams
// live events. A subscriber that falls subscriberBuffer events behind is
// dropped and its channel closed.
func (l *Ledger) EventsSince(ctx context.Context, from ledger.Height) (<-chan json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}

	var replay []json.RawMessage
	for _, b := range l.blocks[1:] {
		if b.height < from {
			continue
		}
		for _, inc := range b.txs {
			replay = append(replay, mustMarshal(applyEvent(b.height, inc)))
		}
		replay = append(replay, mustMarshal(ledger.EventPayload{Type: ledger.RawHead, Height: b.height}))
	}
	if len(replay) == 0 {
		replay = append(replay, mustMarshal(ledger.EventPayload{Type: ledger.RawHead, Height: l.head()}))
	}

	s := &subscriber{ch: make(chan json.RawMessage, len(replay)+subscriberBuffer)}
	for _, m := range replay {
		s.ch <- m
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = s

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		l.drop(id)
	}()
	return s.ch, nil
}

// Subscribers returns the number of live event subscriptions.
func (l *Ledger) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// DropSubscribers closes every live subscription, as a transport reset would.
func (l *Ledger) DropSubscribers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.subs {
		l.drop(id)
	}
}

func (l *Ledger) drop(id int) {
	s, ok := l.subs[id]
	if !ok {
		return
	}
	delete(l.subs, id)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// publish must be called with l.mu held.
func (l *Ledger) publish(ev ledger.EventPayload) {
	msg := mustMarshal(ev)
	for id, s := range l.subs {
		select {
		case s.ch <- msg:
		default:
			log.Warnw("dropping slow subscriber", "id", id)
			l.drop(id)
		}
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
