package engine

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"xdao.co/audex/fault"
	"xdao.co/audex/journal"
	"xdao.co/audex/ledger"
)

// Recover settles journal records left at SubmittedOnChain by a crash or a
// cancelled caller. Each is looked up by idempotency key: a transition the
// ledger never saw is Abandoned, one at depth is Confirmed or Rejected, and
// anything still pending is left for a later pass. It returns how many
// records were settled.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.journal == nil {
		return 0, nil
	}
	recs, err := e.journal.Unfinished(ctx)
	if err != nil {
		return 0, xerrors.Errorf("listing unfinished protocols: %w", err)
	}

	depth := e.gw.Depth()
	settled := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if e.running(instanceID(rec.Protocol, rec.Sender, rec.Key)) {
			continue
		}
		st, err := e.gw.LookupKey(ctx, rec.Sender, rec.Key)
		if err != nil {
			if fault.Retryable(err) {
				log.Warnw("ledger unavailable during recovery", "protocol", rec.Protocol, "key", rec.Key, "error", err)
				return settled, nil
			}
			return settled, err
		}

		var (
			rcpt *ledger.Receipt
			ferr error
		)
		switch {
		case st == nil:
			rec.State = journal.Abandoned
			ferr = fault.Abandon(fault.Transient(fault.TimedOut, nil, "transition for %s %q never reached the ledger", rec.Protocol, rec.Key))
		case st.Receipt != nil && st.Confirmations >= depth:
			rcpt = st.Receipt
			rec.Handle = st.Handle
			if rcpt.Reverted {
				rec.State = journal.Rejected
				ferr = rejection(*rcpt)
			} else {
				rec.State = journal.Confirmed
			}
		default:
			log.Debugw("protocol still pending", "protocol", rec.Protocol, "key", rec.Key, "handle", st.Handle)
			continue
		}

		o := &journal.Outcome{}
		if ferr != nil {
			o = journal.OutcomeOf(ferr)
		}
		if rcpt != nil {
			o.Receipt = rcpt
			if rcpt.ListingID != 0 {
				rec.ListingID = rcpt.ListingID
			}
		}
		rec.Outcome = o
		if err := e.journal.Put(ctx, rec); err != nil {
			return settled, xerrors.Errorf("settling %s %q: %w", rec.Protocol, rec.Key, err)
		}
		e.memo.Remove(instanceID(rec.Protocol, rec.Sender, rec.Key))
		settled++
		log.Infow("recovered protocol", "protocol", rec.Protocol, "key", rec.Key, "state", rec.State, "listing", rec.ListingID)

		if rec.ListingID != 0 {
			e.cache.Invalidate(rec.ListingID)
			if _, err := e.cache.Refresh(ctx, rec.ListingID); err != nil {
				log.Warnw("refreshing recovered listing", "listing", rec.ListingID, "error", err)
			}
		}
	}
	return settled, nil
}

func (e *Engine) running(id string) bool {
	e.lk.Lock()
	defer e.lk.Unlock()
	_, ok := e.active[id]
	return ok
}

// Run calls Recover once and then every interval until ctx ends.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if n, err := e.Recover(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorw("recovery pass failed", "error", err)
		} else if n > 0 {
			log.Infow("recovery pass", "settled", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
