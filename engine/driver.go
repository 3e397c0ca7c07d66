package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"xdao.co/audex/fault"
	"xdao.co/audex/journal"
	"xdao.co/audex/ledger"
)

var revertReasons = map[string]struct {
	kind   fault.Kind
	reason fault.Reason
}{
	ledger.RevertNotFound:            {fault.KindPrecondition, fault.ListingNotFound},
	ledger.RevertNotForSale:          {fault.KindPrecondition, fault.NotForSale},
	ledger.RevertPriceMismatch:       {fault.KindPrecondition, fault.StalePrice},
	ledger.RevertInsufficientBalance: {fault.KindPrecondition, fault.InsufficientBalance},
	ledger.RevertSelfPurchase:        {fault.KindPrecondition, fault.SelfPurchase},
	ledger.RevertNotOwner:            {fault.KindPrecondition, fault.NotOwner},
	ledger.RevertInvalidRequest:      {fault.KindValidation, fault.InvalidMetadata},
	ledger.RevertBadSignature:        {fault.KindValidation, fault.InvalidMetadata},
}

// rejection turns a reverted receipt into the error the caller sees.
// Unrecognized reason codes stay Finality(Reverted).
func rejection(rcpt ledger.Receipt) error {
	cause := &ledger.RevertError{Receipt: rcpt}
	if m, ok := revertReasons[rcpt.Reason]; ok {
		return fault.Wrap(m.kind, m.reason, cause, "ledger rejected %s at height %d", rcpt.Handle, rcpt.Height)
	}
	return fault.Wrap(fault.KindFinality, fault.Reverted, cause, "transition %s reverted at height %d", rcpt.Handle, rcpt.Height)
}

func (e *Engine) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInitialInterval
	bo.MaxInterval = e.cfg.RetryMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// stopped explains why the protocol context ended: the caller went away, or
// the protocol ran out of time.
func (in *instance) stopped(ctx context.Context) error {
	if err := in.caller.Err(); err != nil {
		return fault.Abandon(fault.Transient(fault.Cancelled, err, "%s %q cancelled in %s", in.protocol, in.key, in.state))
	}
	return fault.Abandon(fault.Transient(fault.TimedOut, ctx.Err(), "%s %q exceeded its time budget in %s", in.protocol, in.key, in.state))
}

func (in *instance) wait(ctx context.Context, bo backoff.BackOff) error {
	t := time.NewTimer(bo.NextBackOff())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return in.stopped(ctx)
	case <-t.C:
		return nil
	}
}

// retry runs a step that precedes submission until it succeeds, fails with a
// non-retryable error, or MaxAttempts is reached.
func (e *Engine) retry(ctx context.Context, in *instance, what string, fn func(ctx context.Context) error) error {
	bo := e.newBackoff()
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return in.stopped(ctx)
		}
		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case fault.Is(err, fault.Cancelled) || (ctx.Err() != nil && fault.IsKind(err, fault.KindTransient)):
			return in.stopped(ctx)
		case !fault.Retryable(err):
			return err
		case attempt >= e.cfg.MaxAttempts:
			log.Warnw("giving up", "protocol", in.protocol, "key", in.key, "step", what, "attempts", attempt, "error", err)
			return fault.Abandon(err)
		}
		log.Debugw("retrying", "protocol", in.protocol, "key", in.key, "step", what, "attempt", attempt, "error", err)
		if err := in.wait(ctx, bo); err != nil {
			return err
		}
	}
}

// submit journals req as submitted and drives it to a terminal ledger state.
func (e *Engine) submit(ctx context.Context, in *instance, req ledger.TransitionRequest) (ledger.Receipt, error) {
	in.enter(journal.SubmittedOnChain)
	in.submitted = true
	if e.journal != nil {
		in.rec = &journal.Record{
			Protocol:    in.protocol,
			Sender:      in.sender,
			Key:         in.key,
			RequestHash: in.hash,
			Request:     &req,
			ListingID:   req.ListingID,
		}
		e.persist(ctx, in)
	}
	log.Infow("submitting transition", "protocol", in.protocol, "key", in.key, "sender", in.sender, "what", describe(req))
	return e.confirm(ctx, in, req)
}

// confirm is the shared confirmation driver. Each submission and each
// confirmation wait is one attempt. When a wait ends without an answer the
// ledger is asked what it knows about the idempotency key before anything is
// resubmitted, so a transition that landed is never sent twice.
func (e *Engine) confirm(ctx context.Context, in *instance, req ledger.TransitionRequest) (ledger.Receipt, error) {
	depth := e.gw.Depth()
	bo := e.newBackoff()

	var (
		pending *ledger.Pending
		unsure  bool
		last    error
	)
	for {
		if ctx.Err() != nil {
			return ledger.Receipt{}, in.stopped(ctx)
		}

		if unsure {
			st, err := e.gw.LookupKey(ctx, req.Sender, req.IdempotencyKey)
			switch {
			case err == nil:
				unsure = false
			case fault.Is(err, fault.Cancelled):
				return ledger.Receipt{}, in.stopped(ctx)
			case !fault.Retryable(err):
				return ledger.Receipt{}, err
			default:
				last = err
				in.attempts++
				if in.attempts >= e.cfg.MaxAttempts {
					return ledger.Receipt{}, fault.Abandon(last)
				}
				if err := in.wait(ctx, bo); err != nil {
					return ledger.Receipt{}, err
				}
				continue
			}

			switch {
			case st == nil:
				log.Infow("transition not known to the ledger, resubmitting", "protocol", in.protocol, "key", in.key)
				pending = nil
			case st.Receipt != nil && st.Confirmations >= depth:
				log.Infow("reconciled transition by idempotency key", "protocol", in.protocol, "key", in.key,
					"handle", st.Handle, "height", st.Receipt.Height, "reverted", st.Receipt.Reverted)
				e.recordHandle(ctx, in, st.Handle)
				if st.Receipt.Reverted {
					return *st.Receipt, rejection(*st.Receipt)
				}
				return *st.Receipt, nil
			default:
				pending = &ledger.Pending{Handle: st.Handle, Request: req}
				e.recordHandle(ctx, in, st.Handle)
			}
		}

		if in.attempts >= e.cfg.MaxAttempts {
			return ledger.Receipt{}, fault.Abandon(last)
		}
		in.attempts++

		if pending == nil {
			p, err := e.gw.Submit(ctx, req)
			switch {
			case err == nil:
				pending = &p
				e.recordHandle(ctx, in, p.Handle)
			case fault.Is(err, fault.Cancelled):
				return ledger.Receipt{}, in.stopped(ctx)
			case !fault.Retryable(err):
				return ledger.Receipt{}, err
			default:
				// The ledger may have accepted it before the transport failed.
				log.Warnw("submit failed", "protocol", in.protocol, "key", in.key, "attempt", in.attempts, "error", err)
				last, unsure = err, true
				if err := in.wait(ctx, bo); err != nil {
					return ledger.Receipt{}, err
				}
				continue
			}
		}

		c, err := e.gw.AwaitConfirmation(ctx, *pending, depth)
		if err == nil {
			return c.Receipt, nil
		}
		var rev *ledger.RevertError
		switch {
		case errors.As(err, &rev):
			return rev.Receipt, rejection(rev.Receipt)
		case fault.Is(err, fault.Cancelled):
			return ledger.Receipt{}, in.stopped(ctx)
		case fault.Is(err, fault.TimedOut):
			log.Warnw("confirmation timed out", "protocol", in.protocol, "key", in.key, "handle", pending.Handle, "attempt", in.attempts)
			last, unsure = err, true
		case fault.Is(err, fault.Orphaned):
			log.Warnw("transition orphaned", "protocol", in.protocol, "key", in.key, "handle", pending.Handle, "attempt", in.attempts)
			last, unsure = err, true
			if err := in.wait(ctx, bo); err != nil {
				return ledger.Receipt{}, err
			}
		case fault.Retryable(err):
			last, unsure = err, true
			if err := in.wait(ctx, bo); err != nil {
				return ledger.Receipt{}, err
			}
		default:
			return ledger.Receipt{}, err
		}
	}
}

func (e *Engine) recordHandle(ctx context.Context, in *instance, h ledger.TxHandle) {
	if in.rec == nil || in.rec.Handle == h {
		return
	}
	in.rec.Handle = h
	e.persist(ctx, in)
}

// finish settles the instance's terminal state and journals it. A caller
// cancelling after submission leaves the instance at SubmittedOnChain for
// Recover to settle, and the touched listing is invalidated.
func (e *Engine) finish(ctx context.Context, in *instance, res Result, err error) (Result, error) {
	switch {
	case in.confirmed:
		in.enter(journal.Confirmed)
	case in.submitted && fault.Is(err, fault.Cancelled):
		if in.listing != 0 {
			e.cache.Invalidate(in.listing)
		}
		log.Warnw("cancelled after submission, leaving for recovery", "protocol", in.protocol, "key", in.key)
	case fault.IsAbandoned(err):
		in.enter(journal.Abandoned)
	default:
		in.enter(journal.Rejected)
	}
	res.State = in.state
	res.submitted = in.submitted

	if in.rec != nil && in.state.Terminal() {
		o := &journal.Outcome{}
		if err != nil {
			o = journal.OutcomeOf(err)
		}
		if res.Receipt.Handle != "" {
			rc := res.Receipt
			o.Receipt = &rc
		}
		in.rec.Outcome = o
		in.rec.ListingID = res.ListingID
		e.persist(ctx, in)
	}
	return res, err
}

func describe(req ledger.TransitionRequest) string {
	switch req.Kind {
	case ledger.CreateListing:
		return fmt.Sprintf("create %q by %q", req.Title, req.Artist)
	default:
		return fmt.Sprintf("%s listing %d", req.Kind, req.ListingID)
	}
}
