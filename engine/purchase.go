package engine

import (
	"context"

	"xdao.co/audex/fault"
	"xdao.co/audex/journal"
	"xdao.co/audex/ledger"
	"xdao.co/audex/money"
)

type PurchaseRequest struct {
	Buyer          ledger.Party
	IdempotencyKey string
	ListingID      ledger.ListingID
	OfferedPrice   money.Amount
}

func (r PurchaseRequest) hash() string {
	return requestHash(struct {
		ListingID ledger.ListingID
		Offered   money.Amount
	}{r.ListingID, r.OfferedPrice})
}

// Purchase transfers a listing to the buyer at the offered price. Price,
// sale status, ownership and balance are checked against the catalog before
// the ledger is involved.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest) (Result, error) {
	in := &instance{
		protocol: ProtocolPurchase,
		sender:   req.Buyer,
		key:      req.IdempotencyKey,
		hash:     req.hash(),
		state:    journal.Requested,
		listing:  req.ListingID,
	}
	return e.run(ctx, in, func(ctx context.Context, in *instance) (Result, error) {
		return e.purchase(ctx, in, req)
	})
}

func (e *Engine) purchase(ctx context.Context, in *instance, req PurchaseRequest) (Result, error) {
	res := Result{ListingID: req.ListingID}
	if req.Buyer == "" || req.ListingID == 0 {
		return e.finish(ctx, in, res, fault.Validation(fault.InvalidMetadata, "purchase needs a buyer and a listing id"))
	}

	l, err := e.listing(ctx, in, req.ListingID)
	if err != nil {
		return e.finish(ctx, in, res, err)
	}
	switch {
	case !l.Price.Equals(req.OfferedPrice):
		err = fault.Precondition(fault.StalePrice, "listing %d costs %s, offered %s", l.ID, l.Price, req.OfferedPrice)
	case !l.ForSale:
		err = fault.Precondition(fault.NotForSale, "listing %d is not for sale", l.ID)
	case l.Owner == req.Buyer:
		err = fault.Precondition(fault.SelfPurchase, "%s already owns listing %d", req.Buyer, l.ID)
	}
	if err != nil {
		return e.finish(ctx, in, res, err)
	}

	var bal money.Amount
	err = e.retry(ctx, in, "read balance", func(ctx context.Context) error {
		var err error
		bal, err = e.gw.Balance(ctx, req.Buyer)
		return err
	})
	if err != nil {
		return e.finish(ctx, in, res, err)
	}
	if bal.Cmp(req.OfferedPrice) < 0 {
		return e.finish(ctx, in, res, fault.Precondition(fault.InsufficientBalance,
			"%s holds %s, listing %d costs %s", req.Buyer, bal, l.ID, req.OfferedPrice))
	}
	in.enter(journal.PricedAndValidated)
	res.Content = l.Content

	rcpt, err := e.submit(ctx, in, ledger.TransitionRequest{
		Kind:           ledger.Purchase,
		Sender:         req.Buyer,
		IdempotencyKey: req.IdempotencyKey,
		ListingID:      req.ListingID,
		Price:          req.OfferedPrice,
		Value:          req.OfferedPrice,
	})
	res.Receipt = rcpt
	if err != nil {
		return e.finish(ctx, in, res, err)
	}
	in.confirmed = true

	err = e.verify(ctx, in, req.ListingID, func(got ledger.Listing) error {
		if got.Owner != req.Buyer || got.ForSale {
			return fault.Integrity(fault.OwnerMismatch, "listing %d after confirmed purchase: owner %s, for sale %t, want owner %s",
				got.ID, got.Owner, got.ForSale, req.Buyer)
		}
		return nil
	})
	return e.finish(ctx, in, res, err)
}

type RelistRequest struct {
	Owner          ledger.Party
	IdempotencyKey string
	ListingID      ledger.ListingID
	Price          money.Amount
	ForSale        bool
}

func (r RelistRequest) hash() string {
	return requestHash(struct {
		ListingID ledger.ListingID
		Price     money.Amount
		ForSale   bool
	}{r.ListingID, r.Price, r.ForSale})
}

// Relist changes the price or sale status of a listing the owner holds.
func (e *Engine) Relist(ctx context.Context, req RelistRequest) (Result, error) {
	in := &instance{
		protocol: ProtocolRelist,
		sender:   req.Owner,
		key:      req.IdempotencyKey,
		hash:     req.hash(),
		state:    journal.Requested,
		listing:  req.ListingID,
	}
	return e.run(ctx, in, func(ctx context.Context, in *instance) (Result, error) {
		return e.relist(ctx, in, req)
	})
}

func (e *Engine) relist(ctx context.Context, in *instance, req RelistRequest) (Result, error) {
	res := Result{ListingID: req.ListingID}
	switch {
	case req.Owner == "" || req.ListingID == 0:
		return e.finish(ctx, in, res, fault.Validation(fault.InvalidMetadata, "relist needs an owner and a listing id"))
	case req.Price.IsZero() || req.Price.Cmp(money.Zero) < 0:
		return e.finish(ctx, in, res, fault.Validation(fault.InvalidMetadata, "price must be positive"))
	}

	l, err := e.listing(ctx, in, req.ListingID)
	if err != nil {
		return e.finish(ctx, in, res, err)
	}
	if l.Owner != req.Owner {
		return e.finish(ctx, in, res, fault.Precondition(fault.NotOwner, "%s does not own listing %d", req.Owner, l.ID))
	}
	res.Content = l.Content

	rcpt, err := e.submit(ctx, in, ledger.TransitionRequest{
		Kind:           ledger.SetForSale,
		Sender:         req.Owner,
		IdempotencyKey: req.IdempotencyKey,
		ListingID:      req.ListingID,
		Price:          req.Price,
		ForSale:        req.ForSale,
	})
	res.Receipt = rcpt
	if err != nil {
		return e.finish(ctx, in, res, err)
	}
	in.confirmed = true

	err = e.verify(ctx, in, req.ListingID, func(got ledger.Listing) error {
		if got.Owner != req.Owner || got.ForSale != req.ForSale || !got.Price.Equals(req.Price) {
			return fault.Integrity(fault.OwnerMismatch, "listing %d after confirmed relist: owner %s, price %s, for sale %t",
				got.ID, got.Owner, got.Price, got.ForSale)
		}
		return nil
	})
	return e.finish(ctx, in, res, err)
}

// listing reads id through the cache, retrying transient failures.
func (e *Engine) listing(ctx context.Context, in *instance, id ledger.ListingID) (ledger.Listing, error) {
	var l ledger.Listing
	err := e.retry(ctx, in, "read listing", func(ctx context.Context) error {
		var err error
		l, err = e.cache.Get(ctx, id)
		return err
	})
	return l, err
}

// verify refreshes id after a confirmed transition and checks the result.
// An integrity failure invalidates the entry. If the listing cannot be read
// back at all, the entry is invalidated and the confirmation stands.
func (e *Engine) verify(ctx context.Context, in *instance, id ledger.ListingID, check func(ledger.Listing) error) error {
	var got ledger.Listing
	err := e.retry(ctx, in, "verify listing", func(ctx context.Context) error {
		var err error
		got, err = e.cache.Refresh(ctx, id)
		return err
	})
	if err == nil {
		err = check(got)
	}
	switch {
	case err == nil:
		return nil
	case fault.IsKind(err, fault.KindIntegrity):
		log.Errorw("post-confirmation check failed", "protocol", in.protocol, "key", in.key, "listing", id, "error", err)
		e.cache.Invalidate(id)
		return err
	default:
		log.Warnw("could not verify listing after confirmation", "protocol", in.protocol, "key", in.key, "listing", id, "error", err)
		e.cache.Invalidate(id)
		return nil
	}
}
