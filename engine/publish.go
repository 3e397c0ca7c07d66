package engine

import (
	"context"
	"crypto/sha256"
	"strings"

	"xdao.co/audex/content"
	"xdao.co/audex/fault"
	"xdao.co/audex/journal"
	"xdao.co/audex/ledger"
	"xdao.co/audex/money"
)

type PublishRequest struct {
	Seller         ledger.Party
	IdempotencyKey string
	Title          string
	Artist         string
	Price          money.Amount
	Blob           content.Blob
}

func (r PublishRequest) hash() string {
	return requestHash(struct {
		Title, Artist string
		Price         money.Amount
		Data          [32]byte
		MediaType     string
	}{r.Title, r.Artist, r.Price, sha256.Sum256(r.Blob.Data), r.Blob.MediaType})
}

func (r PublishRequest) validate() error {
	switch {
	case r.Seller == "":
		return fault.Validation(fault.InvalidMetadata, "seller is required")
	case strings.TrimSpace(r.Title) == "":
		return fault.Validation(fault.InvalidMetadata, "title is required")
	case strings.TrimSpace(r.Artist) == "":
		return fault.Validation(fault.InvalidMetadata, "artist is required")
	case r.Price.IsZero() || r.Price.Cmp(money.Zero) < 0:
		return fault.Validation(fault.InvalidMetadata, "price must be positive")
	}
	return nil
}

// Publish stores the blob and lists it for sale. Content that cannot be
// stored is rejected before anything is sent to the ledger.
func (e *Engine) Publish(ctx context.Context, req PublishRequest) (Result, error) {
	in := &instance{
		protocol: ProtocolPublish,
		sender:   req.Seller,
		key:      req.IdempotencyKey,
		hash:     req.hash(),
		state:    journal.Drafted,
	}
	return e.run(ctx, in, func(ctx context.Context, in *instance) (Result, error) {
		return e.publish(ctx, in, req)
	})
}

func (e *Engine) publish(ctx context.Context, in *instance, req PublishRequest) (Result, error) {
	if err := req.validate(); err != nil {
		return e.finish(ctx, in, Result{}, err)
	}

	var ref content.Reference
	err := e.retry(ctx, in, "resolve content", func(ctx context.Context) error {
		var err error
		ref, err = e.resolver.Resolve(ctx, req.Blob)
		return err
	})
	if err != nil {
		return e.finish(ctx, in, Result{}, err)
	}
	in.enter(journal.ContentResolved)
	res := Result{Content: ref}

	rcpt, err := e.submit(ctx, in, ledger.TransitionRequest{
		Kind:           ledger.CreateListing,
		Sender:         req.Seller,
		IdempotencyKey: req.IdempotencyKey,
		Title:          req.Title,
		Artist:         req.Artist,
		Content:        &ref,
		Price:          req.Price,
	})
	res.Receipt, res.ListingID = rcpt, rcpt.ListingID
	if err != nil {
		return e.finish(ctx, in, res, err)
	}
	in.confirmed = true
	in.listing = rcpt.ListingID

	if _, err := e.cache.Refresh(ctx, rcpt.ListingID); err != nil {
		if fault.IsKind(err, fault.KindIntegrity) {
			return e.finish(ctx, in, res, err)
		}
		log.Warnw("could not populate catalog after publish", "listing", rcpt.ListingID, "error", err)
		e.cache.Invalidate(rcpt.ListingID)
	}
	return e.finish(ctx, in, res, nil)
}
