package ledger

import (
	"context"
	"encoding/json"
)

// Ledger is the external value-transfer ledger.
//
// Structured results are raw payloads; a JSON null means absent. Decoding is
// the Gateway's job.
type Ledger interface {
	// Execute queues a signed transition and returns its handle. Duplicate
	// idempotency keys return the handle of the live original.
	Execute(ctx context.Context, req SignedRequest) (TxHandle, error)
	// GetReceipt returns the inclusion receipt of h, or null while it is
	// pending or after it was orphaned.
	GetReceipt(ctx context.Context, h TxHandle) (json.RawMessage, error)
	CurrentHeight(ctx context.Context) (Height, error)
	// EventsSince streams raw feed events starting at height from. The
	// channel is closed when ctx is done or the ledger drops the subscriber.
	EventsSince(ctx context.Context, from Height) (<-chan json.RawMessage, error)
	// GetListing returns the listing as of height at, or null.
	GetListing(ctx context.Context, id ListingID, at Height) (json.RawMessage, error)
	// MaxListingID returns the highest id assigned as of height at.
	MaxListingID(ctx context.Context, at Height) (ListingID, error)
	// LookupKey returns the transition submitted under key by sender, or null.
	LookupKey(ctx context.Context, sender Party, key string) (json.RawMessage, error)
	// BalanceOf returns the balance of party as of height at, in smallest units.
	BalanceOf(ctx context.Context, party Party, at Height) (json.RawMessage, error)
}

// Signer authorizes transitions for the parties whose keys it holds.
// Callers never see key material.
type Signer interface {
	Authorize(ctx context.Context, req TransitionRequest) (SignedRequest, error)
}
