// Package ledger is the typed façade over the external value-transfer ledger.
//
// The Ledger capability speaks loosely typed payloads; everything that crosses
// into this package is decoded by a strict schema (see decode.go) before the
// rest of the system sees it.
package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"

	"xdao.co/audex/content"
	"xdao.co/audex/money"
)

// ListingID is assigned by the ledger, immutable, and never reused.
type ListingID uint64

func (id ListingID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseListingID parses a decimal listing id.
func ParseListingID(s string) (ListingID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid listing id %q", s)
	}
	return ListingID(v), nil
}

// Height is a ledger block height. Genesis is 0.
type Height uint64

// Party identifies an account on the ledger, e.g. "ed25519:<base64 pubkey>".
type Party string

// TxHandle identifies a submitted transition.
type TxHandle string

type TransitionKind string

const (
	CreateListing TransitionKind = "create_listing"
	Purchase      TransitionKind = "purchase"
	SetForSale    TransitionKind = "set_for_sale"
)

// TransitionRequest is a state transition the ledger executes atomically.
//
// IdempotencyKey is chosen by the caller and forwarded untouched; the ledger
// collapses duplicates carrying the same key for the same sender and target.
type TransitionRequest struct {
	Kind           TransitionKind     `json:"kind"`
	Sender         Party              `json:"sender"`
	IdempotencyKey string             `json:"idempotencyKey"`
	ListingID      ListingID          `json:"listingId,omitempty"`
	Title          string             `json:"title,omitempty"`
	Artist         string             `json:"artist,omitempty"`
	Content        *content.Reference `json:"content,omitempty"`
	Price          money.Amount       `json:"price"`
	Value          money.Amount       `json:"value"`
	ForSale        bool               `json:"forSale,omitempty"`
}

// SigningBytes is the canonical payload a Signer authorizes.
func (r TransitionRequest) SigningBytes() ([]byte, error) {
	return json.Marshal(r)
}

// SignedRequest is a TransitionRequest with an opaque authorization attached.
type SignedRequest struct {
	Request   TransitionRequest `json:"request"`
	Scheme    string            `json:"scheme"`
	Signature []byte            `json:"signature"`
}

// Receipt reports the inclusion of a transition.
type Receipt struct {
	Handle    TxHandle
	Height    Height
	Index     uint32
	Reverted  bool
	Reason    string
	ListingID ListingID
}

// Confirmations is head - height + 1, or 0 if head is below height.
func Confirmations(head, included Height) uint64 {
	if head < included {
		return 0
	}
	return uint64(head-included) + 1
}

// Listing is the ledger's record of one piece of content for sale.
type Listing struct {
	ID      ListingID
	Title   string
	Artist  string
	Content content.Reference
	Price   money.Amount
	Owner   Party
	ForSale bool
}

// Pending is a submitted, not yet confirmed transition.
type Pending struct {
	Handle  TxHandle
	Request TransitionRequest
}

// Confirmed is a transition included at the requested depth.
type Confirmed struct {
	Receipt
	Confirmations uint64
}

// EventType distinguishes feed events.
type EventType string

const (
	// EventApplied carries the post-transition snapshot of a listing.
	EventApplied EventType = "applied"
	// EventOrphaned says a previously delivered transition for ListingID was displaced.
	EventOrphaned EventType = "orphaned"
	// EventHead reports the height the feed has advanced to.
	EventHead EventType = "head"
)

// TransitionEvent is one element of the confirmed event feed.
type TransitionEvent struct {
	Type      EventType
	Height    Height
	Index     uint32
	Handle    TxHandle
	Kind      TransitionKind
	ListingID ListingID
	Listing   *Listing
}
