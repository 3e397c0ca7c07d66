package ledger

import (
	"xdao.co/audex/content"
	"xdao.co/audex/money"
)

// Wire shapes of the Ledger capability's raw payloads. Ledger implementations
// encode these; the Gateway decodes them strictly.

type ReceiptPayload struct {
	Handle    TxHandle  `json:"handle"`
	Height    Height    `json:"height"`
	Index     uint32    `json:"index"`
	Reverted  bool      `json:"reverted"`
	Reason    string    `json:"reason,omitempty"`
	ListingID ListingID `json:"listingId,omitempty"`
}

// KeyPayload is the LookupKey result. Receipt is nil while the transition is pending.
type KeyPayload struct {
	Handle  TxHandle        `json:"handle"`
	Receipt *ReceiptPayload `json:"receipt,omitempty"`
}

type ListingPayload struct {
	ID      ListingID         `json:"id"`
	Title   string            `json:"title"`
	Artist  string            `json:"artist"`
	Content content.Reference `json:"content"`
	Price   money.Amount      `json:"price"`
	Owner   Party             `json:"owner"`
	ForSale bool              `json:"forSale"`
}

type BalancePayload struct {
	Party   Party        `json:"party"`
	Balance money.Amount `json:"balance"`
}

// Revert reason codes a ledger reports on reverted receipts.
const (
	RevertInvalidRequest      = "invalid_request"
	RevertNotFound            = "not_found"
	RevertNotForSale          = "not_for_sale"
	RevertPriceMismatch       = "price_mismatch"
	RevertInsufficientBalance = "insufficient_balance"
	RevertSelfPurchase        = "self_purchase"
	RevertNotOwner            = "not_owner"
	RevertBadSignature        = "bad_signature"
)

// Raw feed event types.
const (
	RawApply  = "apply"
	RawRevert = "revert"
	RawHead   = "head"
)

// EventPayload is one raw feed event.
//
//   - apply: the transition Handle was included at (Height, Index); Listing is
//     the post-state of the listing it touched (absent when it reverted).
//   - revert: every block at Height and above was displaced.
//   - head: the chain head is now Height.
type EventPayload struct {
	Type    string          `json:"type"`
	Height  Height          `json:"height"`
	Index   uint32          `json:"index,omitempty"`
	Handle  TxHandle        `json:"handle,omitempty"`
	Kind    TransitionKind  `json:"kind,omitempty"`
	Listing *ListingPayload `json:"listing,omitempty"`
}

func (p ListingPayload) Listing() Listing {
	return Listing{
		ID:      p.ID,
		Title:   p.Title,
		Artist:  p.Artist,
		Content: p.Content,
		Price:   p.Price,
		Owner:   p.Owner,
		ForSale: p.ForSale,
	}
}

// PayloadFor is the inverse of ListingPayload.Listing.
func PayloadFor(l Listing) ListingPayload {
	return ListingPayload{
		ID:      l.ID,
		Title:   l.Title,
		Artist:  l.Artist,
		Content: l.Content,
		Price:   l.Price,
		Owner:   l.Owner,
		ForSale: l.ForSale,
	}
}

func (p ReceiptPayload) Receipt() Receipt {
	return Receipt{
		Handle:    p.Handle,
		Height:    p.Height,
		Index:     p.Index,
		Reverted:  p.Reverted,
		Reason:    p.Reason,
		ListingID: p.ListingID,
	}
}
