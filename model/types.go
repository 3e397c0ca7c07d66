package model

// Listing is a catalog entry as shown to users. Price is a decimal string in
// whole units.
type Listing struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Content string `json:"content"`
	Media   string `json:"media"`
	Size    uint64 `json:"size"`
	Price   string `json:"price"`
	Owner   string `json:"owner"`
	ForSale bool   `json:"forSale"`
}

// Receipt reports a confirmed (or rejected) transition.
type Receipt struct {
	Protocol  string `json:"protocol"`
	State     string `json:"state"`
	ListingID string `json:"listingId,omitempty"`
	Handle    string `json:"handle,omitempty"`
	Height    uint64 `json:"height"`
	Reverted  bool   `json:"reverted,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Attempts  int    `json:"attempts"`
	Replayed  bool   `json:"replayed,omitempty"`
}

// Filter selects catalog entries. Empty fields match everything; MaxPrice is
// a decimal string.
type Filter struct {
	Owner       string `json:"owner,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Media       string `json:"media,omitempty"`
	MaxPrice    string `json:"maxPrice,omitempty"`
	ForSaleOnly bool   `json:"forSaleOnly,omitempty"`
}

// Key is a keystore entry as listed by the CLI.
type Key struct {
	Name  string   `json:"name"`
	Party string   `json:"party"`
	Roles []string `json:"roles,omitempty"`
}
