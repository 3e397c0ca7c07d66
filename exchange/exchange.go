// Package exchange is the surface the CLI talks to. It converts decimal
// price strings to smallest units and back, fills in idempotency keys and
// default parties, and hands everything else to the engine and the catalog.
package exchange

import (
	"context"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"xdao.co/audex/catalog"
	"xdao.co/audex/content"
	"xdao.co/audex/engine"
	"xdao.co/audex/fault"
	"xdao.co/audex/ledger"
	"xdao.co/audex/model"
	"xdao.co/audex/money"
)

var log = logging.Logger("exchange")

type Engine interface {
	Publish(ctx context.Context, req engine.PublishRequest) (engine.Result, error)
	Purchase(ctx context.Context, req engine.PurchaseRequest) (engine.Result, error)
	Relist(ctx context.Context, req engine.RelistRequest) (engine.Result, error)
}

type Catalog interface {
	List(ctx context.Context, f catalog.Filter) ([]ledger.Listing, error)
}

type Config struct {
	// Decimals is the number of fraction digits in one whole unit.
	Decimals int32
	// DefaultParty is used when a request names no party.
	DefaultParty ledger.Party
}

type Service struct {
	eng Engine
	cat Catalog
	cfg Config
}

func New(eng Engine, cat Catalog, cfg Config) *Service {
	return &Service{eng: eng, cat: cat, cfg: cfg}
}

type PublishInput struct {
	Title     string
	Artist    string
	Price     string
	Data      []byte
	MediaType string
	Seller    ledger.Party
	// IdempotencyKey is generated when empty. Callers that may retry the
	// same publish should set it.
	IdempotencyKey string
}

func (s *Service) party(p ledger.Party, role string) (ledger.Party, error) {
	if p != "" {
		return p, nil
	}
	if s.cfg.DefaultParty == "" {
		return "", fault.Validation(fault.InvalidMetadata, "no %s given and no default party configured", role)
	}
	return s.cfg.DefaultParty, nil
}

func (s *Service) price(v string) (money.Amount, error) {
	a, err := money.Parse(v, s.cfg.Decimals)
	if err != nil {
		return money.Amount{}, &fault.Error{Kind: fault.KindValidation, Reason: fault.InvalidMetadata, Message: "invalid price", Cause: err}
	}
	return a, nil
}

func (s *Service) format(a money.Amount) string { return money.Format(a, s.cfg.Decimals) }

func newKey() string { return uuid.NewString() }

// Publish stores the content and lists it, returning the new listing id.
func (s *Service) Publish(ctx context.Context, in PublishInput) (ledger.ListingID, error) {
	seller, err := s.party(in.Seller, "seller")
	if err != nil {
		return 0, err
	}
	price, err := s.price(in.Price)
	if err != nil {
		return 0, err
	}
	key := in.IdempotencyKey
	if key == "" {
		key = newKey()
	}
	res, err := s.eng.Publish(ctx, engine.PublishRequest{
		Seller:         seller,
		IdempotencyKey: key,
		Title:          in.Title,
		Artist:         in.Artist,
		Price:          price,
		Blob:           content.Blob{Data: in.Data, MediaType: in.MediaType},
	})
	if err != nil {
		return 0, err
	}
	log.Infow("published", "listing", res.ListingID, "title", in.Title, "content", res.Content, "key", key)
	return res.ListingID, nil
}

// Purchase buys a listing at the offered price under a fresh idempotency key.
func (s *Service) Purchase(ctx context.Context, listingID string, buyer ledger.Party, offered string) (model.Receipt, error) {
	return s.PurchaseWithKey(ctx, newKey(), listingID, buyer, offered)
}

// PurchaseWithKey is Purchase for callers that retry: the same key never
// buys twice.
func (s *Service) PurchaseWithKey(ctx context.Context, key, listingID string, buyer ledger.Party, offered string) (model.Receipt, error) {
	id, err := ledger.ParseListingID(listingID)
	if err != nil {
		return model.Receipt{}, fault.Validation(fault.InvalidMetadata, "%v", err)
	}
	buyer, err = s.party(buyer, "buyer")
	if err != nil {
		return model.Receipt{}, err
	}
	price, err := s.price(offered)
	if err != nil {
		return model.Receipt{}, err
	}
	res, err := s.eng.Purchase(ctx, engine.PurchaseRequest{
		Buyer:          buyer,
		IdempotencyKey: key,
		ListingID:      id,
		OfferedPrice:   price,
	})
	if err != nil {
		return model.Receipt{}, err
	}
	return receipt(res), nil
}

// Relist changes the price or sale status of a listing the owner holds.
func (s *Service) Relist(ctx context.Context, listingID string, owner ledger.Party, price string, forSale bool) (model.Receipt, error) {
	id, err := ledger.ParseListingID(listingID)
	if err != nil {
		return model.Receipt{}, fault.Validation(fault.InvalidMetadata, "%v", err)
	}
	owner, err = s.party(owner, "owner")
	if err != nil {
		return model.Receipt{}, err
	}
	p, err := s.price(price)
	if err != nil {
		return model.Receipt{}, err
	}
	res, err := s.eng.Relist(ctx, engine.RelistRequest{
		Owner:          owner,
		IdempotencyKey: newKey(),
		ListingID:      id,
		Price:          p,
		ForSale:        forSale,
	})
	if err != nil {
		return model.Receipt{}, err
	}
	return receipt(res), nil
}

// ListCatalog returns the listings matching f in ascending id order.
func (s *Service) ListCatalog(ctx context.Context, f model.Filter) ([]model.Listing, error) {
	cf := catalog.Filter{
		Owner:       ledger.Party(f.Owner),
		Artist:      f.Artist,
		ForSaleOnly: f.ForSaleOnly,
	}
	if f.Media != "" {
		mc, err := content.ParseMediaClass(f.Media)
		if err != nil {
			return nil, fault.Validation(fault.InvalidMetadata, "%v", err)
		}
		cf.Media = mc
	}
	if f.MaxPrice != "" {
		p, err := s.price(f.MaxPrice)
		if err != nil {
			return nil, err
		}
		cf.MaxPrice = &p
	}

	ls, err := s.cat.List(ctx, cf)
	if err != nil {
		return nil, err
	}
	out := make([]model.Listing, 0, len(ls))
	for _, l := range ls {
		out = append(out, s.Listing(l))
	}
	return out, nil
}

// Listing projects l for display.
func (s *Service) Listing(l ledger.Listing) model.Listing {
	return model.Listing{
		ID:      l.ID.String(),
		Title:   l.Title,
		Artist:  l.Artist,
		Content: l.Content.Digest.String(),
		Media:   string(l.Content.Media),
		Size:    l.Content.Size,
		Price:   s.format(l.Price),
		Owner:   string(l.Owner),
		ForSale: l.ForSale,
	}
}

func receipt(res engine.Result) model.Receipt {
	r := model.Receipt{
		Protocol: res.Protocol,
		State:    string(res.State),
		Handle:   string(res.Receipt.Handle),
		Height:   uint64(res.Receipt.Height),
		Reverted: res.Receipt.Reverted,
		Reason:   res.Receipt.Reason,
		Attempts: res.Attempts,
		Replayed: res.Replayed,
	}
	if res.ListingID != 0 {
		r.ListingID = res.ListingID.String()
	}
	return r
}
