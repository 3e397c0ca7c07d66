// Package rpc carries the Ledger capability over JSON-RPC.
package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"

	"xdao.co/audex/ledger"
	"xdao.co/audex/money"
)

const (
	LedgerNamespace = "Ledger"
	AdminNamespace  = "Admin"
)

// Admin is the operator surface of a simulated ledger.
type Admin interface {
	Fund(ctx context.Context, party ledger.Party, amount money.Amount) (money.Amount, error)
	Mine(ctx context.Context) (ledger.Height, error)
	Reorg(ctx context.Context, n int, reinclude bool) (ledger.Height, error)
}

type LedgerStruct struct {
	Internal struct {
		Execute       func(ctx context.Context, req ledger.SignedRequest) (ledger.TxHandle, error)
		GetReceipt    func(ctx context.Context, h ledger.TxHandle) (json.RawMessage, error)
		CurrentHeight func(ctx context.Context) (ledger.Height, error)
		EventsSince   func(ctx context.Context, from ledger.Height) (<-chan json.RawMessage, error)
		GetListing    func(ctx context.Context, id ledger.ListingID, at ledger.Height) (json.RawMessage, error)
		MaxListingID  func(ctx context.Context, at ledger.Height) (ledger.ListingID, error)
		LookupKey     func(ctx context.Context, sender ledger.Party, key string) (json.RawMessage, error)
		BalanceOf     func(ctx context.Context, party ledger.Party, at ledger.Height) (json.RawMessage, error)
	}
}

var _ ledger.Ledger = (*LedgerStruct)(nil)

func (s *LedgerStruct) Execute(ctx context.Context, req ledger.SignedRequest) (ledger.TxHandle, error) {
	return s.Internal.Execute(ctx, req)
}

func (s *LedgerStruct) GetReceipt(ctx context.Context, h ledger.TxHandle) (json.RawMessage, error) {
	return s.Internal.GetReceipt(ctx, h)
}

func (s *LedgerStruct) CurrentHeight(ctx context.Context) (ledger.Height, error) {
	return s.Internal.CurrentHeight(ctx)
}

func (s *LedgerStruct) EventsSince(ctx context.Context, from ledger.Height) (<-chan json.RawMessage, error) {
	return s.Internal.EventsSince(ctx, from)
}

func (s *LedgerStruct) GetListing(ctx context.Context, id ledger.ListingID, at ledger.Height) (json.RawMessage, error) {
	return s.Internal.GetListing(ctx, id, at)
}

func (s *LedgerStruct) MaxListingID(ctx context.Context, at ledger.Height) (ledger.ListingID, error) {
	return s.Internal.MaxListingID(ctx, at)
}

func (s *LedgerStruct) LookupKey(ctx context.Context, sender ledger.Party, key string) (json.RawMessage, error) {
	return s.Internal.LookupKey(ctx, sender, key)
}

func (s *LedgerStruct) BalanceOf(ctx context.Context, party ledger.Party, at ledger.Height) (json.RawMessage, error) {
	return s.Internal.BalanceOf(ctx, party, at)
}

type AdminStruct struct {
	Internal struct {
		Fund  func(ctx context.Context, party ledger.Party, amount money.Amount) (money.Amount, error)
		Mine  func(ctx context.Context) (ledger.Height, error)
		Reorg func(ctx context.Context, n int, reinclude bool) (ledger.Height, error)
	}
}

var _ Admin = (*AdminStruct)(nil)

func (s *AdminStruct) Fund(ctx context.Context, party ledger.Party, amount money.Amount) (money.Amount, error) {
	return s.Internal.Fund(ctx, party, amount)
}

func (s *AdminStruct) Mine(ctx context.Context) (ledger.Height, error) {
	return s.Internal.Mine(ctx)
}

func (s *AdminStruct) Reorg(ctx context.Context, n int, reinclude bool) (ledger.Height, error) {
	return s.Internal.Reorg(ctx, n, reinclude)
}

// NewClient creates a websocket JSON-RPC client for a ledger served by NewHandler.
func NewClient(ctx context.Context, addr string, requestHeader http.Header) (*LedgerStruct, jsonrpc.ClientCloser, error) {
	var res LedgerStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, LedgerNamespace,
		[]interface{}{
			&res.Internal,
		},
		requestHeader,
	)
	return &res, closer, err
}

// NewAdminClient creates a client for the operator surface.
func NewAdminClient(ctx context.Context, addr string, requestHeader http.Header) (*AdminStruct, jsonrpc.ClientCloser, error) {
	var res AdminStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, AdminNamespace,
		[]interface{}{
			&res.Internal,
		},
		requestHeader,
	)
	return &res, closer, err
}

// NewHandler serves l, and admin when it is non-nil.
func NewHandler(l ledger.Ledger, admin Admin) http.Handler {
	srv := jsonrpc.NewServer()
	srv.Register(LedgerNamespace, l)
	if admin != nil {
		srv.Register(AdminNamespace, admin)
	}
	return srv
}
