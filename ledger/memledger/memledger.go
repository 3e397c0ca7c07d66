// Package memledger is an in-process ledger with blocks, reorgs and
// idempotency-key collapse. It backs tests and the audex-ledgerd daemon.
package memledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"xdao.co/audex/cidutil"
	"xdao.co/audex/ledger"
	"xdao.co/audex/money"
	"xdao.co/audex/signer"
)

var log = logging.Logger("memledger")

var ErrUnavailable = errors.New("memledger: unavailable")

type scope struct {
	sender    ledger.Party
	kind      ledger.TransitionKind
	listingID ledger.ListingID
	key       string
}

type keyRef struct {
	sender ledger.Party
	key    string
}

type tx struct {
	handle ledger.TxHandle
	req    ledger.SignedRequest
}

type inclusion struct {
	tx      *tx
	receipt ledger.ReceiptPayload
	listing *ledger.ListingPayload
}

type block struct {
	height ledger.Height
	txs    []*inclusion
}

type version[T any] struct {
	height ledger.Height
	value  T
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	blocks   []*block
	mempool  []*tx
	included map[ledger.TxHandle]*inclusion
	// live maps an idempotency scope to the handle of a transition that is
	// pending or canonically included.
	live     map[scope]ledger.TxHandle
	byKey    map[keyRef]*tx
	listings map[ledger.ListingID][]version[ledger.ListingPayload]
	balances map[ledger.Party][]version[money.Amount]
	maxID    []version[ledger.ListingID]
	nextID   ledger.ListingID

	subs        map[int]*subscriber
	nextSub     int
	unavailable bool
}

var _ ledger.Ledger = (*Ledger)(nil)

func New() *Ledger {
	return &Ledger{
		blocks:   []*block{{height: 0}},
		included: make(map[ledger.TxHandle]*inclusion),
		live:     make(map[scope]ledger.TxHandle),
		byKey:    make(map[keyRef]*tx),
		listings: make(map[ledger.ListingID][]version[ledger.ListingPayload]),
		balances: make(map[ledger.Party][]version[money.Amount]),
		nextID:   1,
		subs:     make(map[int]*subscriber),
	}
}

func (l *Ledger) head() ledger.Height {
	return l.blocks[len(l.blocks)-1].height
}

func (l *Ledger) check() error {
	if l.unavailable {
		return ErrUnavailable
	}
	return nil
}

// SetUnavailable makes every capability call fail with ErrUnavailable.
func (l *Ledger) SetUnavailable(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = v
}

func scopeOf(req ledger.TransitionRequest) scope {
	return scope{sender: req.Sender, kind: req.Kind, listingID: req.ListingID, key: req.IdempotencyKey}
}

func handleOf(sr ledger.SignedRequest) (ledger.TxHandle, error) {
	b, err := json.Marshal(sr)
	if err != nil {
		return "", err
	}
	id, err := cidutil.Sum(b)
	if err != nil {
		return "", err
	}
	return ledger.TxHandle(id.String()), nil
}

func (l *Ledger) Execute(ctx context.Context, sr ledger.SignedRequest) (ledger.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return "", err
	}
	if sr.Request.Sender == "" {
		return "", xerrors.New("request has no sender")
	}

	sc := scopeOf(sr.Request)
	if sr.Request.IdempotencyKey != "" {
		if h, ok := l.live[sc]; ok {
			log.Debugw("collapsed duplicate transition", "key", sc.key, "handle", h)
			return h, nil
		}
	}

	h, err := handleOf(sr)
	if err != nil {
		return "", xerrors.Errorf("computing handle: %w", err)
	}
	t := &tx{handle: h, req: sr}
	l.mempool = append(l.mempool, t)
	if sr.Request.IdempotencyKey != "" {
		l.live[sc] = h
		l.byKey[keyRef{sender: sc.sender, key: sc.key}] = t
	}
	return h, nil
}

func (l *Ledger) GetReceipt(ctx context.Context, h ledger.TxHandle) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}
	inc, ok := l.included[h]
	if !ok {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(inc.receipt)
}

func (l *Ledger) CurrentHeight(ctx context.Context) (ledger.Height, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return 0, err
	}
	return l.head(), nil
}

func at[T any](vs []version[T], h ledger.Height) (T, bool) {
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].height <= h {
			return vs[i].value, true
		}
	}
	var zero T
	return zero, false
}

func (l *Ledger) GetListing(ctx context.Context, id ledger.ListingID, h ledger.Height) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}
	p, ok := at(l.listings[id], h)
	if !ok {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(p)
}

func (l *Ledger) MaxListingID(ctx context.Context, h ledger.Height) (ledger.ListingID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return 0, err
	}
	id, _ := at(l.maxID, h)
	return id, nil
}

func (l *Ledger) LookupKey(ctx context.Context, sender ledger.Party, key string) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}
	t, ok := l.byKey[keyRef{sender: sender, key: key}]
	if !ok || l.live[scopeOf(t.req.Request)] != t.handle {
		return json.RawMessage("null"), nil
	}
	p := ledger.KeyPayload{Handle: t.handle}
	if inc, ok := l.included[t.handle]; ok {
		r := inc.receipt
		p.Receipt = &r
	}
	return json.Marshal(p)
}

func (l *Ledger) BalanceOf(ctx context.Context, party ledger.Party, h ledger.Height) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}
	b, _ := at(l.balances[party], h)
	return json.Marshal(ledger.BalancePayload{Party: party, Balance: money.Add(money.Zero, b)})
}

func (l *Ledger) balance(p ledger.Party, h ledger.Height) money.Amount {
	b, _ := at(l.balances[p], h)
	return b
}

func (l *Ledger) setBalance(p ledger.Party, h ledger.Height, a money.Amount) {
	vs := l.balances[p]
	if n := len(vs); n > 0 && vs[n-1].height == h {
		vs[n-1].value = a
		return
	}
	l.balances[p] = append(vs, version[money.Amount]{height: h, value: a})
}

func (l *Ledger) setListing(h ledger.Height, p ledger.ListingPayload) {
	vs := l.listings[p.ID]
	if n := len(vs); n > 0 && vs[n-1].height == h {
		vs[n-1].value = p
		return
	}
	l.listings[p.ID] = append(vs, version[ledger.ListingPayload]{height: h, value: p})
}

// Fund credits party at the current head. Credits made above genesis roll
// back with the block they were recorded at.
func (l *Ledger) Fund(party ledger.Party, amount money.Amount) money.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.head()
	nb := money.Add(l.balance(party, h), amount)
	l.setBalance(party, h, nb)
	log.Infow("funded", "party", party, "amount", amount, "balance", nb, "height", h)
	return nb
}

// Pending returns the number of queued transitions.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.mempool)
}

// Mine includes the whole mempool into a new block and returns its height.
func (l *Ledger) Mine() ledger.Height {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.head() + 1
	b := &block{height: h}
	queued := l.mempool
	l.mempool = nil
	for i, t := range queued {
		inc := l.apply(h, uint32(i), t)
		b.txs = append(b.txs, inc)
		l.included[t.handle] = inc
	}
	l.blocks = append(l.blocks, b)

	for _, inc := range b.txs {
		l.publish(applyEvent(h, inc))
	}
	l.publish(ledger.EventPayload{Type: ledger.RawHead, Height: h})
	if len(b.txs) > 0 {
		log.Debugw("mined block", "height", h, "txs", len(b.txs))
	}
	return h
}

func (l *Ledger) apply(h ledger.Height, idx uint32, t *tx) *inclusion {
	inc := &inclusion{
		tx:      t,
		receipt: ledger.ReceiptPayload{Handle: t.handle, Height: h, Index: idx},
	}
	post, reason := l.execute(h, t.req)
	if reason != "" {
		inc.receipt.Reverted = true
		inc.receipt.Reason = reason
		inc.receipt.ListingID = t.req.Request.ListingID
		return inc
	}
	inc.receipt.ListingID = post.ID
	inc.listing = post
	return inc
}

func (l *Ledger) execute(h ledger.Height, sr ledger.SignedRequest) (*ledger.ListingPayload, string) {
	if err := signer.VerifyRequest(sr); err != nil {
		return nil, ledger.RevertBadSignature
	}
	req := sr.Request
	switch req.Kind {
	case ledger.CreateListing:
		if req.Title == "" || req.Artist == "" || req.Content == nil || !req.Content.Defined() || req.Price.IsZero() {
			return nil, ledger.RevertInvalidRequest
		}
		id := l.nextID
		l.nextID++
		p := ledger.ListingPayload{
			ID:      id,
			Title:   req.Title,
			Artist:  req.Artist,
			Content: *req.Content,
			Price:   money.Add(money.Zero, req.Price),
			Owner:   req.Sender,
			ForSale: true,
		}
		l.setListing(h, p)
		l.maxID = append(l.maxID, version[ledger.ListingID]{height: h, value: id})
		return &p, ""

	case ledger.Purchase:
		p, ok := at(l.listings[req.ListingID], h)
		switch {
		case !ok:
			return nil, ledger.RevertNotFound
		case !p.ForSale:
			return nil, ledger.RevertNotForSale
		case !p.Price.Equals(req.Price) || !p.Price.Equals(req.Value):
			return nil, ledger.RevertPriceMismatch
		case p.Owner == req.Sender:
			return nil, ledger.RevertSelfPurchase
		case l.balance(req.Sender, h).Cmp(p.Price) < 0:
			return nil, ledger.RevertInsufficientBalance
		}
		l.setBalance(req.Sender, h, money.Sub(l.balance(req.Sender, h), p.Price))
		l.setBalance(p.Owner, h, money.Add(l.balance(p.Owner, h), p.Price))
		p.Owner = req.Sender
		p.ForSale = false
		l.setListing(h, p)
		return &p, ""

	case ledger.SetForSale:
		p, ok := at(l.listings[req.ListingID], h)
		switch {
		case !ok:
			return nil, ledger.RevertNotFound
		case p.Owner != req.Sender:
			return nil, ledger.RevertNotOwner
		case req.Price.IsZero():
			return nil, ledger.RevertInvalidRequest
		}
		p.Price = money.Add(money.Zero, req.Price)
		p.ForSale = req.ForSale
		l.setListing(h, p)
		return &p, ""
	}
	return nil, ledger.RevertInvalidRequest
}

// Reorg drops the last n blocks. Their transitions go back to the mempool in
// their original order when reinclude is set, otherwise they are discarded
// and their idempotency keys freed. Listing ids are never handed out again.
func (l *Ledger) Reorg(n int, reinclude bool) ledger.Height {
	l.mu.Lock()
	defer l.mu.Unlock()

	if top := len(l.blocks) - 1; n > top {
		n = top
	}
	if n <= 0 {
		return l.head()
	}
	dropped := l.blocks[len(l.blocks)-n:]
	l.blocks = l.blocks[:len(l.blocks)-n]
	newHead := l.head()

	var requeue []*tx
	for _, b := range dropped {
		for _, inc := range b.txs {
			delete(l.included, inc.tx.handle)
			if reinclude {
				requeue = append(requeue, inc.tx)
			} else {
				l.forget(inc.tx)
			}
		}
	}
	if reinclude {
		l.mempool = append(requeue, l.mempool...)
	}

	for id, vs := range l.listings {
		l.listings[id] = truncate(vs, newHead)
		if len(l.listings[id]) == 0 {
			delete(l.listings, id)
		}
	}
	for p, vs := range l.balances {
		l.balances[p] = truncate(vs, newHead)
	}
	l.maxID = truncate(l.maxID, newHead)

	log.Warnw("reorg", "dropped", n, "head", newHead, "reinclude", reinclude)
	l.publish(ledger.EventPayload{Type: ledger.RawRevert, Height: newHead + 1})
	l.publish(ledger.EventPayload{Type: ledger.RawHead, Height: newHead})
	return newHead
}

func (l *Ledger) forget(t *tx) {
	sc := scopeOf(t.req.Request)
	if l.live[sc] == t.handle {
		delete(l.live, sc)
	}
}

func truncate[T any](vs []version[T], h ledger.Height) []version[T] {
	n := len(vs)
	for n > 0 && vs[n-1].height > h {
		n--
	}
	return vs[:n]
}

// AutoMine mines a block every interval until ctx is done.
func (l *Ledger) AutoMine(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Mine()
		}
	}
}
