// Package engine drives the publish, purchase and relist protocols against
// the content resolver, the ledger gateway and the catalog cache.
//
// Every protocol instance is identified by (protocol, sender, idempotency
// key). Concurrent duplicates share one execution, terminal outcomes from
// submission onward are memoized and journaled, and a key replayed with a
// different request is refused.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"xdao.co/audex/content"
	"xdao.co/audex/fault"
	"xdao.co/audex/journal"
	"xdao.co/audex/ledger"
	"xdao.co/audex/metrics"
	"xdao.co/audex/money"
)

var log = logging.Logger("engine")

const (
	ProtocolPublish  = "publish"
	ProtocolPurchase = "purchase"
	ProtocolRelist   = "relist"
)

// Resolver turns blobs into content references.
type Resolver interface {
	Resolve(ctx context.Context, blob content.Blob) (content.Reference, error)
}

// Gateway is the ledger surface the engine needs. *ledger.Gateway implements it.
type Gateway interface {
	Depth() uint64
	Submit(ctx context.Context, req ledger.TransitionRequest) (ledger.Pending, error)
	AwaitConfirmation(ctx context.Context, p ledger.Pending, depth uint64) (ledger.Confirmed, error)
	LookupKey(ctx context.Context, sender ledger.Party, key string) (*ledger.KeyStatus, error)
	Balance(ctx context.Context, party ledger.Party) (money.Amount, error)
}

// Cache is the catalog surface the engine needs. *catalog.Cache implements it.
type Cache interface {
	Get(ctx context.Context, id ledger.ListingID) (ledger.Listing, error)
	Refresh(ctx context.Context, id ledger.ListingID) (ledger.Listing, error)
	Invalidate(id ledger.ListingID)
}

type Config struct {
	// MaxAttempts bounds ledger submissions plus confirmation waits, and
	// retries of each transient step before submission.
	MaxAttempts          int
	ProtocolTimeout      time.Duration
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	MemoSize             int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:          4,
		ProtocolTimeout:      10 * time.Minute,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     15 * time.Second,
		MemoSize:             4096,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ProtocolTimeout <= 0 {
		c.ProtocolTimeout = d.ProtocolTimeout
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = d.RetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = d.RetryMaxInterval
	}
	if c.MemoSize <= 0 {
		c.MemoSize = d.MemoSize
	}
}

// Result describes where a protocol instance ended.
type Result struct {
	Protocol  string
	State     journal.State
	ListingID ledger.ListingID
	Receipt   ledger.Receipt
	Content   content.Reference
	Attempts  int
	// Replayed is set when the outcome was recorded by an earlier call with
	// the same idempotency key.
	Replayed bool

	submitted bool
}

type outcome struct {
	hash string
	res  Result
	err  error
}

type Engine struct {
	cfg      Config
	resolver Resolver
	gw       Gateway
	cache    Cache
	journal  *journal.Journal

	flight singleflight.Group
	memo   *lru.Cache[string, *outcome]

	lk     sync.Mutex
	active map[string]string
}

// New builds an engine. j may be nil, in which case outcomes are only
// memoized in memory.
func New(cfg Config, r Resolver, gw Gateway, cache Cache, j *journal.Journal) (*Engine, error) {
	cfg.setDefaults()
	memo, err := lru.New[string, *outcome](cfg.MemoSize)
	if err != nil {
		return nil, xerrors.Errorf("creating outcome memo: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		resolver: r,
		gw:       gw,
		cache:    cache,
		journal:  j,
		memo:     memo,
		active:   make(map[string]string),
	}, nil
}

func requestHash(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func instanceID(protocol string, sender ledger.Party, key string) string {
	return protocol + "\x00" + string(sender) + "\x00" + key
}

func conflict(protocol, key string) error {
	return fault.Validation(fault.IdempotencyConflict, "%s key %q was already used for a different request", protocol, key)
}

// run executes fn once per (protocol, sender, key), honoring the memo and
// the journal.
func (e *Engine) run(ctx context.Context, in *instance, fn func(ctx context.Context, in *instance) (Result, error)) (Result, error) {
	if in.key == "" {
		return Result{Protocol: in.protocol}, fault.Validation(fault.InvalidMetadata, "%s requires an idempotency key", in.protocol)
	}
	id := instanceID(in.protocol, in.sender, in.key)

	if o, ok := e.memo.Get(id); ok {
		return e.replay(in, o)
	}
	if e.journal != nil {
		rec, err := e.journal.Get(ctx, in.protocol, in.sender, in.key)
		switch {
		case err == nil && rec.RequestHash != in.hash:
			return Result{Protocol: in.protocol}, conflict(in.protocol, in.key)
		case err == nil && rec.State.Terminal():
			o := outcomeFromRecord(rec)
			e.memo.Add(id, o)
			return e.replay(in, o)
		case err != nil && !errors.Is(err, journal.ErrNotFound):
			return Result{Protocol: in.protocol}, xerrors.Errorf("reading journal: %w", err)
		}
	}

	e.lk.Lock()
	if h, ok := e.active[id]; ok && h != in.hash {
		e.lk.Unlock()
		return Result{Protocol: in.protocol}, conflict(in.protocol, in.key)
	} else if !ok {
		e.active[id] = in.hash
	}
	e.lk.Unlock()

	v, _, _ := e.flight.Do(id, func() (interface{}, error) {
		defer func() {
			e.lk.Lock()
			delete(e.active, id)
			e.lk.Unlock()
		}()
		if o, ok := e.memo.Get(id); ok {
			return o, nil
		}

		in.start = time.Now()
		in.caller = ctx
		pctx, cancel := context.WithTimeout(ctx, e.cfg.ProtocolTimeout)
		defer cancel()
		res, err := fn(pctx, in)
		res.Protocol = in.protocol
		res.Attempts = in.attempts
		e.observe(in, res, err)

		o := &outcome{hash: in.hash, res: res, err: err}
		if res.submitted && res.State.Terminal() {
			e.memo.Add(id, o)
		}
		return o, nil
	})
	o := v.(*outcome)
	if o.hash != in.hash {
		return Result{Protocol: in.protocol}, conflict(in.protocol, in.key)
	}
	return o.res, o.err
}

func (e *Engine) replay(in *instance, o *outcome) (Result, error) {
	if o.hash != in.hash {
		return Result{Protocol: in.protocol}, conflict(in.protocol, in.key)
	}
	log.Debugw("replaying recorded outcome", "protocol", in.protocol, "key", in.key, "state", o.res.State)
	res := o.res
	res.Replayed = true
	return res, o.err
}

func outcomeFromRecord(rec *journal.Record) *outcome {
	res := Result{
		Protocol:  rec.Protocol,
		State:     rec.State,
		ListingID: rec.ListingID,
		submitted: true,
	}
	if rec.Outcome != nil && rec.Outcome.Receipt != nil {
		res.Receipt = *rec.Outcome.Receipt
	}
	if rec.Request != nil && rec.Request.Content != nil {
		res.Content = *rec.Request.Content
	}
	return &outcome{hash: rec.RequestHash, res: res, err: rec.Outcome.Err()}
}

func (e *Engine) observe(in *instance, res Result, err error) {
	state := res.State
	if state == "" {
		state = journal.Rejected
	}
	metrics.Measures.ProtocolOutcomes.WithLabelValues(in.protocol, string(state)).Inc()
	metrics.Measures.ProtocolDuration.WithLabelValues(in.protocol).Observe(time.Since(in.start).Seconds())
	if in.attempts > 0 {
		metrics.Measures.ProtocolAttempts.WithLabelValues(in.protocol).Observe(float64(in.attempts))
	}
	if err != nil {
		log.Infow("protocol finished", "protocol", in.protocol, "key", in.key, "state", state,
			"kind", fault.KindOf(err), "reason", fault.ReasonOf(err), "abandoned", fault.IsAbandoned(err), "error", err)
		return
	}
	log.Infow("protocol finished", "protocol", in.protocol, "key", in.key, "state", state,
		"listing", res.ListingID, "height", res.Receipt.Height, "attempts", in.attempts)
}

// instance is the mutable state of one protocol execution.
type instance struct {
	protocol string
	sender   ledger.Party
	key      string
	hash     string

	// caller is the context the protocol was started with, before the
	// protocol time budget was applied.
	caller context.Context
	start  time.Time

	state     journal.State
	attempts  int
	listing   ledger.ListingID
	submitted bool
	confirmed bool
	rec       *journal.Record
}

func (in *instance) enter(st journal.State) {
	log.Debugw("protocol state", "protocol", in.protocol, "key", in.key, "from", in.state, "to", st)
	in.state = st
}

// persist writes the instance's journal record. Journal writes are not
// bound to the caller's context: a cancelled caller must still leave an
// accurate record behind.
func (e *Engine) persist(ctx context.Context, in *instance) {
	if e.journal == nil || in.rec == nil {
		return
	}
	in.rec.State = in.state
	if err := e.journal.Put(context.WithoutCancel(ctx), in.rec); err != nil {
		log.Errorw("writing journal record", "protocol", in.protocol, "key", in.key, "state", in.state, "error", err)
	}
}
