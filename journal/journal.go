// Package journal durably records protocol instances from the moment they
// reach the ledger, so that an interrupted purchase or publish can be
// reconciled against the ledger after a restart.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	levelds "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"golang.org/x/xerrors"

	"xdao.co/audex/fault"
	"xdao.co/audex/ledger"
)

var log = logging.Logger("journal")

var ErrNotFound = errors.New("journal record not found")

type State string

const (
	Drafted            State = "Drafted"
	ContentResolved    State = "ContentResolved"
	Requested          State = "Requested"
	PricedAndValidated State = "PricedAndValidated"
	SubmittedOnChain   State = "SubmittedOnChain"
	Confirmed          State = "Confirmed"
	Rejected           State = "Rejected"
	Abandoned          State = "Abandoned"
)

func (s State) Terminal() bool {
	return s == Confirmed || s == Rejected || s == Abandoned
}

// Outcome is the terminal result of a protocol instance. Receipt is set when
// the ledger included the transition, Kind when the instance failed; a
// rejected transition carries both.
type Outcome struct {
	Receipt   *ledger.Receipt `json:",omitempty"`
	Kind      fault.Kind      `json:",omitempty"`
	Reason    fault.Reason    `json:",omitempty"`
	Message   string          `json:",omitempty"`
	Abandoned bool            `json:",omitempty"`
}

// OutcomeOf captures err as an Outcome. Non-taxonomy errors are recorded as
// Transient failures.
func OutcomeOf(err error) *Outcome {
	var fe *fault.Error
	if errors.As(err, &fe) {
		msg := fe.Message
		if fe.Cause != nil {
			msg += ": " + fe.Cause.Error()
		}
		return &Outcome{Kind: fe.Kind, Reason: fe.Reason, Message: msg, Abandoned: fe.Abandoned}
	}
	return &Outcome{Kind: fault.KindTransient, Message: err.Error()}
}

// Err rebuilds the recorded error, or nil for a success.
func (o *Outcome) Err() error {
	if o == nil || o.Kind == "" {
		return nil
	}
	return &fault.Error{Kind: o.Kind, Reason: o.Reason, Message: o.Message, Abandoned: o.Abandoned}
}

type Record struct {
	Protocol    string
	Sender      ledger.Party
	Key         string
	RequestHash string
	State       State
	Request     *ledger.TransitionRequest `json:",omitempty"`
	Handle      ledger.TxHandle           `json:",omitempty"`
	ListingID   ledger.ListingID          `json:",omitempty"`
	Outcome     *Outcome                  `json:",omitempty"`
	Updated     time.Time
}

// Journal is a go-datastore backed record store.
type Journal struct {
	lk sync.Mutex

	ds     datastore.Batching
	closer func() error
}

func New(ds datastore.Batching) *Journal {
	return &Journal{ds: namespace.Wrap(ds, datastore.NewKey("/audex/journal/"))}
}

// Open opens (or creates) a leveldb-backed journal at path.
func Open(path string) (*Journal, error) {
	p, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expand journal path: %w", err)
	}
	ds, err := levelds.NewDatastore(p, &levelds.Options{
		Compression: ldbopts.NoCompression,
		NoSync:      false,
		Strict:      ldbopts.StrictAll,
		ReadOnly:    false,
	})
	if err != nil {
		return nil, xerrors.Errorf("open leveldb: %w", err)
	}
	j := New(ds)
	j.closer = ds.Close
	return j, nil
}

func (j *Journal) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer()
}

func dskey(protocol string, sender ledger.Party, key string) datastore.Key {
	h := sha256.Sum256([]byte(string(sender) + "\x00" + key))
	return datastore.KeyWithNamespaces([]string{protocol, hex.EncodeToString(h[:])})
}

func (j *Journal) Get(ctx context.Context, protocol string, sender ledger.Party, key string) (*Record, error) {
	b, err := j.ds.Get(ctx, dskey(protocol, sender, key))
	if err == datastore.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("journal get: %w", err)
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, xerrors.Errorf("decoding journal record: %w", err)
	}
	return &r, nil
}

// Put writes r. A terminal record is never overwritten by a non-terminal one.
func (j *Journal) Put(ctx context.Context, r *Record) error {
	j.lk.Lock()
	defer j.lk.Unlock()

	k := dskey(r.Protocol, r.Sender, r.Key)
	if !r.State.Terminal() {
		prev, err := j.Get(ctx, r.Protocol, r.Sender, r.Key)
		switch {
		case err == nil && prev.State.Terminal():
			log.Warnw("refusing to regress terminal record", "protocol", r.Protocol, "key", r.Key, "state", prev.State, "to", r.State)
			return nil
		case err != nil && err != ErrNotFound:
			return err
		}
	}
	r.Updated = time.Now().UTC()
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := j.ds.Put(ctx, k, b); err != nil {
		return xerrors.Errorf("journal put: %w", err)
	}
	return j.ds.Sync(ctx, k)
}

// Unfinished returns every record that has not reached a terminal state.
func (j *Journal) Unfinished(ctx context.Context) ([]*Record, error) {
	res, err := j.ds.Query(ctx, dsq.Query{})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var out []*Record
	for {
		res, ok := res.NextSync()
		if !ok {
			break
		}
		if res.Error != nil {
			return nil, res.Error
		}
		var r Record
		if err := json.Unmarshal(res.Value, &r); err != nil {
			return nil, xerrors.Errorf("failed reading journal record (%q): %w", res.Key, err)
		}
		if !r.State.Terminal() {
			out = append(out, &r)
		}
	}
	return out, nil
}
