package signer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"xdao.co/audex/ledger"
)

var ErrUnknownParty = errors.New("no key for party")

// Keyring authorizes transitions for the parties whose keys it holds.
type Keyring struct {
	mu   sync.RWMutex
	keys map[ledger.Party]*Key
}

var _ ledger.Signer = (*Keyring)(nil)

func NewKeyring(keys ...*Key) *Keyring {
	kr := &Keyring{keys: make(map[ledger.Party]*Key, len(keys))}
	for _, k := range keys {
		kr.Add(k)
	}
	return kr
}

func (kr *Keyring) Add(k *Key) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[k.Party()] = k
}

func (kr *Keyring) Has(p ledger.Party) bool {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	_, ok := kr.keys[p]
	return ok
}

// Parties returns the held parties, sorted.
func (kr *Keyring) Parties() []ledger.Party {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	out := make([]ledger.Party, 0, len(kr.keys))
	for p := range kr.keys {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Authorize signs req with the key of req.Sender.
func (kr *Keyring) Authorize(ctx context.Context, req ledger.TransitionRequest) (ledger.SignedRequest, error) {
	if err := ctx.Err(); err != nil {
		return ledger.SignedRequest{}, err
	}
	kr.mu.RLock()
	k, ok := kr.keys[req.Sender]
	kr.mu.RUnlock()
	if !ok {
		return ledger.SignedRequest{}, fmt.Errorf("%w: %s", ErrUnknownParty, req.Sender)
	}
	payload, err := req.SigningBytes()
	if err != nil {
		return ledger.SignedRequest{}, err
	}
	sig, err := k.Sign(payload)
	if err != nil {
		return ledger.SignedRequest{}, err
	}
	return ledger.SignedRequest{Request: req, Scheme: k.Scheme(), Signature: sig}, nil
}
