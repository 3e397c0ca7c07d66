package casregistry

import (
	"context"
	"strings"
	"testing"

	"github.com/ipfs/go-cid"

	"xdao.co/audex/storage"
)

type nopCAS struct{}

func (nopCAS) Put(context.Context, []byte, string) (cid.Cid, error) { return cid.Undef, nil }
func (nopCAS) Get(context.Context, cid.Cid) ([]byte, error)       { return nil, storage.ErrNotFound }
func (nopCAS) Has(context.Context, cid.Cid) (bool, error)         { return false, nil }

func TestOpenChecksConfigKeys(t *testing.T) {
	var got map[string]string
	MustRegister(Backend{
		Name:    "test-nop",
		Usage:   UsageDaemon,
		Options: []Option{{Key: "dir", Required: true}, {Key: "mode"}},
		Open: func(cfg map[string]string) (storage.CAS, func() error, error) {
			got = cfg
			return nopCAS{}, nil, nil
		},
	})

	if _, _, err := Open("test-nop", UsageDaemon, map[string]string{"dir": "/x", "bogus": "1"}); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if _, _, err := Open("test-nop", UsageDaemon, map[string]string{"mode": "fast"}); err == nil || !strings.Contains(err.Error(), "dir") {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, _, err := Open("test-nop", UsageClient, map[string]string{"dir": "/x"}); err == nil {
		t.Fatalf("expected usage mismatch error")
	}
	if _, _, err := Open("test-nop", UsageDaemon, map[string]string{"dir": "/x"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got["dir"] != "/x" {
		t.Fatalf("config not passed through: %v", got)
	}
	if _, _, err := Open("does-not-exist", UsageDaemon, nil); err == nil {
		t.Fatalf("expected unknown backend error")
	}
	if err := Register(Backend{Name: "test-nop", Usage: UsageDaemon, Open: func(map[string]string) (storage.CAS, func() error, error) { return nil, nil, nil }}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}

	found := false
	for _, n := range Names(UsageDaemon) {
		if n == "test-nop" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Names did not include registered backend")
	}
}
