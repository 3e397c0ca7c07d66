package ipfs

import (
	"context"
	"errors"
	"testing"

	"xdao.co/audex/cidutil"
	"xdao.co/audex/storage"
)

func TestMissingBinaryIsUnavailable(t *testing.T) {
	cas := New(Options{Bin: "/nonexistent/ipfs-binary-for-test"})
	ctx := context.Background()

	if _, err := cas.Put(ctx, []byte("x"), ""); !storage.IsUnavailable(err) {
		t.Fatalf("Put: got %v, want ErrUnavailable", err)
	}
	id, _ := cidutil.Sum([]byte("x"))
	if _, err := cas.Has(ctx, id); !storage.IsUnavailable(err) {
		t.Fatalf("Has: got %v, want ErrUnavailable", err)
	}
}

func TestErrorClassifiers(t *testing.T) {
	if !isLikelyNotFound(errors.New("ipfs: block not found locally")) {
		t.Fatalf("expected not-found classification")
	}
	if isLikelyNotFound(nil) {
		t.Fatalf("nil is not a not-found error")
	}
	if !isRepoLocked("Error: someone else has the lock") {
		t.Fatalf("expected lock classification")
	}
}
