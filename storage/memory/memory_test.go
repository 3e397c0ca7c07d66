package memory

import (
	"context"
	"testing"

	"xdao.co/audex/storage"
	"xdao.co/audex/storage/testkit"
)

func TestMemory_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		return New()
	})
}

func TestMemory_ReadLagAndUnavailable(t *testing.T) {
	ctx := context.Background()
	cas := New()
	cas.SetReadLag(2)

	id, err := cas.Put(ctx, []byte("slow replica"), "audio/ogg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := cas.Get(ctx, id); !storage.IsNotFound(err) {
			t.Fatalf("Get #%d during lag: %v", i, err)
		}
	}
	if _, err := cas.Get(ctx, id); err != nil {
		t.Fatalf("Get after lag: %v", err)
	}
	if cas.MediaHint(id) != "audio/ogg" {
		t.Fatalf("media hint not recorded")
	}

	cas.SetUnavailable(true)
	if _, err := cas.Put(ctx, []byte("x"), ""); !storage.IsUnavailable(err) {
		t.Fatalf("Put while unavailable: %v", err)
	}
	if _, err := cas.Has(ctx, id); !storage.IsUnavailable(err) {
		t.Fatalf("Has while unavailable: %v", err)
	}
	if cas.Puts() != 1 {
		t.Fatalf("Puts = %d, want 1", cas.Puts())
	}
}
