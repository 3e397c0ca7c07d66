package casconfig

import (
	"context"
	"testing"

	"xdao.co/audex/storage"
	"xdao.co/audex/storage/casregistry"
	_ "xdao.co/audex/storage/localfs"
	_ "xdao.co/audex/storage/memory"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "empty", cfg: Config{}},
		{name: "single", cfg: Config{Backends: []BackendConfig{{Name: "memory"}}}, ok: true},
		{name: "dup", cfg: Config{Backends: []BackendConfig{{Name: "memory"}, {Name: "memory"}}}},
		{name: "dup-with-id", cfg: Config{Backends: []BackendConfig{{Name: "memory"}, {Name: "memory", ID: "b"}}}, ok: true},
		{name: "bad-policy", cfg: Config{WritePolicy: "some", Backends: []BackendConfig{{Name: "memory"}}}},
		{name: "no-name", cfg: Config{Backends: []BackendConfig{{ID: "x"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestOpenWritePolicies(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := Config{Backends: []BackendConfig{
		{Name: "memory", ID: "hot"},
		{Name: "localfs", Config: map[string]string{"dir": dir}},
	}}
	cas, closeFn, err := first.Open(casregistry.UsageClient, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn()
	if _, ok := cas.(storage.MultiCAS); !ok {
		t.Fatalf("write_policy first: got %T, want MultiCAS", cas)
	}
	if _, err := cas.Put(ctx, []byte("x"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	all := first
	all.WritePolicy = "all"
	cas, closeFn2, err := all.Open(casregistry.UsageClient, "localfs")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn2()
	rep, ok := cas.(storage.ReplicatingCAS)
	if !ok {
		t.Fatalf("write_policy all: got %T, want ReplicatingCAS", cas)
	}
	if rep.Backends[0].Name != "localfs" {
		t.Fatalf("preferred backend not first: %q", rep.Backends[0].Name)
	}
	id, byBackend, err := rep.PutAll(ctx, []byte("replicated"), "audio/mpeg")
	if err != nil {
		t.Fatalf("PutAll: %v", err)
	}
	if len(byBackend) != 2 || !byBackend["hot"].Equals(id) {
		t.Fatalf("unexpected per-backend map: %v", byBackend)
	}

	if _, _, err := first.Open(casregistry.UsageClient, "missing"); err == nil {
		t.Fatalf("expected error for unknown preferred backend")
	}
}
