package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"testing"

	"github.com/ipfs/go-cid"

	"xdao.co/audex/cidutil"
	"xdao.co/audex/storage"
	"xdao.co/audex/storage/localfs"
	"xdao.co/audex/storage/memory"
)

func put(t *testing.T, cas storage.CAS, b []byte, hint string) cid.Cid {
	t.Helper()
	id, err := cas.Put(context.Background(), b, hint)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return id
}

func TestBundle_ExportIsDeterministic(t *testing.T) {
	ctx := context.Background()
	cas, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	id1 := put(t, cas, []byte("hello"), "audio/mpeg")
	id2 := put(t, cas, []byte("world"), "audio/wav")

	itemsA := []Item{{Label: "listing/1", Digest: id1, MediaHint: "audio/mpeg"}, {Label: "listing/2", Digest: id2}}
	itemsB := []Item{itemsA[1], itemsA[0]}

	var a, b bytes.Buffer
	if err := Export(ctx, &a, cas, itemsA, ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatalf("Export(a): %v", err)
	}
	if err := Export(ctx, &b, cas, itemsB, ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatalf("Export(b): %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatalf("export depends on input order")
	}

	tr := tar.NewReader(bytes.NewReader(a.Bytes()))
	h, err := tr.Next()
	if err != nil {
		t.Fatalf("tar: %v", err)
	}
	if h.Name != "index.json" {
		t.Fatalf("first entry = %q, want index.json", h.Name)
	}
}

func TestBundle_ImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := memory.New()
	id := put(t, src, []byte("track bytes"), "audio/ogg")

	var buf bytes.Buffer
	if err := Export(ctx, &buf, src, []Item{{Label: "listing/9", Digest: id, MediaHint: "audio/ogg"}}, ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := memory.New()
	labels, err := Import(ctx, bytes.NewReader(buf.Bytes()), dst, ImportOptions{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !labels["listing/9"].Equals(id) {
		t.Fatalf("label not restored: %v", labels)
	}
	got, err := dst.Get(ctx, id)
	if err != nil || string(got) != "track bytes" {
		t.Fatalf("Get after import: %q %v", got, err)
	}
	if dst.MediaHint(id) != "audio/ogg" {
		t.Fatalf("media hint not restored: %q", dst.MediaHint(id))
	}
}

func TestBundle_ImportRejectsCIDMismatch(t *testing.T) {
	id, err := cidutil.Sum([]byte("expected"))
	if err != nil {
		t.Fatalf("cidutil.Sum: %v", err)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeFile(tw, "blocks/"+id.String(), []byte("tampered")); err != nil {
		t.Fatalf("writeFile: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dst := memory.New()
	if _, err := Import(context.Background(), &buf, dst, ImportOptions{}); err != storage.ErrCIDMismatch {
		t.Fatalf("Import: got %v, want ErrCIDMismatch", err)
	}
	if dst.Puts() != 0 {
		t.Fatalf("tampered block reached the store")
	}
}

func TestBundle_UnknownEntriesFailClosed(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeFile(tw, "notes.txt", []byte("hi")); err != nil {
		t.Fatalf("writeFile: %v", err)
	}
	_ = tw.Close()

	if _, err := Import(context.Background(), bytes.NewReader(buf.Bytes()), memory.New(), ImportOptions{}); err == nil {
		t.Fatalf("expected unknown entry to be rejected")
	}
	if _, err := Import(context.Background(), bytes.NewReader(buf.Bytes()), memory.New(), ImportOptions{IgnoreUnknown: true}); err != nil {
		t.Fatalf("IgnoreUnknown: %v", err)
	}
}
