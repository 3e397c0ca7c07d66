// Package bundle moves content between stores as a deterministic TAR archive.
//
// Layout:
//
//	index.json          listing labels and per-block media hints (optional, first)
//	blocks/<cid>        raw bytes, one entry per distinct digest, sorted by CID
//
// The archive bytes depend only on the exported content: entry order is
// lexicographic and TAR headers are normalized.
package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/audex/cidutil"
	"xdao.co/audex/storage"
)

// FormatVersion is the current bundle index schema version.
const FormatVersion = 1

var epoch0 = time.Unix(0, 0).UTC()

// Item is one piece of content to export.
type Item struct {
	// Label names the item in the index, e.g. "listing/7". Optional.
	Label     string
	Digest    cid.Cid
	MediaHint string
}

// ExportOptions controls bundle export behavior.
type ExportOptions struct {
	// IncludeIndex controls whether index.json is included.
	IncludeIndex bool
}

// Export writes the blocks for items to w, reading them from cas.
// All exported bytes are validated against their CIDs.
func Export(ctx context.Context, w io.Writer, cas storage.CAS, items []Item, opts ExportOptions) error {
	if cas == nil {
		return fmt.Errorf("bundle: nil CAS")
	}

	hints := make(map[string]string, len(items))
	var labels []indexLabel
	for _, it := range items {
		if !it.Digest.Defined() {
			return storage.ErrInvalidCID
		}
		key := it.Digest.String()
		if _, ok := hints[key]; !ok || hints[key] == "" {
			hints[key] = it.MediaHint
		}
		if it.Label != "" {
			labels = append(labels, indexLabel{Name: it.Label, CID: key})
		}
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	for i := 1; i < len(labels); i++ {
		if labels[i].Name == labels[i-1].Name {
			return fmt.Errorf("bundle: duplicate label %q", labels[i].Name)
		}
	}

	cidStrings := make([]string, 0, len(hints))
	for s := range hints {
		cidStrings = append(cidStrings, s)
	}
	sort.Strings(cidStrings)

	payloads := make([][]byte, len(cidStrings))
	blocks := make([]indexBlock, len(cidStrings))
	for i, s := range cidStrings {
		id, err := cid.Decode(s)
		if err != nil {
			return storage.ErrInvalidCID
		}
		b, err := cas.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("bundle: get %s: %w", s, err)
		}
		if err := cidutil.Verify(id, b); err != nil {
			return storage.ErrCIDMismatch
		}
		payloads[i] = b
		blocks[i] = indexBlock{CID: s, Size: len(b), MediaHint: hints[s]}
	}

	tw := tar.NewWriter(w)
	if opts.IncludeIndex {
		b, err := marshalCanonicalIndexJSON(indexJSON{
			Version:   FormatVersion,
			CIDCodec:  "raw",
			Multihash: "sha2-256",
			Blocks:    blocks,
			Labels:    labels,
		})
		if err != nil {
			_ = tw.Close()
			return err
		}
		if err := writeFile(tw, "index.json", b); err != nil {
			_ = tw.Close()
			return err
		}
	}
	for i, s := range cidStrings {
		if err := writeFile(tw, "blocks/"+s, payloads[i]); err != nil {
			_ = tw.Close()
			return err
		}
	}
	return tw.Close()
}

// ImportOptions controls bundle import behavior.
type ImportOptions struct {
	// IgnoreUnknown controls whether unknown TAR entries are ignored.
	//
	// Default (false) is fail-closed: unknown entries cause Import to return an error.
	IgnoreUnknown bool
}

// Import reads a bundle from r and writes every block into cas, forwarding
// media hints from the index when present. It returns the index labels.
//
// Each block's bytes must match both the filename CID and the computed CID.
func Import(ctx context.Context, r io.Reader, cas storage.CAS, opts ImportOptions) (map[string]cid.Cid, error) {
	if cas == nil {
		return nil, fmt.Errorf("bundle: nil CAS")
	}

	tr := tar.NewReader(r)
	seen := map[string]struct{}{}
	hints := map[string]string{}
	labels := map[string]cid.Cid{}

	for {
		h, err := tr.Next()
		if err == io.EOF {
			return labels, nil
		}
		if err != nil {
			return nil, err
		}
		name := cleanTarPath(h.Name)
		if name == "" {
			return nil, fmt.Errorf("bundle: invalid entry path: %q", h.Name)
		}

		if h.Typeflag != tar.TypeReg {
			if opts.IgnoreUnknown {
				continue
			}
			return nil, fmt.Errorf("bundle: unexpected tar entry type: %v (%s)", h.Typeflag, name)
		}

		if name == "index.json" {
			var idx indexJSON
			if err := json.NewDecoder(tr).Decode(&idx); err != nil {
				return nil, fmt.Errorf("bundle: index.json: %w", err)
			}
			if idx.Version != FormatVersion {
				return nil, fmt.Errorf("bundle: unsupported index version %d", idx.Version)
			}
			for _, b := range idx.Blocks {
				hints[b.CID] = b.MediaHint
			}
			for _, l := range idx.Labels {
				id, err := cidutil.Parse(l.CID)
				if err != nil {
					return nil, storage.ErrInvalidCID
				}
				labels[l.Name] = id
			}
			continue
		}

		if !strings.HasPrefix(name, "blocks/") {
			if opts.IgnoreUnknown {
				_, _ = io.Copy(io.Discard, tr)
				continue
			}
			return nil, fmt.Errorf("bundle: unknown entry: %s", name)
		}

		cidStr := strings.TrimPrefix(name, "blocks/")
		id, derr := cid.Decode(cidStr)
		if derr != nil || !id.Defined() {
			return nil, storage.ErrInvalidCID
		}

		payload, rerr := io.ReadAll(tr)
		if rerr != nil {
			return nil, rerr
		}
		if err := cidutil.Verify(id, payload); err != nil {
			return nil, storage.ErrCIDMismatch
		}

		if _, ok := seen[cidStr]; ok {
			return nil, fmt.Errorf("bundle: duplicate block entry: %s", cidStr)
		}
		seen[cidStr] = struct{}{}

		putID, perr := cas.Put(ctx, payload, hints[cidStr])
		if perr != nil {
			return nil, perr
		}
		if !putID.Equals(id) {
			return nil, storage.ErrCIDMismatch
		}
	}
}

type indexJSON struct {
	Version   int          `json:"version"`
	CIDCodec  string       `json:"cidCodec"`
	Multihash string       `json:"multihash"`
	Blocks    []indexBlock `json:"blocks"`
	Labels    []indexLabel `json:"labels,omitempty"`
}

type indexBlock struct {
	CID       string `json:"cid"`
	Size      int    `json:"size"`
	MediaHint string `json:"mediaHint,omitempty"`
}

type indexLabel struct {
	Name string `json:"name"`
	CID  string `json:"cid"`
}

func marshalCanonicalIndexJSON(idx indexJSON) ([]byte, error) {
	// indexJSON is composed only of structs + slices; encoding/json will be deterministic.
	b, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(content))
	return err
}

func cleanTarPath(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ""
	}

	parts := strings.Split(name, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return strings.Join(parts, "/")
}
