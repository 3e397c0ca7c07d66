package content

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"xdao.co/audex/cidutil"
	"xdao.co/audex/fault"
	"xdao.co/audex/metrics"
	"xdao.co/audex/storage"
)

var log = logging.Logger("content")

const (
	// DefaultMaxSize is the default per-blob ceiling.
	DefaultMaxSize = 15 << 20
	// DefaultTimeout bounds one shared store round trip.
	DefaultTimeout = time.Minute
)

// Blob is an upload before it has been stored.
type Blob struct {
	Data []byte
	// MediaType is the caller's MIME hint; it is sniffed from Data when empty.
	MediaType string
}

// Resolver stores blobs and returns their references.
type Resolver struct {
	store   storage.CAS
	maxSize uint64
	allowed map[MediaClass]struct{}

	// Timeout bounds the store round trip of one Resolve, shared by every
	// caller resolving the same digest.
	Timeout time.Duration

	inflight singleflight.Group
}

// NewResolver returns a Resolver writing to store. A zero maxSize means
// DefaultMaxSize; an empty allow-list means audio only.
func NewResolver(store storage.CAS, maxSize uint64, allowed []MediaClass) *Resolver {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	if len(allowed) == 0 {
		allowed = []MediaClass{Audio}
	}
	set := make(map[MediaClass]struct{}, len(allowed))
	for _, c := range allowed {
		set[c] = struct{}{}
	}
	return &Resolver{store: store, maxSize: maxSize, allowed: set, Timeout: DefaultTimeout}
}

// Check validates blob against the media allow-list and then the size
// ceiling, without touching the store.
func (r *Resolver) Check(blob Blob) (MediaClass, string, error) {
	if len(blob.Data) == 0 {
		return Unknown, "", fault.Validation(fault.InvalidMetadata, "content is empty")
	}
	mediaType := blob.MediaType
	if mediaType == "" {
		mediaType = Sniff(blob.Data)
	}
	class := ClassifyMIME(mediaType)
	if _, ok := r.allowed[class]; !ok {
		return Unknown, "", fault.Validation(fault.UnsupportedMediaClass, "media type %q is not accepted", mediaType)
	}
	if size := uint64(len(blob.Data)); size > r.maxSize {
		return Unknown, "", fault.Validation(fault.ContentTooLarge, "content is %s, limit is %s",
			humanize.IBytes(size), humanize.IBytes(r.maxSize))
	}
	return class, mediaType, nil
}

// Resolve stores blob (unless the store already holds its digest) and
// returns its reference once the store can serve it back.
func (r *Resolver) Resolve(ctx context.Context, blob Blob) (Reference, error) {
	class, mediaType, err := r.Check(blob)
	if err != nil {
		metrics.Measures.ResolverResults.WithLabelValues("rejected").Inc()
		return Reference{}, err
	}

	digest, err := cidutil.Sum(blob.Data)
	if err != nil {
		return Reference{}, err
	}
	ref := Reference{Digest: digest, Size: uint64(len(blob.Data)), Media: class}

	if err := ctx.Err(); err != nil {
		return Reference{}, fault.Transient(fault.Cancelled, err, "storing %s", digest)
	}
	// Identical concurrent uploads share one store round trip. It runs
	// detached from the caller that started it, bounded by Timeout.
	ch := r.inflight.DoChan(digest.KeyString(), func() (interface{}, error) {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return nil, r.store1(sctx, digest, blob.Data, mediaType)
	})
	select {
	case <-ctx.Done():
		return Reference{}, fault.Transient(fault.Cancelled, ctx.Err(), "storing %s", digest)
	case res := <-ch:
		if res.Err != nil {
			return Reference{}, res.Err
		}
		return ref, nil
	}
}

func (r *Resolver) store1(ctx context.Context, digest cid.Cid, data []byte, mediaType string) error {
	has, err := r.store.Has(ctx, digest)
	if err != nil {
		metrics.Measures.ResolverResults.WithLabelValues("unavailable").Inc()
		return r.storeErr(err, "has %s", digest)
	}
	if has {
		log.Debugw("content already stored", "digest", digest)
		metrics.Measures.ResolverResults.WithLabelValues("deduplicated").Inc()
	} else {
		got, err := r.store.Put(ctx, data, mediaType)
		if err != nil {
			metrics.Measures.ResolverResults.WithLabelValues("unavailable").Inc()
			return r.storeErr(err, "put %s", digest)
		}
		if !got.Equals(digest) {
			return fault.Transient(fault.StoreUnavailable, storage.ErrCIDMismatch, "store returned %s for %s", got, digest)
		}
		metrics.Measures.ResolverBytes.Add(float64(len(data)))
		metrics.Measures.ResolverResults.WithLabelValues("stored").Inc()
		log.Infow("content stored", "digest", digest, "size", humanize.IBytes(uint64(len(data))), "media", mediaType)
	}

	back, err := r.store.Get(ctx, digest)
	if err != nil {
		return r.storeErr(err, "read-back %s", digest)
	}
	if len(back) != len(data) {
		return fault.Transient(fault.StoreUnavailable, nil, "read-back %s returned %d bytes, wrote %d", digest, len(back), len(data))
	}
	return nil
}

// storeErr classifies a store failure. Not-found on read-back means the
// store acknowledged a write it cannot serve yet, and running out of Timeout
// means the store is too slow; both count as unavailability.
func (r *Resolver) storeErr(err error, format string, args ...any) error {
	return fault.Transient(fault.StoreUnavailable, err, format, args...)
}
