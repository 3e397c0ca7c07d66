// Package content turns raw blobs into immutable content references backed
// by a content-addressed store.
package content

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/ipfs/go-cid"

	"xdao.co/audex/cidutil"
)

// MediaClass is the coarse kind of a blob, derived from its MIME type.
type MediaClass string

const (
	Audio    MediaClass = "audio"
	Image    MediaClass = "image"
	Video    MediaClass = "video"
	Document MediaClass = "document"
	Unknown  MediaClass = ""
)

// ParseMediaClass accepts a class name as written in configuration.
func ParseMediaClass(s string) (MediaClass, error) {
	switch c := MediaClass(strings.ToLower(strings.TrimSpace(s))); c {
	case Audio, Image, Video, Document:
		return c, nil
	default:
		return Unknown, fmt.Errorf("content: unknown media class %q", s)
	}
}

// ClassifyMIME maps a MIME type such as "audio/mpeg; codecs=mp3" to its class.
func ClassifyMIME(mimeType string) MediaClass {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return Unknown
	}
	top, sub, _ := strings.Cut(mt, "/")
	switch top {
	case "audio":
		return Audio
	case "image":
		return Image
	case "video":
		return Video
	case "text":
		return Document
	case "application":
		switch sub {
		case "pdf", "epub+zip":
			return Document
		case "ogg":
			return Audio
		}
	}
	return Unknown
}

// Sniff guesses the MIME type of data when the caller supplied none.
func Sniff(data []byte) string {
	return http.DetectContentType(data)
}

// Reference is an immutable content-addressed identifier for a blob.
// Two references are equal iff their digests are equal.
type Reference struct {
	Digest cid.Cid
	Size   uint64
	Media  MediaClass
}

func (r Reference) Equal(o Reference) bool { return r.Digest.Equals(o.Digest) }

func (r Reference) Defined() bool { return r.Digest.Defined() }

func (r Reference) String() string {
	return fmt.Sprintf("%s (%s, %d bytes)", r.Digest, r.Media, r.Size)
}

type referenceJSON struct {
	Digest string     `json:"digest"`
	Size   uint64     `json:"size"`
	Media  MediaClass `json:"mediaClass"`
}

func (r Reference) MarshalJSON() ([]byte, error) {
	if !r.Digest.Defined() {
		return nil, fmt.Errorf("content: cannot encode reference with undefined digest")
	}
	return json.Marshal(referenceJSON{Digest: r.Digest.String(), Size: r.Size, Media: r.Media})
}

func (r *Reference) UnmarshalJSON(b []byte) error {
	var v referenceJSON
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("content: reference: %w", err)
	}
	id, err := cidutil.Parse(v.Digest)
	if err != nil {
		return err
	}
	if _, err := ParseMediaClass(string(v.Media)); err != nil {
		return err
	}
	*r = Reference{Digest: id, Size: v.Size, Media: v.Media}
	return nil
}
