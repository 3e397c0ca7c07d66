package grpccas

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire messages of audex.storage.v1.CAS, field-compatible with:
//
//	message PutRequest { bytes data = 1; string media_hint = 2; }
//	message PutReply   { string cid = 1; }
//	message CIDRequest { string cid = 1; }
//	message GetReply   { bytes data = 1; }
//	message HasReply   { bool present = 1; }

type PutRequest struct {
	Data      []byte
	MediaHint string
}

type PutReply struct {
	CID string
}

type CIDRequest struct {
	CID string
}

type GetReply struct {
	Data []byte
}

type HasReply struct {
	Present bool
}

type message interface {
	marshal() []byte
	unmarshal(b []byte) error
}

func (m *PutRequest) marshal() []byte {
	var b []byte
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	if m.MediaHint != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.MediaHint)
	}
	return b
}

func (m *PutRequest) unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Data = append([]byte(nil), v...)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.MediaHint = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (m *PutReply) marshal() []byte   { return appendString(nil, 1, m.CID) }
func (m *CIDRequest) marshal() []byte { return appendString(nil, 1, m.CID) }

func (m *PutReply) unmarshal(b []byte) error   { return consumeString(b, 1, &m.CID) }
func (m *CIDRequest) unmarshal(b []byte) error { return consumeString(b, 1, &m.CID) }

func (m *GetReply) marshal() []byte {
	if len(m.Data) == 0 {
		return nil
	}
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, m.Data)
}

func (m *GetReply) unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			m.Data = append([]byte(nil), v...)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (m *HasReply) marshal() []byte {
	if !m.Present {
		return nil
	}
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(true))
}

func (m *HasReply) unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.Present = protowire.DecodeBool(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func consumeString(b []byte, want protowire.Number, dst *string) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == want && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			*dst = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

// consumeFields walks the tagged fields of b. field returns the number of
// bytes it consumed, or a negative protowire error code.
func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if n = field(num, typ, b); n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// codecName is the gRPC content subtype both ends negotiate.
const codecName = "audexcas"

type codec struct{}

func (codec) Name() string { return codecName }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("grpccas: cannot marshal %T", v)
	}
	return m.marshal(), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("grpccas: cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

func init() {
	encoding.RegisterCodec(codec{})
}
