package ledger

import (
	"bytes"
	"encoding/json"
	"errors"

	"golang.org/x/xerrors"

	"xdao.co/audex/fault"
	"xdao.co/audex/money"
)

// Strict decoders for ledger payloads. Unknown fields, trailing data and
// missing required fields are all DecodeErrors; nothing loosely typed gets
// past this file.

type validator interface {
	validate() error
}

var null = []byte("null")

// decodeStrict decodes raw into v. A JSON null (or empty payload) reports
// present=false.
func decodeStrict(raw json.RawMessage, v validator) (present bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, null) {
		return false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return false, fault.Decode(err, "decode %T", v)
	}
	if dec.More() {
		return false, fault.Decode(errors.New("trailing data"), "decode %T", v)
	}
	if err := v.validate(); err != nil {
		return false, fault.Decode(err, "validate %T", v)
	}
	return true, nil
}

func (p *ReceiptPayload) validate() error {
	if p.Handle == "" {
		return xerrors.New("receipt: missing handle")
	}
	if p.Height == 0 {
		return xerrors.New("receipt: missing height")
	}
	if p.Reverted && p.Reason == "" {
		return xerrors.New("receipt: reverted without reason")
	}
	return nil
}

func (p *KeyPayload) validate() error {
	if p.Handle == "" {
		return xerrors.New("key: missing handle")
	}
	if p.Receipt != nil {
		if err := p.Receipt.validate(); err != nil {
			return err
		}
		if p.Receipt.Handle != p.Handle {
			return xerrors.Errorf("key: receipt handle %s does not match %s", p.Receipt.Handle, p.Handle)
		}
	}
	return nil
}

func (p *ListingPayload) validate() error {
	switch {
	case p.ID == 0:
		return xerrors.New("listing: missing id")
	case !p.Content.Defined():
		return xerrors.New("listing: missing content")
	case p.Price.Int == nil:
		return xerrors.New("listing: missing price")
	case p.Owner == "":
		return xerrors.New("listing: missing owner")
	}
	return nil
}

func (p *BalancePayload) validate() error {
	if p.Balance.Int == nil {
		return xerrors.New("balance: missing amount")
	}
	return nil
}

func (p *EventPayload) validate() error {
	switch p.Type {
	case RawApply:
		if p.Handle == "" || p.Height == 0 || p.Kind == "" {
			return xerrors.New("apply event: missing handle, height or kind")
		}
		if p.Listing != nil {
			return p.Listing.validate()
		}
		return nil
	case RawRevert:
		if p.Height == 0 {
			return xerrors.New("revert event: genesis cannot be reverted")
		}
		return nil
	case RawHead:
		return nil
	default:
		return xerrors.Errorf("unknown event type %q", p.Type)
	}
}

func DecodeReceipt(raw json.RawMessage) (*Receipt, error) {
	var p ReceiptPayload
	ok, err := decodeStrict(raw, &p)
	if err != nil || !ok {
		return nil, err
	}
	r := p.Receipt()
	return &r, nil
}

func DecodeListing(raw json.RawMessage) (*Listing, error) {
	var p ListingPayload
	ok, err := decodeStrict(raw, &p)
	if err != nil || !ok {
		return nil, err
	}
	l := p.Listing()
	return &l, nil
}

func DecodeEvent(raw json.RawMessage) (*EventPayload, error) {
	var p EventPayload
	ok, err := decodeStrict(raw, &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Decode(errors.New("null event"), "decode event")
	}
	return &p, nil
}

func decodeKey(raw json.RawMessage) (*KeyPayload, error) {
	var p KeyPayload
	ok, err := decodeStrict(raw, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func decodeBalance(raw json.RawMessage) (*BalancePayload, error) {
	var p BalancePayload
	ok, err := decodeStrict(raw, &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &BalancePayload{Balance: money.NewAmount(0)}, nil
	}
	return &p, nil
}
