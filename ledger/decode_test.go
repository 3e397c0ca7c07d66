package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"xdao.co/audex/fault"
)

func TestDecodeReceipt(t *testing.T) {
	r, err := DecodeReceipt(json.RawMessage(`null`))
	require.NoError(t, err)
	require.Nil(t, r)

	r, err = DecodeReceipt(json.RawMessage(`{"handle":"h1","height":4,"index":2,"reverted":false,"listingId":9}`))
	require.NoError(t, err)
	require.Equal(t, Receipt{Handle: "h1", Height: 4, Index: 2, ListingID: 9}, *r)

	bad := []string{
		`{"handle":"h1","height":4,"extra":1}`,
		`{"handle":"h1"}`,
		`{"height":3}`,
		`{"handle":"h1","height":4,"reverted":true}`,
		`{"handle":"h1","height":4} {}`,
		`[1,2]`,
		`{"handle":"h1","height":"four"}`,
	}
	for _, raw := range bad {
		_, err := DecodeReceipt(json.RawMessage(raw))
		require.Error(t, err, raw)
		require.Equal(t, fault.KindDecode, fault.KindOf(err), raw)
		require.True(t, fault.Is(err, fault.DecodeError), raw)
	}
}

func TestDecodeListing(t *testing.T) {
	good := `{"id":3,"title":"t","artist":"a","content":{"digest":"bafkreibnoelefnzgwbcacyt4vh52ymxvzbjq7mmqhtcnwarfq4lzegsiqe","size":1,"mediaClass":"audio"},"price":"25","owner":"ed25519:x","forSale":true}`
	l, err := DecodeListing(json.RawMessage(good))
	require.NoError(t, err)
	require.Equal(t, ListingID(3), l.ID)
	require.Equal(t, "25", l.Price.String())
	require.True(t, l.ForSale)

	for _, raw := range []string{
		`{"id":3,"title":"t","artist":"a","price":"25","owner":"o","forSale":true}`,
		`{"id":3,"title":"t","artist":"a","content":{"digest":"nope","size":1,"mediaClass":"audio"},"price":"25","owner":"o","forSale":true}`,
		`{"id":3,"title":"t","artist":"a","content":{"digest":"bafkreibnoelefnzgwbcacyt4vh52ymxvzbjq7mmqhtcnwarfq4lzegsiqe","size":1,"mediaClass":"audio"},"price":"-1","owner":"o","forSale":true}`,
		`{"id":3,"title":"t","artist":"a","content":{"digest":"bafkreibnoelefnzgwbcacyt4vh52ymxvzbjq7mmqhtcnwarfq4lzegsiqe","size":1,"mediaClass":"audio"},"price":"25","forSale":true}`,
	} {
		_, err := DecodeListing(json.RawMessage(raw))
		require.True(t, fault.IsKind(err, fault.KindDecode), "%s: %v", raw, err)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent(json.RawMessage(`{"type":"revert","height":5}`))
	require.NoError(t, err)
	require.Equal(t, RawRevert, ev.Type)

	for _, raw := range []string{
		`null`,
		`{"type":"revert","height":0}`,
		`{"type":"apply","height":2}`,
		`{"type":"bogus","height":2}`,
	} {
		_, err := DecodeEvent(json.RawMessage(raw))
		require.True(t, fault.IsKind(err, fault.KindDecode), raw)
	}
}

func TestDecodeBalanceNullIsZero(t *testing.T) {
	b, err := decodeBalance(json.RawMessage(`null`))
	require.NoError(t, err)
	require.True(t, b.Balance.IsZero())
}
