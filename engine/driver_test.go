package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"xdao.co/audex/fault"
	"xdao.co/audex/ledger"
)

func TestRejectionMapping(t *testing.T) {
	cases := map[string]fault.Reason{
		ledger.RevertNotFound:            fault.ListingNotFound,
		ledger.RevertNotForSale:          fault.NotForSale,
		ledger.RevertPriceMismatch:       fault.StalePrice,
		ledger.RevertInsufficientBalance: fault.InsufficientBalance,
		ledger.RevertSelfPurchase:        fault.SelfPurchase,
		ledger.RevertNotOwner:            fault.NotOwner,
		ledger.RevertBadSignature:        fault.InvalidMetadata,
		"out_of_gas":                     fault.Reverted,
	}
	for code, want := range cases {
		err := rejection(ledger.Receipt{Handle: "tx", Height: 4, Reverted: true, Reason: code})
		require.Equal(t, want, fault.ReasonOf(err), code)
		require.False(t, fault.Retryable(err), code)

		var rev *ledger.RevertError
		require.True(t, errors.As(err, &rev), code)
		require.Equal(t, code, rev.Receipt.Reason)
	}
	require.True(t, fault.IsKind(rejection(ledger.Receipt{Reason: "x"}), fault.KindFinality))
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.setDefaults()
	require.Equal(t, DefaultConfig(), c)

	c = Config{MaxAttempts: 2}
	c.setDefaults()
	require.Equal(t, 2, c.MaxAttempts)
}

func TestRequestHashDistinguishesRequests(t *testing.T) {
	a := PurchaseRequest{ListingID: 1}
	b := PurchaseRequest{ListingID: 2}
	require.NotEqual(t, a.hash(), b.hash())
	a.IdempotencyKey = "other"
	require.Equal(t, PurchaseRequest{ListingID: 1}.hash(), a.hash(), "the key itself is not part of the hash")
}
