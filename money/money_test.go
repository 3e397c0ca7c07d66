package money

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in       string
		decimals int32
		want     string
		wantErr  bool
	}{
		{in: "0.50", decimals: 18, want: "500000000000000000"},
		{in: "1", decimals: 18, want: "1000000000000000000"},
		{in: "0.000000000000000001", decimals: 18, want: "1"},
		{in: "12.345", decimals: 3, want: "12345"},
		{in: " 2.5 ", decimals: 2, want: "250"},
		{in: "0.001", decimals: 2, wantErr: true},
		{in: "-1", decimals: 18, wantErr: true},
		{in: "abc", decimals: 18, wantErr: true},
		{in: "", decimals: 18, wantErr: true},
		{in: "1e900000000", decimals: 18, wantErr: true},
		{in: "5E-1", decimals: 18, wantErr: true},
		{in: ".5", decimals: 18, wantErr: true},
		{in: strings.Repeat("9", 81), decimals: 0, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in, tc.decimals)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got.String())
		})
	}
}

func TestFormat(t *testing.T) {
	half, err := Parse("0.50", DefaultDecimals)
	require.NoError(t, err)
	require.Equal(t, "0.50", Format(half, DefaultDecimals))
	require.Equal(t, "0.00", Format(Zero, DefaultDecimals))
	require.Equal(t, "1.25", Format(NewAmount(125), 2))
	require.Equal(t, "0.001", Format(NewAmount(1), 3))
	require.Equal(t, "7.00", Format(NewAmount(7), 0))
}

func TestCompareWithoutFloat(t *testing.T) {
	a, err := Parse("0.1", DefaultDecimals)
	require.NoError(t, err)
	b, err := Parse("0.2", DefaultDecimals)
	require.NoError(t, err)
	c, err := Parse("0.3", DefaultDecimals)
	require.NoError(t, err)
	require.True(t, Add(a, b).Equals(c))
	require.Equal(t, -1, a.Cmp(b))
	require.True(t, Sub(c, b).Equals(a))
	require.True(t, Zero.IsZero())
}

func TestAmountJSON(t *testing.T) {
	type wrapper struct {
		Price Amount `json:"price"`
	}
	b, err := json.Marshal(wrapper{Price: NewAmount(42)})
	require.NoError(t, err)
	require.JSONEq(t, `{"price":"42"}`, string(b))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"price":"900"}`), &w))
	require.Equal(t, "900", w.Price.String())
	require.Error(t, json.Unmarshal([]byte(`{"price":900}`), &w))
	require.Error(t, json.Unmarshal([]byte(`{"price":"-3"}`), &w))
}
