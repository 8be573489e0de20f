// ABOUTME: Tests for bolt11 parsing: amounts per hrp multiplier and description tagged field.
// ABOUTME: Builds checksum-valid invoices with bech32.Encode rather than hand-copied vectors.

package aggregator

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildInvoice assembles a structurally valid (unsigned-garbage) bolt11
// string: 7 timestamp groups, a description tagged field, 104 signature
// groups.
func buildInvoice(hrp, description string) string {
	data := make([]byte, 7) // zero timestamp
	if description != "" {
		desc, err := bech32.ConvertBits([]byte(description), 8, 5, true)
		if err != nil {
			panic(err)
		}
		data = append(data, bolt11TagDescription, byte(len(desc)>>5), byte(len(desc)&31))
		data = append(data, desc...)
	}
	data = append(data, make([]byte, 104)...) // signature placeholder
	s, err := bech32.Encode(hrp, data)
	if err != nil {
		panic(err)
	}
	return s
}

var testInvoice = buildInvoice("lnbc2500u", "coffee")

func TestParseBolt11_AmountAndDescription(t *testing.T) {
	inv, err := ParseBolt11(testInvoice)
	require.NoError(t, err)
	assert.Equal(t, int64(250_000_000), inv.AmountMsat) // 2500 µBTC
	assert.Equal(t, "coffee", inv.Description)
	assert.False(t, inv.IsPaid)
}

func TestParseBolt11_Amounts(t *testing.T) {
	tests := []struct {
		hrp  string
		want int64
	}{
		{"lnbc1m", 100_000_000}, // 1 mBTC = 100k sat
		{"lnbc2500u", 250_000_000},
		{"lnbc250n", 25_000}, // 1 nBTC = 100 msat
		{"lnbc100p", 10},     // 100 pBTC = 10 msat
		{"lnbc", 0},          // amountless
		{"lntb500u", 50_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.hrp, func(t *testing.T) {
			inv, err := ParseBolt11(buildInvoice(tt.hrp, ""))
			require.NoError(t, err)
			assert.Equal(t, tt.want, inv.AmountMsat)
		})
	}
}

func TestParseBolt11_Rejects(t *testing.T) {
	_, err := ParseBolt11("not an invoice")
	assert.Error(t, err)

	// Valid bech32 but not a lightning hrp.
	s, err := bech32.Encode("bc", make([]byte, 120))
	require.NoError(t, err)
	_, err = ParseBolt11(s)
	assert.Error(t, err)
}
