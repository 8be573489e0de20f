// ABOUTME: Minimal bolt11 invoice parsing for lightning metadata on chat messages
// ABOUTME: Extracts amount and description; payment correlation happens in the fold

package aggregator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// bolt11 tagged field types.
const (
	bolt11TagPaymentHash = 1
	bolt11TagDescription = 13
)

// ParseBolt11 extracts the amount (msat) and description from a bolt11
// invoice. Only the fields the chat view renders are decoded; signature
// verification is the wallet's concern.
func ParseBolt11(invoice string) (*LightningInvoice, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(invoice))
	if err != nil {
		return nil, fmt.Errorf("decoding invoice: %w", err)
	}
	if !strings.HasPrefix(hrp, "ln") {
		return nil, fmt.Errorf("not a lightning invoice hrp: %q", hrp)
	}

	amount, err := bolt11Amount(hrp)
	if err != nil {
		return nil, err
	}

	inv := &LightningInvoice{Invoice: invoice, AmountMsat: amount}

	// Data layout: 7 groups of timestamp, then tagged fields, then the
	// 104-group signature.
	if len(data) < 7+104 {
		return nil, fmt.Errorf("invoice data too short")
	}
	fields := data[7 : len(data)-104]
	for len(fields) >= 3 {
		tag := fields[0]
		length := int(fields[1])<<5 | int(fields[2])
		fields = fields[3:]
		if length > len(fields) {
			break
		}
		if tag == bolt11TagDescription {
			desc, err := bech32.ConvertBits(fields[:length], 5, 8, false)
			if err == nil {
				inv.Description = string(desc)
			}
		}
		fields = fields[length:]
	}
	return inv, nil
}

// bolt11Amount parses the amount encoded in the hrp after the "ln<network>"
// prefix, returning millisatoshis (0 when the invoice names no amount).
func bolt11Amount(hrp string) (int64, error) {
	rest := strings.TrimPrefix(hrp, "ln")
	// Strip the network prefix: bc, tb, bcrt, sb... everything up to the
	// first digit.
	i := strings.IndexFunc(rest, func(r rune) bool { return r >= '0' && r <= '9' })
	if i < 0 {
		return 0, nil // no amount
	}
	amountStr := rest[i:]

	multiplier := int64(1000) * 100_000_000 // default unit: whole bitcoin, in msat
	switch amountStr[len(amountStr)-1] {
	case 'm':
		multiplier /= 1000
		amountStr = amountStr[:len(amountStr)-1]
	case 'u':
		multiplier /= 1000_000
		amountStr = amountStr[:len(amountStr)-1]
	case 'n':
		multiplier /= 1000_000_000
		amountStr = amountStr[:len(amountStr)-1]
	case 'p':
		// Pico-bitcoin is a tenth of a millisatoshi; BOLT 11 requires the
		// value to be divisible by 10.
		n, err := strconv.ParseInt(amountStr[:len(amountStr)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing invoice amount: %w", err)
		}
		return n / 10, nil
	}
	n, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing invoice amount: %w", err)
	}
	return n * multiplier, nil
}

// invoiceFromTags parses the single "bolt11" tag on a kind-9 event, if
// present. A malformed invoice keeps the raw string so the UI can still
// show something.
func invoiceFromTags(ev *Event) *LightningInvoice {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "bolt11" && tag[1] != "" {
			inv, err := ParseBolt11(tag[1])
			if err != nil {
				return &LightningInvoice{Invoice: tag[1]}
			}
			return inv
		}
	}
	return nil
}

// paymentFromTags parses the "preimage" tag on a kind-9 event, if present.
func paymentFromTags(ev *Event) *LightningPayment {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "preimage" && tag[1] != "" {
			return &LightningPayment{Preimage: tag[1]}
		}
	}
	return nil
}
