package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	AddressPrefix    = "addr_"
	credentialLength = 40
)

// NewAddress renders an address from a payment credential and an optional
// stake credential.
func NewAddress(paymentCredential, stakeCredential string) string {
	return AddressPrefix + paymentCredential + stakeCredential
}

// DecodeAddress splits addr into its credentials.
func DecodeAddress(addr string) (*AddressDetails, error) {
	body, ok := strings.CutPrefix(addr, AddressPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidAddress, AddressPrefix)
	}
	if len(body) != credentialLength && len(body) != 2*credentialLength {
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidAddress, len(body))
	}
	if strings.ToLower(body) != body {
		return nil, fmt.Errorf("%w: credentials must be lowercase hex", ErrInvalidAddress)
	}
	if _, err := hex.DecodeString(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	details := &AddressDetails{PaymentCredential: body[:credentialLength]}
	if len(body) == 2*credentialLength {
		details.StakeCredential = body[credentialLength:]
	}
	return details, nil
}
