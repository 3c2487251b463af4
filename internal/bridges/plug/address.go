package plug

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is the 48-bit hardware address of a plug.
//
// It is stored in the low 48 bits of a uint64, so equality and ordering
// are plain integer comparisons and the value can be used as a map key.
type Address uint64

// Address layout constants.
const (
	// AddressLen is the number of octets in a hardware address.
	AddressLen = 6

	// maxAddress is the largest value representable in 48 bits.
	maxAddress = 1<<48 - 1
)

// ParseAddress parses a hardware address string.
//
// Accepts formats:
//   - "accf23123456": 12 hex digits
//   - "ac:cf:23:12:34:56": six colon-separated octets
//   - "AC-CF-23-12-34-56": six dash-separated octets
//
// Parameters:
//   - s: Address string (hex digits are case-insensitive)
//
// Returns:
//   - Address: Parsed address
//   - error: ErrInvalidAddress if parsing fails
func ParseAddress(s string) (Address, error) {
	compact := s
	if len(s) > 2 && (s[2] == ':' || s[2] == '-') {
		parts := strings.Split(s, s[2:3])
		if len(parts) != AddressLen {
			return 0, fmt.Errorf("%w: expected %d octets, got %q", ErrInvalidAddress, AddressLen, s)
		}
		for _, p := range parts {
			if len(p) != 2 {
				return 0, fmt.Errorf("%w: octet %q must be two hex digits", ErrInvalidAddress, p)
			}
		}
		compact = strings.Join(parts, "")
	}

	if len(compact) != AddressLen*2 {
		return 0, fmt.Errorf("%w: expected %d hex digits, got %q", ErrInvalidAddress, AddressLen*2, s)
	}

	raw, err := hex.DecodeString(compact)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not hex", ErrInvalidAddress, s)
	}

	return AddressFromBytes(raw), nil
}

// AddressFromBytes builds an Address from the first six bytes of b in
// network order. It panics if b is shorter than AddressLen.
func AddressFromBytes(b []byte) Address {
	_ = b[AddressLen-1]
	var v uint64
	for i := range AddressLen {
		v = v<<8 | uint64(b[i])
	}
	return Address(v)
}

// Bytes returns the six octets of the address in network order.
func (a Address) Bytes() [AddressLen]byte {
	var out [AddressLen]byte
	v := uint64(a)
	for i := AddressLen - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// Reversed returns the six octets in reverse order, as carried by the
// unlock and discovery payloads.
func (a Address) Reversed() [AddressLen]byte {
	b := a.Bytes()
	for i, j := 0, AddressLen-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// Valid reports whether the address fits in 48 bits.
func (a Address) Valid() bool {
	return a <= maxAddress
}

// String returns the address in separated form.
//
// Example: "ac:cf:23:12:34:56"
func (a Address) String() string {
	b := a.Bytes()
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

// Compact returns the address as 12 hex digits without separators.
//
// Example: "accf23123456"
func (a Address) Compact() string {
	b := a.Bytes()
	return hex.EncodeToString(b[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
