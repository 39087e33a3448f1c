package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// HashLength is the byte length of a Hash.
	HashLength = 32
	// AddressLength is the byte length of an Address.
	AddressLength = 20
)

// Hash is the keccak-256 digest that identifies one chain item: a header,
// the body belonging to it, or any other content-addressed payload.
type Hash [HashLength]byte

// HashData returns the keccak-256 digest of data.
func HashData(data []byte) Hash {
	var h Hash
	d := sha3.NewLegacyKeccak256()
	d.Write(data)
	d.Sum(h[:0])
	return h
}

// BytesToHash copies b into a Hash. Inputs longer than HashLength keep the
// trailing bytes, shorter inputs are left-padded with zeroes.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

// HexToHash parses a hex string, with or without a 0x prefix, into a Hash.
func HexToHash(s string) (Hash, error) {
	b, err := decodeHex(s, HashLength)
	if err != nil {
		return Hash{}, fmt.Errorf("parse hash: %w", err)
	}
	return BytesToHash(b), nil
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// Short returns an abbreviated form for log lines.
func (h Hash) Short() string {
	return fmt.Sprintf("%x..%x", h[:3], h[29:])
}

// Address is a 20-byte account address, carried opaquely in receipts.
type Address [AddressLength]byte

// BytesToAddress copies b into an Address, truncating or left-padding the
// same way BytesToHash does.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

// HexToAddress parses a hex string, with or without a 0x prefix, into an
// Address.
func HexToAddress(s string) (Address, error) {
	b, err := decodeHex(s, AddressLength)
	if err != nil {
		return Address{}, fmt.Errorf("parse address: %w", err)
	}
	return BytesToAddress(b), nil
}

// Bytes returns the address as a byte slice.
func (a Address) Bytes() []byte { return a[:] }

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

func decodeHex(s string, want int) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != want {
		return nil, fmt.Errorf("expected %d bytes, got %d", want, len(b))
	}
	return b, nil
}
