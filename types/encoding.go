package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Wire frames, stored values and checkpoints all use deterministic CBOR so
// a payload hashes identically on every node.

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encode mode: %s", err))
	}
	return em
}()

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode mode: %s", err))
	}
	return dm
}()

// Marshal encodes v as deterministic CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes strict CBOR into v. Unknown fields, duplicate map keys
// and indefinite-length items are rejected.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
