package index

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes sources in Core Deterministic form: sorted map keys and
// shortest integer encodings, so equal documents produce equal bytes.
var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("index: cbor encoder options: %v", err))
	}
	return em
}()

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("index: cbor decoder options: %v", err))
	}
	return dm
}()

// EncodeSource returns the canonical encoding of a document's fields
func EncodeSource(fields map[string]any) ([]byte, error) {
	return encMode.Marshal(fields)
}

// DecodeSource decodes a stored source. Timestamps come back as RFC 3339
// strings.
func DecodeSource(b []byte) (map[string]any, error) {
	var fields map[string]any
	if err := decMode.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("index: decode source: %w", err)
	}
	return fields, nil
}
