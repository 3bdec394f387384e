// Package codec encodes publish payloads for the wire.
//
// JSON is the default and matches what browser clients of the gateway
// send. CBOR uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical payload always produces identical bytes.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Encoding names a payload wire format.
type Encoding string

const (
	JSON Encoding = "json"
	CBOR Encoding = "cbor"
)

// Codec turns an arbitrary payload value into wire bytes.
type Codec interface {
	Encode(v any) ([]byte, error)
	Encoding() Encoding
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// New returns the codec for enc. An empty encoding selects JSON.
func New(enc Encoding) (Codec, error) {
	switch enc {
	case JSON, "":
		return jsonCodec{}, nil
	case CBOR:
		return cborCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", enc)
	}
}

type jsonCodec struct{}

func (jsonCodec) Encoding() Encoding { return JSON }

// Encode marshals v as JSON. A json.RawMessage is compacted and passed
// through so payloads that arrive as JSON are not re-shaped.
func (jsonCodec) Encode(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("compact json payload: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json payload: %w", err)
	}
	return data, nil
}

type cborCodec struct{}

func (cborCodec) Encoding() Encoding { return CBOR }

// Encode marshals v as deterministic CBOR. A json.RawMessage is decoded
// first so its structure, not its text, is encoded.
func (cborCodec) Encode(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("decode json payload: %w", err)
		}
		v = decoded
	}
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal cbor payload: %w", err)
	}
	return data, nil
}

// DecodeCBOR decodes CBOR data into v.
func DecodeCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
