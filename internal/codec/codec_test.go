package codec

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		enc     Encoding
		want    Encoding
		wantErr bool
	}{
		{enc: "", want: JSON},
		{enc: JSON, want: JSON},
		{enc: CBOR, want: CBOR},
		{enc: "xml", wantErr: true},
	}
	for _, tt := range tests {
		c, err := New(tt.enc)
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q) expected error", tt.enc)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%q) failed: %v", tt.enc, err)
		}
		if c.Encoding() != tt.want {
			t.Errorf("New(%q).Encoding() = %q, want %q", tt.enc, c.Encoding(), tt.want)
		}
	}
}

func TestJSON_Encode(t *testing.T) {
	c, _ := New(JSON)

	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "string is quoted", in: "hello", want: `"hello"`},
		{name: "map", in: map[string]any{"temp": 21}, want: `{"temp":21}`},
		{name: "raw json compacted", in: json.RawMessage("{ \"a\" : [1, 2] }"), want: `{"a":[1,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Encode(tt.in)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Encode() = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := c.Encode(json.RawMessage("{bad")); err == nil {
		t.Error("Encode of invalid raw JSON should fail")
	}
}

func TestCBOR_EncodeRawJSON(t *testing.T) {
	c, _ := New(CBOR)

	fromRaw, err := c.Encode(json.RawMessage(`{"b":"y","a":"x"}`))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	fromMap, err := c.Encode(map[string]any{"a": "x", "b": "y"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(fromRaw, fromMap) {
		t.Errorf("raw JSON and map encode differently: %x vs %x", fromRaw, fromMap)
	}

	var decoded map[string]any
	if err := DecodeCBOR(fromRaw, &decoded); err != nil {
		t.Fatalf("DecodeCBOR failed: %v", err)
	}
	if decoded["a"] != "x" {
		t.Errorf("decoded[a] = %v, want x", decoded["a"])
	}
}
