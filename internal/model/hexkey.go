package model

import (
	"bytes"
	"encoding/hex"
)

// HexKey is raw key or signature material that serializes as lower-case hex.
type HexKey []byte

func (k HexKey) String() string { return hex.EncodeToString(k) }

func (k HexKey) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(k)))
	hex.Encode(out, k)
	return out, nil
}

func (k *HexKey) UnmarshalText(text []byte) error {
	b := make([]byte, hex.DecodedLen(len(text)))
	n, err := hex.Decode(b, text)
	if err != nil {
		return err
	}
	*k = b[:n]
	return nil
}

func (k HexKey) Equal(other HexKey) bool { return bytes.Equal(k, other) }

func ParseHexKey(s string) (HexKey, error) {
	var k HexKey
	err := k.UnmarshalText([]byte(s))
	return k, err
}
