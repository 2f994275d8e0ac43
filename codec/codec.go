// Package codec encodes request payloads and decodes response bodies.
package codec

import (
	"errors"
)

var (
	errCodecNotInit = errors.New("codec not init")

	_codec Codec = &DefaultCodec{}
)

// Codec turns payloads into wire bytes and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(a any, b []byte) error
}

// Encode encodes v with the installed codec.
func Encode(v any) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Encode(v)
}

// Decode decodes b into a with the installed codec.
func Decode(a any, b []byte) error {
	if _codec == nil {
		return errCodecNotInit
	}
	return _codec.Decode(a, b)
}

// SetCodec installs c. Passing nil makes every Encode/Decode fail.
func SetCodec(c Codec) {
	_codec = c
}

// GetCodec returns the installed codec.
func GetCodec() Codec {
	return _codec
}
