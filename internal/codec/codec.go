// Package codec serialises session records for the store adapters.
//
// Records are CBOR with Core Deterministic Encoding so the same session
// always produces the same bytes. Payloads above a size threshold are
// zstd-compressed. The first byte of every encoded record names the
// framing so either form can be decoded.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01

	// compressThreshold is the encoded size above which records are
	// compressed. Small sessions are cheaper to store raw.
	compressThreshold = 1024

	maxDecodedSize = 8 << 20
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as a framed CBOR record.
func Marshal(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	if len(raw) <= compressThreshold {
		return append([]byte{frameRaw}, raw...), nil
	}
	out := make([]byte, 1, len(raw)/2)
	out[0] = frameZstd
	return zstdEncoder.EncodeAll(raw, out), nil
}

// Unmarshal decodes a framed record produced by Marshal into v.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("codec: unmarshal: empty record")
	}
	payload := data[1:]
	switch data[0] {
	case frameRaw:
	case frameZstd:
		decoded, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("codec: decompress: %w", err)
		}
		payload = decoded
	default:
		return fmt.Errorf("codec: unmarshal: unknown frame %#x", data[0])
	}
	if err := decMode.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// Compressed reports whether an encoded record is zstd-framed.
func Compressed(data []byte) bool {
	return len(data) > 0 && data[0] == frameZstd
}
