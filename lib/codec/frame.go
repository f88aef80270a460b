// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the encoded size above which EncodeFrame
// compresses. Heartbeats and acks stay well below it; catch-up sync
// batches usually exceed it.
const CompressThreshold = 16 * 1024

// MaxFrameSize bounds a decompressed frame.
const MaxFrameSize = 64 * 1024 * 1024

const (
	framePlain byte = 0x00
	frameZstd  byte = 0x01
)

// ErrEmptyFrame is returned by DecodeFrame for a zero-length input.
var ErrEmptyFrame = errors.New("codec: empty frame")

var (
	frameEncoder *zstd.Encoder
	frameDecoder *zstd.Decoder
)

func init() {
	var err error
	frameEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	frameDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame marshals v and prefixes the result with its framing byte,
// compressing when the encoded value exceeds CompressThreshold.
func EncodeFrame(v any) ([]byte, error) {
	encoded, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	if len(encoded) <= CompressThreshold {
		return append([]byte{framePlain}, encoded...), nil
	}
	compressed := frameEncoder.EncodeAll(encoded, make([]byte, 1, len(encoded)/2))
	compressed[0] = frameZstd
	return compressed, nil
}

// DecodeFrame strips the framing byte, decompresses if needed, and
// decodes into v.
func DecodeFrame(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyFrame
	}
	body := data[1:]
	switch data[0] {
	case framePlain:
	case frameZstd:
		decompressed, err := frameDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("decompressing frame: %w", err)
		}
		body = decompressed
	default:
		return fmt.Errorf("codec: unknown frame encoding 0x%02x", data[0])
	}
	if err := Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
