// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation moves events between homeservers: per-destination
// outbound queues batched into transactions, and inbound transaction
// unpacking gated by per-room federation controls.
package federation

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/lib/codec"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// MaxEventsPerTransaction caps the events carried in one transaction.
// Matches the Matrix federation transaction limit.
const MaxEventsPerTransaction = 50

// MaxTransactionSize caps the decoded payload of an inbound
// transaction in bytes. Bounds decompression of hostile input.
const MaxTransactionSize = 4 << 20

// Transaction is one batch of events from a single origin server.
// TxnID is unique per (origin, transaction) and lets the receiver
// treat re-delivery as a repeat of the same batch; the store's
// per-event idempotence makes the repeat a no-op.
type Transaction struct {
	Origin         ref.ServerName `cbor:"1,keyasint"`
	TxnID          string         `cbor:"2,keyasint"`
	OriginServerTS int64          `cbor:"3,keyasint"`
	Events         []*event.Event `cbor:"4,keyasint"`
}

// CompressionTag identifies the compression applied to a transaction
// payload. The tag is the first byte of the wire form. These values
// are protocol constants.
type CompressionTag uint8

const (
	// CompressionNone carries the CBOR payload uncompressed. Chosen
	// when the probe finds the payload incompressible (small batches,
	// high-entropy content).
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression: fast with a modest
	// ratio, chosen for payloads that compress but not well.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level, chosen when the
	// probe shows the payload compresses well (typical for batches of
	// structurally similar events).
	CompressionZstd CompressionTag = 2
)

// String returns the tag's human-readable name.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// zstd coders are reused across calls; both are safe for concurrent
// use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("federation: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("federation: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeTransaction produces the wire form: a 1-byte compression tag,
// the uncompressed payload length as a big-endian uint32, then the
// (possibly compressed) deterministic CBOR payload. The tag is chosen
// by probing the payload with zstd: a ratio of 1.5x or better selects
// zstd, 1.1x selects lz4, anything less ships uncompressed.
func EncodeTransaction(txn *Transaction) ([]byte, error) {
	payload, err := codec.Marshal(txn)
	if err != nil {
		return nil, fmt.Errorf("federation: encoding transaction %s: %w", txn.TxnID, err)
	}
	if len(payload) > MaxTransactionSize {
		return nil, fmt.Errorf("federation: transaction %s payload is %d bytes, limit %d",
			txn.TxnID, len(payload), MaxTransactionSize)
	}

	tag, compressed := compressPayload(payload)
	out := make([]byte, 0, 5+len(compressed))
	out = append(out, byte(tag))
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, compressed...)
	return out, nil
}

// DecodeTransaction reverses EncodeTransaction.
func DecodeTransaction(data []byte) (*Transaction, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("federation: transaction frame too short (%d bytes)", len(data))
	}
	tag := CompressionTag(data[0])
	size := int(binary.BigEndian.Uint32(data[1:5]))
	if size > MaxTransactionSize {
		return nil, fmt.Errorf("federation: declared payload size %d exceeds limit %d", size, MaxTransactionSize)
	}
	payload, err := decompressPayload(data[5:], tag, size)
	if err != nil {
		return nil, err
	}

	var txn Transaction
	if err := codec.Unmarshal(payload, &txn); err != nil {
		return nil, fmt.Errorf("federation: decoding transaction payload: %w", err)
	}
	if txn.Origin.IsZero() {
		return nil, fmt.Errorf("federation: transaction %s has no origin", txn.TxnID)
	}
	if txn.TxnID == "" {
		return nil, fmt.Errorf("federation: transaction from %s has no ID", txn.Origin)
	}
	if len(txn.Events) > MaxEventsPerTransaction {
		return nil, fmt.Errorf("federation: transaction %s carries %d events, limit %d",
			txn.TxnID, len(txn.Events), MaxEventsPerTransaction)
	}
	return &txn, nil
}

// compressPayload probes the payload with zstd and picks the tag by
// the achieved ratio. Falls back to shipping the payload as-is when
// compression does not pay for itself.
func compressPayload(payload []byte) (CompressionTag, []byte) {
	if len(payload) == 0 {
		return CompressionNone, payload
	}
	probe := zstdEncoder.EncodeAll(payload, nil)
	ratio := float64(len(payload)) / float64(len(probe))
	switch {
	case ratio >= 1.5:
		return CompressionZstd, probe
	case ratio >= 1.1:
		bound := lz4.CompressBlockBound(len(payload))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(payload, destination, nil)
		if err != nil || written == 0 || written >= len(payload) {
			// Incompressible under lz4 despite the probe; the zstd
			// result is still smaller than the input.
			return CompressionZstd, probe
		}
		return CompressionLZ4, destination[:written]
	default:
		return CompressionNone, payload
	}
}

func decompressPayload(compressed []byte, tag CompressionTag, size int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != size {
			return nil, fmt.Errorf("federation: uncompressed payload is %d bytes, declared %d",
				len(compressed), size)
		}
		return compressed, nil

	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("federation: lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("federation: lz4 decompress: got %d bytes, declared %d", read, size)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("federation: zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("federation: zstd decompress: got %d bytes, declared %d", len(result), size)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("federation: unknown compression tag %d", tag)
	}
}
