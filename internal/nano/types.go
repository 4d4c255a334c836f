// Package nano provides the domain types for the account-chain ledger:
// block hashes, work values, difficulty thresholds, amounts and accounts.
package nano

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// BlockHash is a 32-byte block identifier. The chain tip's hash doubles as
// the seed a work value is bound to.
type BlockHash [32]byte

// ZeroHash is the all-zero block hash, used as the previous field of the
// first block on an account.
var ZeroHash BlockHash

// HashFromHex parses a 64-character hex string into a BlockHash.
func HashFromHex(s string) (BlockHash, error) {
	var h BlockHash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid block hash %q: %w", s, err)
	}
	if len(raw) != 32 {
		return h, fmt.Errorf("invalid block hash length: %d", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Hex returns the uppercase hex representation used on the wire.
func (h BlockHash) Hex() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// IsZero reports whether the hash is all zeroes.
func (h BlockHash) IsZero() bool {
	return h == ZeroHash
}

// String implements fmt.Stringer.
func (h BlockHash) String() string {
	return h.Hex()
}

// MarshalJSON encodes the hash as an uppercase hex string.
func (h BlockHash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.Hex() + `"`), nil
}

// UnmarshalJSON decodes the hash from a hex string.
func (h *BlockHash) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Work is an 8-byte proof-of-work nonce. It has no intrinsic validity; it is
// valid only relative to a (seed, difficulty) pair.
type Work uint64

// WorkFromHex parses a 16-character hex string (big-endian display order).
func WorkFromHex(s string) (Work, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid work %q: %w", s, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("invalid work length: %d", len(raw))
	}
	return Work(binary.BigEndian.Uint64(raw)), nil
}

// Hex returns the 16-character lowercase hex representation (big-endian
// display order, as the node expects).
func (w Work) Hex() string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(w))
	return hex.EncodeToString(buf[:])
}

// Bytes returns the little-endian byte order used as digest input.
func (w Work) Bytes() [8]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(w))
	return buf
}

// String implements fmt.Stringer.
func (w Work) String() string {
	return w.Hex()
}

// MarshalJSON encodes the work value as a hex string.
func (w Work) MarshalJSON() ([]byte, error) {
	return []byte(`"` + w.Hex() + `"`), nil
}

// UnmarshalJSON decodes the work value from a hex string.
func (w *Work) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := WorkFromHex(s)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Difficulty is a 64-bit unsigned work threshold. Comparisons are unsigned.
type Difficulty uint64

// Network thresholds. Send and change blocks require the higher threshold;
// receive, open and epoch use the lower one.
const (
	ThresholdSend    Difficulty = 0xfffffff800000000
	ThresholdReceive Difficulty = 0xfffffe0000000000
)

// DifficultyFromHex parses a 16-character hex threshold.
func DifficultyFromHex(s string) (Difficulty, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid difficulty %q: %w", s, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("invalid difficulty length: %d", len(raw))
	}
	return Difficulty(binary.BigEndian.Uint64(raw)), nil
}

// Hex returns the 16-character lowercase hex representation.
func (d Difficulty) Hex() string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(d))
	return hex.EncodeToString(buf[:])
}

// String implements fmt.Stringer.
func (d Difficulty) String() string {
	return d.Hex()
}

// MarshalJSON encodes the threshold as a hex string.
func (d Difficulty) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Hex() + `"`), nil
}

// UnmarshalJSON decodes the threshold from a hex string.
func (d *Difficulty) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := DifficultyFromHex(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Subtype classifies state blocks and selects the applicable threshold.
type Subtype string

const (
	SubtypeSend    Subtype = "send"
	SubtypeReceive Subtype = "receive"
	SubtypeOpen    Subtype = "open"
	SubtypeChange  Subtype = "change"
	SubtypeEpoch   Subtype = "epoch"
)

// Threshold returns the network difficulty threshold for this subtype.
func (s Subtype) Threshold() Difficulty {
	switch s {
	case SubtypeReceive, SubtypeOpen:
		return ThresholdReceive
	default:
		return ThresholdSend
	}
}

// Amount is a ledger balance or transfer amount in raw units. The wire
// representation is a decimal string of up to 128 bits.
type Amount struct {
	raw big.Int
}

// AmountFromString parses a decimal raw amount.
func AmountFromString(s string) (Amount, error) {
	var a Amount
	if _, ok := a.raw.SetString(s, 10); !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	if a.raw.Sign() < 0 {
		return Amount{}, fmt.Errorf("negative amount %q", s)
	}
	if a.raw.BitLen() > 128 {
		return Amount{}, fmt.Errorf("amount overflow: %q", s)
	}
	return a, nil
}

// String returns the decimal raw representation.
func (a Amount) String() string {
	return a.raw.String()
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.raw.Sign() == 0
}

// Cmp compares two amounts, returning -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	return a.raw.Cmp(&b.raw)
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	var out Amount
	out.raw.Add(&a.raw, &b.raw)
	return out
}

// Sub returns a - b, or an error if the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.raw.Cmp(&b.raw) < 0 {
		return Amount{}, fmt.Errorf("amount underflow: %s - %s", a.String(), b.String())
	}
	var out Amount
	out.raw.Sub(&a.raw, &b.raw)
	return out, nil
}

// Bytes16 returns the 16-byte big-endian representation used in block digests.
func (a Amount) Bytes16() [16]byte {
	var buf [16]byte
	a.raw.FillBytes(buf[:])
	return buf
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON decodes the amount from a decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := AmountFromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ChainTip is the state of an account's frontier fetched per submission
// attempt. It is stale the moment a concurrent submission lands.
type ChainTip struct {
	Frontier       BlockHash
	Representative Account
	Balance        Amount
	Height         uint64
}
