package nano

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// statePreamble is the 32-byte digest prefix distinguishing state blocks
// from legacy block formats.
var statePreamble = func() [32]byte {
	var p [32]byte
	p[31] = 0x06
	return p
}()

// Signature is a 64-byte block signature.
type Signature [64]byte

// SignatureFromHex parses a 128-character hex signature.
func SignatureFromHex(s string) (Signature, error) {
	var sig Signature
	raw, err := hex.DecodeString(s)
	if err != nil {
		return sig, fmt.Errorf("invalid signature %q: %w", s, err)
	}
	if len(raw) != 64 {
		return sig, fmt.Errorf("invalid signature length: %d", len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

// Hex returns the uppercase hex representation.
func (s Signature) Hex() string {
	return strings.ToUpper(hex.EncodeToString(s[:]))
}

// MarshalJSON encodes the signature as an uppercase hex string.
func (s Signature) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.Hex() + `"`), nil
}

// UnmarshalJSON decodes the signature from a hex string.
func (s *Signature) UnmarshalJSON(data []byte) error {
	parsed, err := SignatureFromHex(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StateBlock is a signed account-chain block ready for submission. The JSON
// field names match the node's wire format.
type StateBlock struct {
	Type           string    `json:"type"`
	Account        Account   `json:"account"`
	Previous       BlockHash `json:"previous"`
	Representative Account   `json:"representative"`
	Balance        Amount    `json:"balance"`
	Link           BlockHash `json:"link"`
	Signature      Signature `json:"signature"`
	Work           Work      `json:"work"`

	// Subtype travels beside the block in the process request, not inside it.
	Subtype Subtype `json:"-"`
}

// Hash computes the block digest that is signed and that confirmation
// messages reference.
func (b *StateBlock) Hash() BlockHash {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}

	accountKey := b.Account.PublicKey()
	repKey := b.Representative.PublicKey()
	balance := b.Balance.Bytes16()

	hasher.Write(statePreamble[:])
	hasher.Write(accountKey[:])
	hasher.Write(b.Previous[:])
	hasher.Write(repKey[:])
	hasher.Write(balance[:])
	hasher.Write(b.Link[:])

	var out BlockHash
	copy(out[:], hasher.Sum(nil))
	return out
}

// Validate checks that the block carries every field submission requires.
func (b *StateBlock) Validate() error {
	if b.Type != "state" {
		return fmt.Errorf("unsupported block type %q", b.Type)
	}
	if b.Account.IsZero() {
		return fmt.Errorf("missing account")
	}
	if b.Representative.IsZero() {
		return fmt.Errorf("missing representative")
	}
	if b.Subtype == "" {
		return fmt.Errorf("missing subtype")
	}
	if b.Subtype != SubtypeOpen && b.Previous.IsZero() {
		return fmt.Errorf("missing previous hash for %s block", b.Subtype)
	}
	if b.Work == 0 {
		return fmt.Errorf("missing work")
	}
	return nil
}
