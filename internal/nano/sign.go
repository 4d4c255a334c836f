package nano

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Payload describes the intent of a block: what kind it is, what it links
// to, and the account state after it.
type Payload struct {
	Subtype        Subtype
	Link           BlockHash // destination key (send), source hash (receive/open), zero (change)
	Balance        Amount    // balance after the block
	Representative Account   // representative after the block
}

// Signer is the external signing collaborator consumed by the submission
// pipeline: it assembles and signs a block for a tip, work value and payload.
type Signer interface {
	// Account returns the account the signer controls.
	Account() Account

	// BuildAndSign assembles a state block on top of tip, attaches work and
	// signs it. Failures are fatal to the submission attempt.
	BuildAndSign(tip ChainTip, work Work, payload Payload) (*StateBlock, error)
}

// LocalSigner signs blocks with an in-process ed25519 key.
type LocalSigner struct {
	priv    ed25519.PrivateKey
	account Account
}

// NewLocalSigner creates a signer from an ed25519 private key.
func NewLocalSigner(priv ed25519.PrivateKey) (*LocalSigner, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", len(priv))
	}

	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pub) != 32 {
		return nil, fmt.Errorf("invalid public key derived from private key")
	}

	var key [32]byte
	copy(key[:], pub)

	return &LocalSigner{
		priv:    priv,
		account: AccountFromPublicKey(key),
	}, nil
}

// SignerFromSeedHex creates a signer from a hex-encoded 32-byte ed25519
// seed, the form wallets export keys in.
func SignerFromSeedHex(s string) (*LocalSigner, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: %d", len(raw))
	}
	return NewLocalSigner(ed25519.NewKeyFromSeed(raw))
}

// GenerateSigner creates a signer with a fresh random key. Intended for
// tests and throwaway accounts.
func GenerateSigner() (*LocalSigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewLocalSigner(priv)
}

// Account returns the account the signer controls.
func (s *LocalSigner) Account() Account {
	return s.account
}

// BuildAndSign implements Signer.
func (s *LocalSigner) BuildAndSign(tip ChainTip, work Work, payload Payload) (*StateBlock, error) {
	if payload.Subtype == "" {
		return nil, fmt.Errorf("payload missing subtype")
	}

	rep := payload.Representative
	if rep.IsZero() {
		rep = tip.Representative
	}
	if rep.IsZero() {
		rep = s.account
	}

	block := &StateBlock{
		Type:           "state",
		Account:        s.account,
		Previous:       tip.Frontier,
		Representative: rep,
		Balance:        payload.Balance,
		Link:           payload.Link,
		Work:           work,
		Subtype:        payload.Subtype,
	}

	hash := block.Hash()
	sig := ed25519.Sign(s.priv, hash[:])
	copy(block.Signature[:], sig)

	if err := block.Validate(); err != nil {
		return nil, fmt.Errorf("built block invalid: %w", err)
	}

	return block, nil
}

// VerifyBlockSignature checks a block's signature against its account key.
func VerifyBlockSignature(block *StateBlock) bool {
	pub := block.Account.PublicKey()
	hash := block.Hash()
	return ed25519.Verify(ed25519.PublicKey(pub[:]), hash[:], block.Signature[:])
}
