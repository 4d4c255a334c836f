package nano

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Account is a ledger account: a 32-byte public key with its checksummed
// base32 address representation.
type Account struct {
	pub  [32]byte
	addr string
}

const (
	addressPrefix = "nano_"
	legacyPrefix  = "xrb_"

	// The address alphabet omits characters that are easily confused.
	addressAlphabet = "13456789abcdefghijkmnopqrstuwxyz"
)

var addressCharValue = func() map[byte]uint64 {
	m := make(map[byte]uint64, len(addressAlphabet))
	for i := 0; i < len(addressAlphabet); i++ {
		m[addressAlphabet[i]] = uint64(i)
	}
	return m
}()

// AccountFromPublicKey derives the account for a public key.
func AccountFromPublicKey(pub [32]byte) Account {
	return Account{pub: pub, addr: encodeAddress(pub)}
}

// AccountFromAddress parses and checksums an account address.
func AccountFromAddress(addr string) (Account, error) {
	body := addr
	switch {
	case strings.HasPrefix(addr, addressPrefix):
		body = addr[len(addressPrefix):]
	case strings.HasPrefix(addr, legacyPrefix):
		body = addr[len(legacyPrefix):]
	default:
		return Account{}, fmt.Errorf("invalid account prefix: %q", addr)
	}

	if len(body) != 60 {
		return Account{}, fmt.Errorf("invalid account length: %d", len(body))
	}

	// 52 key characters carrying 260 bits (4 leading padding bits), then an
	// 8-character / 40-bit checksum.
	var keyBits [33]byte // 264 bits, top 4 always zero
	for i := 0; i < 52; i++ {
		v, ok := addressCharValue[body[i]]
		if !ok {
			return Account{}, fmt.Errorf("invalid account character: %q", body[i])
		}
		bitOffset := 4 + i*5
		writeBits(keyBits[:], bitOffset, v)
	}

	var pub [32]byte
	copy(pub[:], keyBits[1:])

	var checksum [5]byte
	for i := 0; i < 8; i++ {
		v, ok := addressCharValue[body[52+i]]
		if !ok {
			return Account{}, fmt.Errorf("invalid account character: %q", body[52+i])
		}
		writeBits(checksum[:], i*5, v)
	}

	if checksum != addressChecksum(pub) {
		return Account{}, fmt.Errorf("account checksum mismatch: %q", addr)
	}

	return Account{pub: pub, addr: addressPrefix + body}, nil
}

// PublicKey returns the account's public key bytes.
func (a Account) PublicKey() [32]byte {
	return a.pub
}

// Address returns the checksummed address string.
func (a Account) Address() string {
	return a.addr
}

// IsZero reports whether the account is the zero value.
func (a Account) IsZero() bool {
	return a.addr == ""
}

// String implements fmt.Stringer.
func (a Account) String() string {
	return a.addr
}

// MarshalJSON encodes the account as its address string.
func (a Account) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.addr + `"`), nil
}

// UnmarshalJSON decodes the account from an address string.
func (a *Account) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := AccountFromAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// encodeAddress renders a public key as a checksummed base32 address.
func encodeAddress(pub [32]byte) string {
	var keyBits [33]byte
	copy(keyBits[1:], pub[:])

	var out strings.Builder
	out.Grow(len(addressPrefix) + 60)
	out.WriteString(addressPrefix)

	for i := 0; i < 52; i++ {
		out.WriteByte(addressAlphabet[readBits(keyBits[:], 4+i*5)])
	}

	checksum := addressChecksum(pub)
	for i := 0; i < 8; i++ {
		out.WriteByte(addressAlphabet[readBits(checksum[:], i*5)])
	}

	return out.String()
}

// addressChecksum computes the 5-byte address checksum: a blake2b-5 digest
// of the public key with its byte order reversed.
func addressChecksum(pub [32]byte) [5]byte {
	hasher, err := blake2b.New(5, nil)
	if err != nil {
		panic(err) // only fails for invalid digest sizes
	}
	hasher.Write(pub[:])

	var sum [5]byte
	digest := hasher.Sum(nil)
	for i := 0; i < 5; i++ {
		sum[i] = digest[4-i]
	}
	return sum
}

// writeBits stores a 5-bit value at the given bit offset (MSB-first).
func writeBits(buf []byte, offset int, v uint64) {
	for bit := 0; bit < 5; bit++ {
		if v&(1<<(4-bit)) != 0 {
			pos := offset + bit
			buf[pos/8] |= 1 << (7 - pos%8)
		}
	}
}

// readBits extracts a 5-bit value at the given bit offset (MSB-first).
func readBits(buf []byte, offset int) uint64 {
	var v uint64
	for bit := 0; bit < 5; bit++ {
		pos := offset + bit
		if buf[pos/8]&(1<<(7-pos%8)) != 0 {
			v |= 1 << (4 - bit)
		}
	}
	return v
}
