package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// IdentityPrefix is the human-readable bech32 prefix used when rendering
// caller identities.
const IdentityPrefix = "job"

// IdentityLength is the byte length of an Identity.
const IdentityLength = 20

// Identity is the opaque, public-key derived identifier of a poster, worker,
// oracle, juror or platform account. The zero value means "unset".
type Identity [IdentityLength]byte

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// String renders the identity in bech32 form (job1...).
func (id Identity) String() string {
	conv, err := bech32.ConvertBits(id[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(IdentityPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Hex returns the lowercase hex encoding without a 0x prefix.
func (id Identity) Hex() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler using the bech32 form.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText accepts both bech32 and hex renderings.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseIdentity decodes an identity from its bech32 (job1...) or hex
// (optionally 0x-prefixed) representation.
func ParseIdentity(raw string) (Identity, error) {
	var out Identity
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return out, fmt.Errorf("identity: empty value")
	}
	if strings.HasPrefix(strings.ToLower(trimmed), IdentityPrefix+"1") {
		hrp, data, err := bech32.Decode(trimmed)
		if err != nil {
			return out, fmt.Errorf("identity: invalid bech32 string: %w", err)
		}
		if hrp != IdentityPrefix {
			return out, fmt.Errorf("identity: unsupported prefix %q", hrp)
		}
		conv, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return out, fmt.Errorf("identity: error converting bits: %w", err)
		}
		if len(conv) != IdentityLength {
			return out, fmt.Errorf("identity: invalid length %d", len(conv))
		}
		copy(out[:], conv)
		return out, nil
	}
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("identity: decode hex: %w", err)
	}
	if len(decoded) != IdentityLength {
		return out, fmt.Errorf("identity: invalid length %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// MustParseIdentity is ParseIdentity for constants and tests.
func MustParseIdentity(raw string) Identity {
	id, err := ParseIdentity(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Identity derives the caller identity bound to the public key.
func (k *PublicKey) Identity() Identity {
	var id Identity
	copy(id[:], crypto.PubkeyToAddress(*k.PublicKey).Bytes())
	return id
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
