// Package signing implements Ed25519 cache keypairs, their canonical
// "name:base64" serialization, and the NAR fingerprint construction used to
// sign and verify narinfo documents.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrEmptyName is returned when a keypair name is empty.
	ErrEmptyName = errors.New("signing: name must not be empty")

	// ErrNameContainsColon is returned when a keypair name contains a colon.
	ErrNameContainsColon = errors.New("signing: name must not contain a colon")

	// ErrMalformed is returned when a canonical "name:base64" string cannot be parsed.
	ErrMalformed = errors.New("signing: malformed key")

	// ErrBadKeyLength is returned when the decoded key material has the wrong length.
	ErrBadKeyLength = errors.New("signing: unexpected key length")
)

// Keypair is an Ed25519 signing keypair bound to a cache name.
type Keypair struct {
	Name       string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// PublicKey is the public half of a Keypair, as handed out to clients.
type PublicKey struct {
	Name string
	Key  ed25519.PublicKey
}

func validateName(name string) error {
	if name == "" {
		return ErrEmptyName
	}

	if strings.Contains(name, ":") {
		return ErrNameContainsColon
	}

	return nil
}

// Generate creates a fresh Ed25519 keypair for the given cache name.
func Generate(name string) (Keypair, error) {
	if err := validateName(name); err != nil {
		return Keypair{}, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("signing: error generating keypair: %w", err)
	}

	return Keypair{Name: name, PublicKey: pub, PrivateKey: priv}, nil
}

// String renders the keypair in the canonical "name:base64(pub||priv)" form.
func (k Keypair) String() string {
	buf := make([]byte, 0, len(k.PublicKey)+len(k.PrivateKey))
	buf = append(buf, k.PublicKey...)
	buf = append(buf, k.PrivateKey...)

	return k.Name + ":" + base64.StdEncoding.EncodeToString(buf)
}

// Public returns the public half of the keypair.
func (k Keypair) Public() PublicKey {
	return PublicKey{Name: k.Name, Key: k.PublicKey}
}

// ParseKeypair parses a canonical "name:base64(pub||priv)" keypair string.
func ParseKeypair(s string) (Keypair, error) {
	name, raw, err := splitCanonical(s)
	if err != nil {
		return Keypair{}, err
	}

	if len(raw) != ed25519.PublicKeySize+ed25519.PrivateKeySize {
		return Keypair{}, fmt.Errorf("%w: got %d bytes", ErrBadKeyLength, len(raw))
	}

	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, raw[:ed25519.PublicKeySize])

	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, raw[ed25519.PublicKeySize:])

	return Keypair{Name: name, PublicKey: pub, PrivateKey: priv}, nil
}

// String renders the public key in the canonical "name:base64(pub)" form.
func (p PublicKey) String() string {
	return p.Name + ":" + base64.StdEncoding.EncodeToString(p.Key)
}

// ParsePublicKey parses a canonical "name:base64(pub)" public key string.
func ParsePublicKey(s string) (PublicKey, error) {
	name, raw, err := splitCanonical(s)
	if err != nil {
		return PublicKey{}, err
	}

	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("%w: got %d bytes", ErrBadKeyLength, len(raw))
	}

	return PublicKey{Name: name, Key: raw}, nil
}

func splitCanonical(s string) (string, []byte, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", nil, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	name := s[:idx]
	if err := validateName(name); err != nil {
		return "", nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(s[idx+1:])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return name, raw, nil
}

// Sign signs data with the keypair's private key and returns the signature
// in canonical "name:base64(sig)" form.
func (k Keypair) Sign(data []byte) string {
	sig := ed25519.Sign(k.PrivateKey, data)

	return k.Name + ":" + base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a canonical "name:base64(sig)" signature against data.
// The name in the signature is not consulted for trust decisions by this
// function; callers that care which key produced a signature should compare
// it out of band.
func (p PublicKey) Verify(data []byte, sig string) bool {
	idx := strings.IndexByte(sig, ':')
	if idx < 0 {
		return false
	}

	raw, err := base64.StdEncoding.DecodeString(sig[idx+1:])
	if err != nil {
		return false
	}

	if len(raw) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(p.Key, data, raw)
}

// base32Alphabet is Nix's restricted base-32 alphabet: no 'e', 'o', 'u', 't'.
const base32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// Base32 encodes data using the restricted base-32 alphabet used in
// "sha256:<base32>" store-hash and fingerprint rendering. It matches Nix's
// printHash32, which emits bits most-significant-group-first.
func Base32(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	const bitsPerDigit = 5

	numDigits := (len(data)*8 + bitsPerDigit - 1) / bitsPerDigit

	out := make([]byte, numDigits)
	for n := numDigits - 1; n >= 0; n-- {
		bit := (numDigits - 1 - n) * bitsPerDigit

		byteIdx := bit / 8
		bitIdx := bit % 8

		var b uint16
		if byteIdx < len(data) {
			b = uint16(data[byteIdx]) >> bitIdx
		}

		if bitIdx > 3 && byteIdx+1 < len(data) {
			b |= uint16(data[byteIdx+1]) << (8 - bitIdx)
		}

		out[n] = base32Alphabet[b&0x1f]
	}

	return string(out)
}

// Fingerprint builds the canonical byte string signed/verified for a NAR, per
// the attic wire format:
//
//	1;<store-path>;sha256:<base32(nar_hash)>;<nar_size>;<refs,comma,separated>
//
// narHash is the raw 32-byte SHA-256 digest (not hex, not prefixed).
// references are full store paths, not base names.
func Fingerprint(storePath string, narHash []byte, narSize uint64, references []string) []byte {
	var b strings.Builder

	b.WriteString("1;")
	b.WriteString(storePath)
	b.WriteString(";sha256:")
	b.WriteString(Base32(narHash))
	b.WriteString(";")
	b.WriteString(strconv.FormatUint(narSize, 10))
	b.WriteString(";")
	b.WriteString(strings.Join(references, ","))

	return []byte(b.String())
}
