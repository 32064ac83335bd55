package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Common interface for all the supported atproto cryptographic systems, when secret key material may not be directly available to be exported as bytes.
type PrivateKey interface {
	Equal(other PrivateKey) bool

	// Outputs the [PublicKey] corresponding to this private key.
	PublicKey() (PublicKey, error)

	// Hashes the raw bytes using SHA-256, then signs the digest bytes. Always returns a "low-S" signature.
	HashAndSign(content []byte) ([]byte, error)
}

// Private key which can be serialized, eg for storage in a config file.
type PrivateKeyExportable interface {
	PrivateKey

	// Untyped (no multicodec) encoding of the secret key material. The encoding format is curve-specific.
	Bytes() []byte

	// Multibase string encoding of the private key, including a multicodec indicator.
	Multibase() string
}

// Common interface for all the supported atproto cryptographic systems.
type PublicKey interface {
	Equal(other PublicKey) bool

	// Compressed curve bytes. The encoding format is curve-specific.
	Bytes() []byte

	// Hashes the raw bytes using SHA-256, then verifies the signature of the digest bytes. Returns nil for a valid "low-S" signature.
	HashAndVerify(content, sig []byte) error

	// Multibase string encoding of the compressed public key, including a multicodec indicator.
	Multibase() string

	// did:key string encoding of the public key.
	DIDKey() string
}

var ErrInvalidSignature = errors.New("crytographic signature invalid")

var ErrUnsupportedKeyType = errors.New("unsupported cryptographic key type")

// multicodec varint prefixes
var (
	codecK256Pub  = []byte{0xE7, 0x01}
	codecP256Pub  = []byte{0x80, 0x24}
	codecK256Priv = []byte{0x81, 0x26}
	codecP256Priv = []byte{0x86, 0x26}
)

func encodeMultibase(codec, kbytes []byte) string {
	buf := make([]byte, 0, len(codec)+len(kbytes))
	buf = append(buf, codec...)
	buf = append(buf, kbytes...)
	return "z" + base58.Encode(buf)
}

// splits a base58btc multibase string in to multicodec prefix and key bytes
func decodeMultibase(encoded string) ([]byte, []byte, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, nil, fmt.Errorf("crypto: not a base58btc multibase string")
	}
	raw, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: invalid base58btc encoding: %w", err)
	}
	if len(raw) <= 2 {
		return nil, nil, fmt.Errorf("crypto: multibase key too short")
	}
	return raw[:2], raw[2:], nil
}

func sameCodec(a, b []byte) bool {
	return len(a) == 2 && a[0] == b[0] && a[1] == b[1]
}

// Parses a public key from multibase encoding with multicodec prefix, as found in did:key strings and DID documents (Multikey).
func ParsePublicMultibase(encoded string) (PublicKey, error) {
	codec, kbytes, err := decodeMultibase(encoded)
	if err != nil {
		return nil, err
	}
	switch {
	case sameCodec(codec, codecK256Pub):
		return ParsePublicBytesK256(kbytes)
	case sameCodec(codec, codecP256Pub):
		return ParsePublicBytesP256(kbytes)
	default:
		return nil, ErrUnsupportedKeyType
	}
}

// Parses a public key in did:key format.
func ParsePublicDIDKey(didKey string) (PublicKey, error) {
	if !strings.HasPrefix(didKey, "did:key:") {
		return nil, fmt.Errorf("crypto: string is not a did:key: %s", didKey)
	}
	return ParsePublicMultibase(strings.TrimPrefix(didKey, "did:key:"))
}

// Parses a private key from multibase encoding, as exported by the Multibase() method of exportable keys.
func ParsePrivateMultibase(encoded string) (PrivateKeyExportable, error) {
	codec, kbytes, err := decodeMultibase(encoded)
	if err != nil {
		return nil, err
	}
	switch {
	case sameCodec(codec, codecK256Priv):
		return ParsePrivateBytesK256(kbytes)
	case sameCodec(codec, codecP256Priv):
		return ParsePrivateBytesP256(kbytes)
	default:
		return nil, ErrUnsupportedKeyType
	}
}
