package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"
)

// NIST P-256 / secp256r1 / ES256 private key. Secret key material is naively stored in memory.
type PrivateKeyP256 struct {
	privECDH  *ecdh.PrivateKey
	privECDSA *ecdsa.PrivateKey
}

// NIST P-256 / secp256r1 / ES256 public key.
type PublicKeyP256 struct {
	pubP256 *ecdsa.PublicKey
}

var _ PrivateKeyExportable = (*PrivateKeyP256)(nil)
var _ PublicKey = (*PublicKeyP256)(nil)

var (
	p256N         = elliptic.P256().Params().N
	p256HalfOrder = new(big.Int).Rsh(p256N, 1)
)

func GeneratePrivateKeyP256() (*PrivateKeyP256, error) {
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("P-256 key generation failed: %w", err)
	}
	skECDH, err := sk.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting P-256 key to ecdh: %w", err)
	}
	return &PrivateKeyP256{privECDSA: sk, privECDH: skECDH}, nil
}

// Loads a private key from the 32-byte scalar returned by [PrivateKeyP256.Bytes].
func ParsePrivateBytesP256(data []byte) (*PrivateKeyP256, error) {
	skECDH, err := ecdh.P256().NewPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	// round-trip through PKCS8 to get from ecdh to ecdsa
	enc, err := x509.MarshalPKCS8PrivateKey(skECDH)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(enc)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	sk, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid P-256 private key: unexpected type %T", parsed)
	}
	return &PrivateKeyP256{privECDSA: sk, privECDH: skECDH}, nil
}

func (k *PrivateKeyP256) Equal(other PrivateKey) bool {
	o, ok := other.(*PrivateKeyP256)
	return ok && k.privECDSA.Equal(o.privECDSA)
}

func (k *PrivateKeyP256) Bytes() []byte {
	return k.privECDH.Bytes()
}

func (k *PrivateKeyP256) Multibase() string {
	return encodeMultibase(codecP256Priv, k.Bytes())
}

func (k *PrivateKeyP256) PublicKey() (PublicKey, error) {
	return &PublicKeyP256{pubP256: &k.privECDSA.PublicKey}, nil
}

// Signs the SHA-256 digest of content. Output is 64 bytes, [R | S], with S normalized to the lower half of the curve order.
func (k *PrivateKeyP256) HashAndSign(content []byte) ([]byte, error) {
	hash := sha256.Sum256(content)
	r, s, err := ecdsa.Sign(rand.Reader, k.privECDSA, hash[:])
	if err != nil {
		return nil, fmt.Errorf("signing with P-256 key: %w", err)
	}
	if s.Cmp(p256HalfOrder) > 0 {
		s = new(big.Int).Sub(p256N, s)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Loads a public key from the 33-byte compressed point encoding.
func ParsePublicBytesP256(data []byte) (*PublicKeyP256, error) {
	curve := elliptic.P256()
	x, y := elliptic.UnmarshalCompressed(curve, data)
	if x == nil {
		return nil, fmt.Errorf("invalid P-256 public key")
	}
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("invalid P-256 public key (not on curve)")
	}
	return &PublicKeyP256{pubP256: &ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
}

func (k *PublicKeyP256) Equal(other PublicKey) bool {
	o, ok := other.(*PublicKeyP256)
	return ok && k.pubP256.Equal(o.pubP256)
}

func (k *PublicKeyP256) Bytes() []byte {
	return elliptic.MarshalCompressed(elliptic.P256(), k.pubP256.X, k.pubP256.Y)
}

// Verifies a 64-byte [R | S] signature over the SHA-256 digest of content. High-S signatures are rejected.
func (k *PublicKeyP256) HashAndVerify(content, sig []byte) error {
	if len(sig) != 64 {
		return ErrInvalidSignature
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if s.Cmp(p256HalfOrder) > 0 {
		return ErrInvalidSignature
	}
	hash := sha256.Sum256(content)
	if !ecdsa.Verify(k.pubP256, hash[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

func (k *PublicKeyP256) Multibase() string {
	return encodeMultibase(codecP256Pub, k.Bytes())
}

func (k *PublicKeyP256) DIDKey() string {
	return "did:key:" + k.Multibase()
}
