package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func generateKeys(t *testing.T) []PrivateKeyExportable {
	k, err := GeneratePrivateKeyK256()
	if err != nil {
		t.Fatal(err)
	}
	p, err := GeneratePrivateKeyP256()
	if err != nil {
		t.Fatal(err)
	}
	return []PrivateKeyExportable{k, p}
}

func TestKeyBasics(t *testing.T) {
	assert := assert.New(t)

	msg := []byte("test-message")
	bigMsg := make([]byte, 1024*1024)
	_, err := rand.Read(bigMsg)
	assert.NoError(err)

	for _, priv := range generateKeys(t) {
		assert.Equal(32, len(priv.Bytes()))

		privMB, err := ParsePrivateMultibase(priv.Multibase())
		assert.NoError(err)
		assert.True(priv.Equal(privMB))

		pub, err := priv.PublicKey()
		assert.NoError(err)
		assert.Equal(33, len(pub.Bytes()))

		sig, err := priv.HashAndSign(msg)
		assert.NoError(err)
		assert.Equal(64, len(sig))
		assert.NoError(pub.HashAndVerify(msg, sig))
		assert.ErrorIs(pub.HashAndVerify([]byte("other-message"), sig), ErrInvalidSignature)

		bigSig, err := priv.HashAndSign(bigMsg)
		assert.NoError(err)
		assert.NoError(pub.HashAndVerify(bigMsg, bigSig))

		pubDK, err := ParsePublicDIDKey(pub.DIDKey())
		assert.NoError(err)
		assert.True(pub.Equal(pubDK))
		pubMB, err := ParsePublicMultibase(pub.Multibase())
		assert.NoError(err)
		assert.True(pub.Equal(pubMB))
	}
}

func TestKeyMismatch(t *testing.T) {
	assert := assert.New(t)

	keys := generateKeys(t)
	msg := []byte("test-message")
	sig, err := keys[0].HashAndSign(msg)
	assert.NoError(err)

	other, err := GeneratePrivateKeyK256()
	assert.NoError(err)
	otherPub, err := other.PublicKey()
	assert.NoError(err)
	assert.ErrorIs(otherPub.HashAndVerify(msg, sig), ErrInvalidSignature)

	p256Pub, err := keys[1].PublicKey()
	assert.NoError(err)
	assert.Error(p256Pub.HashAndVerify(msg, sig))
	assert.False(keys[0].Equal(keys[1]))
}

// many sign/verify cycles, to try and hit any high-S signatures
func TestLowSMany(t *testing.T) {
	assert := assert.New(t)

	msg := make([]byte, 256)
	for i := 0; i < 64; i++ {
		for _, priv := range generateKeys(t) {
			pub, err := priv.PublicKey()
			assert.NoError(err)
			_, err = rand.Read(msg)
			assert.NoError(err)
			sig, err := priv.HashAndSign(msg)
			assert.NoError(err)
			if err := pub.HashAndVerify(msg, sig); err != nil {
				t.Fatalf("verify failed: %v", err)
			}
		}
	}
}

func TestParseDIDKey(t *testing.T) {
	assert := assert.New(t)

	valid := []string{
		"did:key:zQ3shscXNYZQZSPwegiv7uQZZV5kzATLBRtgJhs7uRY7pfSk4",
		"did:key:zQ3shqKrpHzQ5HDfhgcYMWaFcpBK3SS39wZLdTjA5GeakX8G5",
		"did:key:zDnaembgSGUhZULN2Caob4HLJPaxBh92N7rtH21TErzqf8HQo",
	}
	for _, s := range valid {
		pub, err := ParsePublicDIDKey(s)
		if !assert.NoError(err, s) {
			continue
		}
		assert.Equal(s, pub.DIDKey())
	}

	invalid := []string{
		"",
		"did:key:",
		"did:web:example.com",
		"did:key:abc",
		"did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
	}
	for _, s := range invalid {
		_, err := ParsePublicDIDKey(s)
		assert.Error(err, s)
	}
}

func TestKnownSignature(t *testing.T) {
	assert := assert.New(t)

	pub, err := ParsePublicDIDKey("did:key:zDnaembgSGUhZULN2Caob4HLJPaxBh92N7rtH21TErzqf8HQo")
	assert.NoError(err)
	_, ok := pub.(*PublicKeyP256)
	assert.True(ok)

	msg, err := base64.RawStdEncoding.DecodeString("oWVoZWxsb2V3b3JsZA")
	assert.NoError(err)
	sig, err := base64.RawStdEncoding.DecodeString("2vZNsG3UKvvO/CDlrdvyZRISOFylinBh0Jupc6KcWoJWExHptCfduPleDbG3rko3YZnn9Lw0IjpixVmexJDegg")
	assert.NoError(err)
	assert.NoError(pub.HashAndVerify(msg, sig))

	sig[10] ^= 0x01
	assert.ErrorIs(pub.HashAndVerify(msg, sig), ErrInvalidSignature)
}
