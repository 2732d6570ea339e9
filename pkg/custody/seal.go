package custody

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealInfo      = "doorpi-custody"
	sealNonceSize = chacha20poly1305.NonceSizeX
)

// sealKey encrypts priv for serverId to the binding X25519 PublicKey.
//
// The key encryption key is derived with HKDF-SHA256 from the X25519 shared secret of
// a fresh ephemeral key and the binding key. sealKey returns the ephemeral public key
// and nonce | XChaCha20-Poly1305(PKCS#1 DER) with serverId as associated data.
func sealKey(binding Binding, serverId string, priv *rsa.PrivateKey) (ephemeral []byte, sealed []byte, err error) {
	if nil == binding.PublicKey {
		return nil, nil, newError("nil Binding PublicKey")
	}

	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if nil != err {
		return nil, nil, wrapError(err, "failed generating ephemeral key")
	}
	shared, err := eph.ECDH(binding.PublicKey)
	if nil != err {
		return nil, nil, wrapError(err, "failed ECDH")
	}
	defer clear(shared)

	ephemeral = eph.PublicKey().Bytes()
	aead, err := newSealAEAD(shared, ephemeral, binding.PublicKey.Bytes(), serverId)
	if nil != err {
		return nil, nil, wrapError(err, "failed newSealAEAD")
	}

	nonce := make([]byte, sealNonceSize)
	_, err = rand.Read(nonce)
	if nil != err {
		return nil, nil, wrapError(err, "failed generating nonce")
	}

	der := x509.MarshalPKCS1PrivateKey(priv)
	sealed = aead.Seal(nonce, nonce, der, []byte(serverId))
	clear(der)

	return ephemeral, sealed, nil
}

// unsealKey decrypts the private key of rec using grant.
func unsealKey(grant Grant, rec KeyRecord) (*rsa.PrivateKey, error) {
	if nil == grant.PrivateKey {
		return nil, newError("nil Grant PrivateKey")
	}
	if len(rec.SealedKey) <= sealNonceSize {
		return nil, newError("invalid SealedKey, too short")
	}

	ephPub, err := ecdh.X25519().NewPublicKey(rec.EphemeralKey)
	if nil != err {
		return nil, wrapError(err, "invalid EphemeralKey")
	}
	shared, err := grant.PrivateKey.ECDH(ephPub)
	if nil != err {
		return nil, wrapError(err, "failed ECDH")
	}
	defer clear(shared)

	aead, err := newSealAEAD(shared, rec.EphemeralKey, grant.PrivateKey.PublicKey().Bytes(), rec.ServerId)
	if nil != err {
		return nil, wrapError(err, "failed newSealAEAD")
	}

	nonce, ct := rec.SealedKey[:sealNonceSize], rec.SealedKey[sealNonceSize:]
	der, err := aead.Open(nil, nonce, ct, []byte(rec.ServerId))
	if nil != err {
		return nil, wrapError(err, "failed opening SealedKey")
	}
	defer clear(der)

	priv, err := x509.ParsePKCS1PrivateKey(der)

	return priv, wrapError(err, "failed parsing private key") // nil if err is nil
}

func newSealAEAD(shared, ephemeral, static []byte, serverId string) (cipher.AEAD, error) {
	salt := make([]byte, 0, len(ephemeral)+len(static))
	salt = append(salt, ephemeral...)
	salt = append(salt, static...)

	kek := make([]byte, chacha20poly1305.KeySize)
	defer clear(kek)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(sealInfo+serverId))
	_, err := io.ReadFull(kdf, kek)
	if nil != err {
		return nil, wrapError(err, "failed deriving key encryption key")
	}

	return chacha20poly1305.NewX(kek)
}
