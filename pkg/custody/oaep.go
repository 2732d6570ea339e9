package custody

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"math/big"
)

// DoorPi servers encrypt challenges with RSA-OAEP using SHA-256 as label hash and
// MGF1 over SHA-1.
var oaepOptions = &rsa.OAEPOptions{Hash: crypto.SHA256, MGFHash: crypto.SHA1}

// decryptOAEP decrypts a DoorPi challenge ciphertext.
func decryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return priv.Decrypt(nil, ciphertext, oaepOptions)
}

// encryptOAEP encodes plaintext as an OAEP message (RFC 8017 7.1.1) using SHA-256
// label hash and MGF1-SHA1, then applies the RSA public operation.
// crypto/rsa EncryptOAEP does not allow choosing the MGF1 hash.
func encryptOAEP(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	k := pub.Size()
	hLen := sha256.Size
	if len(plaintext) > k-2*hLen-2 {
		return nil, rsa.ErrMessageTooLong
	}

	lHash := sha256.Sum256(nil)
	em := make([]byte, k)
	seed := em[1 : 1+hLen]
	db := em[1+hLen:]
	copy(db, lHash[:])
	db[len(db)-len(plaintext)-1] = 0x01
	copy(db[len(db)-len(plaintext):], plaintext)

	_, err := rand.Read(seed)
	if nil != err {
		return nil, err
	}
	mgf1XOR(db, sha1.New(), seed)
	mgf1XOR(seed, sha1.New(), db)

	m := new(big.Int).SetBytes(em)
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)

	return c.FillBytes(make([]byte, k)), nil
}

// mgf1XOR xors out with the MGF1 mask generated from seed.
func mgf1XOR(out []byte, h hash.Hash, seed []byte) {
	var counter [4]byte
	var digest []byte
	done := 0
	for done < len(out) {
		h.Reset()
		h.Write(seed)
		h.Write(counter[:])
		digest = h.Sum(digest[:0])
		for i := 0; i < len(digest) && done < len(out); i++ {
			out[done] ^= digest[i]
			done++
		}
		binary.BigEndian.PutUint32(counter[:], binary.BigEndian.Uint32(counter[:])+1)
	}
}
