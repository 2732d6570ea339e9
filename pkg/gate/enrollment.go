package gate

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltSize  = 16
	nonceSize = chacha20poly1305.NonceSizeX
)

// EnrollmentStore persists the Gate Enrollment.
type EnrollmentStore interface {
	// SaveEnrollment replaces the stored Enrollment with e.
	SaveEnrollment(e Enrollment) error

	// LoadEnrollment loads the stored Enrollment into dst.
	// It returns true if an Enrollment was found and successfully loaded.
	LoadEnrollment(dst *Enrollment) (bool, error)
}

// KDFParams holds argon2id parameters.
type KDFParams struct {
	Time    uint32 `json:"1" cbor:"1,keyasint"`
	Memory  uint32 `json:"2" cbor:"2,keyasint"` // KiB
	Threads uint8  `json:"3" cbor:"3,keyasint"`
}

// DefaultKDFParams follows golang.org/x/crypto/argon2 IDKey recommendations.
var DefaultKDFParams = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

// Check returns an error if the KDFParams are invalid.
func (self KDFParams) Check() error {
	if 0 == self.Time || 0 == self.Memory || 0 == self.Threads {
		return newError("invalid KDFParams, zero value")
	}
	return nil
}

func (self KDFParams) deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, self.Time, self.Memory, self.Threads, chacha20poly1305.KeySize)
}

// Enrollment holds the Gate X25519 keypair, its private key sealed with a passphrase
// derived key.
//
// A new Enrollment has a new Id, device keys sealed under a previous Enrollment
// can not be opened anymore.
type Enrollment struct {
	Id        string    `json:"1" cbor:"1,keyasint"`
	Salt      []byte    `json:"2" cbor:"2,keyasint"`
	Params    KDFParams `json:"3" cbor:"3,keyasint"`
	PublicKey []byte    `json:"4" cbor:"4,keyasint"`
	SealedKey []byte    `json:"5" cbor:"5,keyasint"` // nonce | XChaCha20-Poly1305(X25519 private key)
	Created   time.Time `json:"6" cbor:"6,keyasint"`
}

// Check returns an error if the Enrollment is invalid.
func (self Enrollment) Check() error {
	if nil != uuid.Validate(self.Id) {
		return newError("invalid Id %q", self.Id)
	}
	if len(self.Salt) < saltSize {
		return newError("invalid Salt, length < %d", saltSize)
	}
	if err := self.Params.Check(); nil != err {
		return wrapError(err, "invalid Params")
	}
	if 32 != len(self.PublicKey) {
		return newError("invalid PublicKey, length != 32")
	}
	if len(self.SealedKey) <= nonceSize {
		return newError("invalid SealedKey, too short")
	}

	return nil
}

// NewEnrollment generates a new Enrollment protected by passphrase.
func NewEnrollment(passphrase []byte, params KDFParams) (Enrollment, error) {
	var rv Enrollment
	if 0 == len(passphrase) {
		return rv, newError("empty passphrase")
	}
	err := params.Check()
	if nil != err {
		return rv, wrapError(err, "invalid KDFParams")
	}

	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if nil != err {
		return rv, wrapError(err, "failed generating X25519 key")
	}

	salt := make([]byte, saltSize)
	nonce := make([]byte, nonceSize)
	_, err = rand.Read(salt)
	if nil == err {
		_, err = rand.Read(nonce)
	}
	if nil != err {
		return rv, wrapError(err, "failed reading random")
	}

	aead, err := newAEAD(params, passphrase, salt)
	if nil != err {
		return rv, wrapError(err, "failed newAEAD")
	}

	rv = Enrollment{
		Id:        uuid.New().String(),
		Salt:      salt,
		Params:    params,
		PublicKey: key.PublicKey().Bytes(),
		Created:   time.Now().UTC(),
	}
	rv.SealedKey = aead.Seal(nonce, nonce, key.Bytes(), []byte(rv.Id))

	return rv, nil
}

// Open returns the Enrollment X25519 private key.
// It errors with ErrBadPassphrase if passphrase does not open the SealedKey.
func (self Enrollment) Open(passphrase []byte) (*ecdh.PrivateKey, error) {
	err := self.Check()
	if nil != err {
		return nil, wrapError(err, "invalid Enrollment")
	}

	aead, err := newAEAD(self.Params, passphrase, self.Salt)
	if nil != err {
		return nil, wrapError(err, "failed newAEAD")
	}
	nonce, ct := self.SealedKey[:nonceSize], self.SealedKey[nonceSize:]
	raw, err := aead.Open(nil, nonce, ct, []byte(self.Id))
	if nil != err {
		return nil, raiseError(ErrBadPassphrase, nil, "failed opening SealedKey")
	}
	defer clear(raw)

	key, err := ecdh.X25519().NewPrivateKey(raw)
	if nil != err {
		return nil, wrapError(err, "failed loading X25519 key")
	}

	return key, nil
}

// publicKey returns the Enrollment X25519 public key.
func (self Enrollment) publicKey() (*ecdh.PublicKey, error) {
	pub, err := ecdh.X25519().NewPublicKey(self.PublicKey)
	return pub, wrapError(err, "invalid PublicKey") // nil if err is nil
}

func newAEAD(params KDFParams, passphrase, salt []byte) (cipher.AEAD, error) {
	key := params.deriveKey(passphrase, salt)
	defer clear(key)

	return chacha20poly1305.NewX(key)
}

func (self Enrollment) clone() Enrollment {
	self.Salt = slices.Clone(self.Salt)
	self.PublicKey = slices.Clone(self.PublicKey)
	self.SealedKey = slices.Clone(self.SealedKey)
	return self
}

// MemEnrollmentStore provides "in memory" implementation of EnrollmentStore.
type MemEnrollmentStore struct {
	mut        sync.Mutex
	enrollment *Enrollment
}

// SaveEnrollment replaces the stored Enrollment with e.
func (self *MemEnrollmentStore) SaveEnrollment(e Enrollment) error {
	err := e.Check()
	if nil != err {
		return wrapError(err, "invalid Enrollment")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	e = e.clone()
	self.enrollment = &e

	return nil
}

// LoadEnrollment loads the stored Enrollment into dst.
func (self *MemEnrollmentStore) LoadEnrollment(dst *Enrollment) (bool, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	if nil == self.enrollment {
		return false, nil
	}
	*dst = self.enrollment.clone()

	return true, nil
}

var _ EnrollmentStore = &MemEnrollmentStore{}
