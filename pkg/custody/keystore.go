package custody

import (
	"slices"
	"sync"
	"time"
)

// KeyStore persists one KeyRecord per server identity.
type KeyStore interface {

	// SaveKey saves rec in the KeyStore, replacing any record with the same ServerId.
	// It errors if rec is invalid or could not be saved.
	SaveKey(rec KeyRecord) error

	// LoadKey loads the KeyRecord of serverId into dst.
	// It returns true if the KeyRecord was found and successfully loaded.
	LoadKey(serverId string, dst *KeyRecord) (bool, error)

	// RemoveKey removes the KeyRecord of serverId from the KeyStore.
	// It returns true if the KeyRecord was effectively removed.
	RemoveKey(serverId string) (bool, error)

	// KeyCount returns the number of KeyRecord in the KeyStore.
	// It returns -1 in case of error.
	KeyCount() int
}

// KeyRecord holds a device keypair.
//
// The private key is only stored sealed, see Custody for the sealing scheme.
type KeyRecord struct {
	ServerId     string    `json:"1" cbor:"1,keyasint"`
	PublicKey    []byte    `json:"2" cbor:"2,keyasint"` // PKIX DER
	SealedKey    []byte    `json:"3" cbor:"3,keyasint"` // nonce | XChaCha20-Poly1305(PKCS#1 DER)
	EphemeralKey []byte    `json:"4" cbor:"4,keyasint"` // X25519 public key used for sealing
	EnrollmentId string    `json:"5" cbor:"5,keyasint"`
	Created      time.Time `json:"6" cbor:"6,keyasint"`
}

// Check returns an error if the KeyRecord is invalid.
func (self KeyRecord) Check() error {
	if "" == self.ServerId {
		return newError("empty ServerId")
	}
	if 0 == len(self.PublicKey) {
		return newError("empty PublicKey")
	}
	if len(self.SealedKey) <= sealNonceSize {
		return newError("invalid SealedKey, too short")
	}
	if 32 != len(self.EphemeralKey) {
		return newError("invalid EphemeralKey, length != 32")
	}
	if "" == self.EnrollmentId {
		return newError("empty EnrollmentId")
	}

	return nil
}

func (self KeyRecord) clone() KeyRecord {
	self.PublicKey = slices.Clone(self.PublicKey)
	self.SealedKey = slices.Clone(self.SealedKey)
	self.EphemeralKey = slices.Clone(self.EphemeralKey)
	return self
}

// MemKeyStore provides "in memory" implementation of KeyStore.
type MemKeyStore struct {
	mut    sync.Mutex
	keyTbl map[string]KeyRecord
}

func NewMemKeyStore() *MemKeyStore {
	return &MemKeyStore{keyTbl: make(map[string]KeyRecord)}
}

// SaveKey saves rec in the MemKeyStore.
func (self *MemKeyStore) SaveKey(rec KeyRecord) error {
	err := rec.Check()
	if nil != err {
		return wrapError(err, "invalid key record")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	self.keyTbl[rec.ServerId] = rec.clone()

	return nil
}

// LoadKey loads the KeyRecord of serverId into dst.
func (self *MemKeyStore) LoadKey(serverId string, dst *KeyRecord) (bool, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	rec, found := self.keyTbl[serverId]
	if found {
		*dst = rec.clone()
	}

	return found, nil
}

// RemoveKey removes the KeyRecord of serverId from the MemKeyStore.
func (self *MemKeyStore) RemoveKey(serverId string) (bool, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	_, found := self.keyTbl[serverId]
	delete(self.keyTbl, serverId)

	return found, nil
}

// KeyCount returns the number of KeyRecord in the MemKeyStore.
func (self *MemKeyStore) KeyCount() int {
	self.mut.Lock()
	defer self.mut.Unlock()

	return len(self.keyTbl)
}

var _ KeyStore = &MemKeyStore{}
