// Package custody manages the device keypairs used to answer DoorPi challenges.
//
// A Custody holds the keypair of a single server. Its private key is stored sealed
// in a KeyStore and is only unsealed after a Gate authenticated the user.
package custody

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"sync"
	"time"

	"github.com/Jyppino/DoorPi-App/internal/observability"
)

const (
	DefaultKeyBits     = 2048
	DefaultPromptDelay = time.Millisecond
)

// Cfg holds Custody configuration.
type Cfg struct {
	ServerId    string
	Store       KeyStore
	Gate        Gate
	KeyBits     int           // RSA modulus size, DefaultKeyBits if 0
	PromptDelay time.Duration // pause before a new prompt, DefaultPromptDelay if 0
}

// Check returns an error if the Cfg is invalid.
func (self Cfg) Check() error {
	if "" == self.ServerId {
		return newError("empty ServerId")
	}
	if nil == self.Store {
		return newError("nil Store")
	}
	if nil == self.Gate {
		return newError("nil Gate")
	}
	if 0 != self.KeyBits && self.KeyBits < DefaultKeyBits {
		return newError("invalid KeyBits %d, less than %d", self.KeyBits, DefaultKeyBits)
	}
	if self.PromptDelay < 0 {
		return newError("negative PromptDelay")
	}

	return nil
}

// Custody holds the keypair of one server identity.
type Custody struct {
	serverId    string
	store       KeyStore
	gate        Gate
	keyBits     int
	promptDelay time.Duration

	keyMut sync.Mutex
	pub    *rsa.PublicKey

	slotMut sync.Mutex
	pending *DecryptOp
}

// Open returns a Custody for cfg.ServerId.
// It does not access the KeyStore, keys are loaded or generated by EnsureKeyPair.
func Open(cfg Cfg) (*Custody, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid Cfg")
	}

	rv := &Custody{
		serverId:    cfg.ServerId,
		store:       cfg.Store,
		gate:        cfg.Gate,
		keyBits:     cfg.KeyBits,
		promptDelay: cfg.PromptDelay,
	}
	if 0 == rv.keyBits {
		rv.keyBits = DefaultKeyBits
	}
	if 0 == rv.promptDelay {
		rv.promptDelay = DefaultPromptDelay
	}

	return rv, nil
}

// ServerId returns the server identity the Custody belongs to.
func (self *Custody) ServerId() string {
	return self.serverId
}

// SupportsAuthentication returns true if the Gate can currently authenticate the user.
// Private key operations are not possible when it returns false.
func (self *Custody) SupportsAuthentication() bool {
	return self.gate.Available()
}

// EnsureKeyPair returns the public key of the Custody server, generating and saving a
// new keypair if the KeyStore has none.
//
// The new private key is sealed under the current Gate Binding. Generation failures
// are flagged with ErrKeyGeneration.
func (self *Custody) EnsureKeyPair(ctx context.Context) (*rsa.PublicKey, error) {
	log := observability.GetObservability(ctx).Log().With("serverId", self.serverId)

	self.keyMut.Lock()
	defer self.keyMut.Unlock()

	var rec KeyRecord
	found, err := self.store.LoadKey(self.serverId, &rec)
	if nil != err {
		errmsg := "failed loading key record"
		log.Debug(errmsg, "error", err)
		return nil, wrapError(err, errmsg)
	}
	if found {
		pub, err := parsePublicKey(rec.PublicKey)
		if nil != err {
			errmsg := "failed parsing stored public key"
			log.Debug(errmsg, "error", err)
			return nil, raiseError(ErrKeyInvalidated, err, errmsg)
		}
		self.pub = pub
		return pub, nil
	}

	binding, err := self.gate.Binding(ctx)
	if nil != err {
		errmsg := "failed obtaining Gate Binding"
		log.Debug(errmsg, "error", err)
		return nil, raiseError(ErrKeyGeneration, err, errmsg)
	}

	t0 := time.Now()
	priv, err := rsa.GenerateKey(rand.Reader, self.keyBits)
	if nil != err {
		errmsg := "failed generating RSA key"
		log.Debug(errmsg, "error", err)
		return nil, raiseError(ErrKeyGeneration, err, errmsg)
	}

	pubDer, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if nil != err {
		return nil, raiseError(ErrKeyGeneration, err, "failed marshaling public key")
	}
	ephemeral, sealed, err := sealKey(binding, self.serverId, priv)
	if nil != err {
		errmsg := "failed sealing private key"
		log.Debug(errmsg, "error", err)
		return nil, raiseError(ErrKeyGeneration, err, errmsg)
	}

	rec = KeyRecord{
		ServerId:     self.serverId,
		PublicKey:    pubDer,
		SealedKey:    sealed,
		EphemeralKey: ephemeral,
		EnrollmentId: binding.EnrollmentId,
		Created:      time.Now().UTC(),
	}
	err = self.store.SaveKey(rec)
	if nil != err {
		errmsg := "failed saving key record"
		log.Debug(errmsg, "error", err)
		return nil, raiseError(ErrKeyGeneration, err, errmsg)
	}
	log.Info("generated device key", "bits", self.keyBits, "duration", time.Since(t0))

	self.pub = &priv.PublicKey

	return self.pub, nil
}

// PublicKey returns the public key loaded by EnsureKeyPair or nil.
func (self *Custody) PublicKey() *rsa.PublicKey {
	self.keyMut.Lock()
	defer self.keyMut.Unlock()

	return self.pub
}

// PublicKeyBase64 returns the standard base64 encoding of the PKIX DER public key.
// It returns an empty string if EnsureKeyPair was not called successfully.
func (self *Custody) PublicKeyBase64() string {
	pub := self.PublicKey()
	if nil == pub {
		return ""
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if nil != err {
		return ""
	}
	return base64.StdEncoding.EncodeToString(der)
}

// Encrypt encrypts plaintext with the Custody public key, see EncryptOAEP.
func (self *Custody) Encrypt(plaintext []byte) ([]byte, error) {
	pub := self.PublicKey()
	if nil == pub {
		return nil, newError("no public key, EnsureKeyPair not called")
	}

	return EncryptOAEP(pub, plaintext)
}

// Reset cancels any pending prompt and removes the Custody keypair from the KeyStore.
// The next EnsureKeyPair generates a new keypair.
func (self *Custody) Reset(ctx context.Context) error {
	self.CancelPending()

	self.keyMut.Lock()
	defer self.keyMut.Unlock()

	self.pub = nil
	removed, err := self.store.RemoveKey(self.serverId)
	if nil != err {
		return wrapError(err, "failed removing key record")
	}
	observability.GetObservability(ctx).Log().Info(
		"reset device key",
		"serverId", self.serverId,
		"removed", removed,
	)

	return nil
}

// EncryptOAEP encrypts plaintext for pub using RSA-OAEP with a SHA-256 label hash and
// MGF1-SHA1, the encoding DoorPi servers use for challenges.
//
// It errors if plaintext is longer than pub.Size() - 2*32 - 2 bytes.
func EncryptOAEP(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	maxSize := pub.Size() - 2*sha256.Size - 2
	if len(plaintext) > maxSize {
		return nil, newError("plaintext too long, %d > %d", len(plaintext), maxSize)
	}

	ct, err := encryptOAEP(pub, plaintext)

	return ct, wrapError(err, "failed OAEP encryption") // nil if err is nil
}

// ParsePublicKeyBase64 decodes a standard base64 PKIX DER RSA public key.
func ParsePublicKeyBase64(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if nil != err {
		return nil, wrapError(err, "failed base64 decoding public key")
	}
	return parsePublicKey(der)
}

func parsePublicKey(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if nil != err {
		return nil, wrapError(err, "failed x509.ParsePKIXPublicKey")
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, newError("public key is not an RSA key")
	}

	return pub, nil
}
