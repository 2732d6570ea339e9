// Package challenge runs the DoorPi challenge response operations.
//
// Every privileged operation requests a fresh challenge, decrypts it with the device
// private key after the user authenticated, then submits the answer together with the
// operation parameters. Registration submits the device public key and needs no challenge.
package challenge

import (
	"context"
	"strings"

	"github.com/Jyppino/DoorPi-App/internal/observability"
	"github.com/Jyppino/DoorPi-App/pkg/custody"
	"github.com/Jyppino/DoorPi-App/pkg/doorapi"
)

// Api is the part of *doorapi.Client used by Protocol.
type Api interface {
	Challenge(ctx context.Context, userId string, register bool) ([]byte, error)
	Unlock(ctx context.Context, userId string, answer string) (string, error)
	Register(ctx context.Context, name string, publicKey string, answer string) error
	DeleteKey(ctx context.Context, userId string, deleteId string, answer string) error
	SetName(ctx context.Context, userId string, nameId string, name string, answer string) error
	SetAdmin(ctx context.Context, userId string, adminId string, status bool, answer string) error
	Keys(ctx context.Context, userId string, answer string) ([]doorapi.KeyInfo, error)
}

// Keyring is the part of *custody.Custody used by Protocol.
type Keyring interface {
	SupportsAuthentication() bool
	BeginAuthenticatedDecrypt(ctx context.Context, ciphertext []byte) *custody.DecryptOp
	PublicKeyBase64() string
}

// Challenge is a server issued ciphertext.
type Challenge struct {
	Ciphertext      []byte
	IssuedFor       string // user id
	ForRegistration bool
}

// Answer is the plaintext of a Challenge.
type Answer struct {
	Value     string
	Challenge Challenge
}

// String returns the Answer Value.
func (self Answer) String() string {
	return self.Value
}

// RegisterReq holds registration parameters.
type RegisterReq struct {
	Name  string
	Code  string // registration code obtained from an admin invite
	Setup bool   // server in setup mode, Code is not needed
}

// Check returns an error if the RegisterReq is invalid.
func (self RegisterReq) Check() error {
	if "" == strings.TrimSpace(self.Name) {
		return raiseError(ErrValidation, nil, "name is required")
	}
	if !self.Setup && "" == strings.TrimSpace(self.Code) {
		return raiseError(ErrValidation, nil, "registration code is required")
	}
	return nil
}

// Protocol runs challenge response operations.
type Protocol struct {
	Api     Api
	Custody Keyring
}

// RequestChallenge requests a new Challenge for userId.
func (self Protocol) RequestChallenge(ctx context.Context, userId string, forRegistration bool) (Challenge, error) {
	rv := Challenge{IssuedFor: userId, ForRegistration: forRegistration}
	ct, err := self.Api.Challenge(ctx, userId, forRegistration)
	if nil != err {
		return rv, wrapError(err, "failed requesting challenge")
	}
	rv.Ciphertext = ct

	return rv, nil
}

// Answer decrypts ch after the user authenticated.
func (self Protocol) Answer(ctx context.Context, ch Challenge) (Answer, error) {
	plaintext, err := self.Custody.BeginAuthenticatedDecrypt(ctx, ch.Ciphertext).Wait()
	if nil != err {
		return Answer{}, wrapError(err, "failed answering challenge")
	}

	return Answer{Value: string(plaintext), Challenge: ch}, nil
}

// Unlock opens the door. It returns the name the server welcomed.
func (self Protocol) Unlock(ctx context.Context, userId string) (string, error) {
	var name string
	err := self.run(ctx, "unlock", userId, func(answer Answer) error {
		var err error
		name, err = self.Api.Unlock(ctx, userId, answer.Value)
		return err
	})

	return name, err
}

// Invite returns a registration code for a new device.
// The code is the Answer of a Challenge requested for registration.
func (self Protocol) Invite(ctx context.Context, userId string) (Answer, error) {
	var rv Answer
	err := self.run(ctx, "invite", userId, func(answer Answer) error {
		rv = answer
		return nil
	})

	return rv, err
}

// ListKeys lists the registered keys, marking the userId key as IsSelf.
func (self Protocol) ListKeys(ctx context.Context, userId string) ([]doorapi.KeyInfo, error) {
	var keys []doorapi.KeyInfo
	err := self.run(ctx, "list-keys", userId, func(answer Answer) error {
		var err error
		keys, err = self.Api.Keys(ctx, userId, answer.Value)
		return err
	})
	for i := range keys {
		keys[i].IsSelf = userId == string(keys[i].Id)
	}

	return keys, err
}

// DeleteKey removes the deleteId key.
func (self Protocol) DeleteKey(ctx context.Context, userId string, deleteId string) error {
	if "" == deleteId {
		return raiseError(ErrValidation, nil, "key id is required")
	}
	return self.run(ctx, "delete-key", userId, func(answer Answer) error {
		return self.Api.DeleteKey(ctx, userId, deleteId, answer.Value)
	})
}

// RenameKey renames the nameId key.
func (self Protocol) RenameKey(ctx context.Context, userId string, nameId string, name string) error {
	name = strings.TrimSpace(name)
	if "" == name {
		return raiseError(ErrValidation, nil, "name is required")
	}
	if "" == nameId {
		return raiseError(ErrValidation, nil, "key id is required")
	}
	return self.run(ctx, "rename-key", userId, func(answer Answer) error {
		return self.Api.SetName(ctx, userId, nameId, name, answer.Value)
	})
}

// SetAdmin grants (status true) or revokes the admin role of the adminId key.
func (self Protocol) SetAdmin(ctx context.Context, userId string, adminId string, status bool) error {
	if "" == adminId {
		return raiseError(ErrValidation, nil, "key id is required")
	}
	return self.run(ctx, "set-admin", userId, func(answer Answer) error {
		return self.Api.SetAdmin(ctx, userId, adminId, status, answer.Value)
	})
}

// Register registers the device public key.
func (self Protocol) Register(ctx context.Context, req RegisterReq) error {
	log := observability.GetObservability(ctx).Log().With("operation", "register")

	err := req.Check()
	if nil != err {
		return err
	}
	if !self.Custody.SupportsAuthentication() {
		return raiseError(custody.ErrAuthUnsupported, nil, "device can not authenticate")
	}
	publicKey := self.Custody.PublicKeyBase64()
	if "" == publicKey {
		return raiseError(ErrValidation, nil, "device has no key")
	}

	code := strings.TrimSpace(req.Code)
	if req.Setup {
		code = ""
	}
	err = self.Api.Register(ctx, strings.TrimSpace(req.Name), publicKey, code)
	if nil != err {
		errmsg := "failed registration"
		log.Debug(errmsg, "error", err)
		return wrapError(err, errmsg)
	}
	log.Info("registered device key")

	return nil
}

// run performs the challenge, answer & submit steps of an operation, in that order.
// It stops at the first failing step.
//
// Challenges are always requested in registration mode, DoorPi servers accept the
// answer of an admin challenge as a registration code.
func (self Protocol) run(ctx context.Context, opname string, userId string, submit func(Answer) error) error {
	log := observability.GetObservability(ctx).Log().With("operation", opname)

	if "" == userId {
		return raiseError(ErrValidation, nil, "device is not registered")
	}
	if !self.Custody.SupportsAuthentication() {
		return raiseError(custody.ErrAuthUnsupported, nil, "device can not authenticate")
	}

	ch, err := self.RequestChallenge(ctx, userId, true)
	if nil != err {
		log.Debug("failed challenge step", "error", err)
		return err
	}

	answer, err := self.Answer(ctx, ch)
	if nil != err {
		log.Debug("failed answer step", "error", err)
		return err
	}

	err = submit(answer)
	if nil != err {
		errmsg := "failed submit step"
		log.Debug(errmsg, "error", err)
		return wrapError(err, errmsg)
	}
	log.Debug("completed operation")

	return nil
}
