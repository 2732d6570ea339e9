// Package gate provides a passphrase based custody.Gate.
//
// The PassphraseGate enrollment holds an X25519 keypair. Device keys are sealed to its
// public key and the private key is only recovered after the user typed the passphrase.
// Enrolling again replaces the keypair which invalidates every sealed device key.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/Jyppino/DoorPi-App/internal/observability"
	"github.com/Jyppino/DoorPi-App/pkg/custody"
)

const (
	errCanceled = custody.ErrAuthCanceled
	errFailed   = custody.ErrAuthFailed

	defaultMaxAttempts = 3
)

// Cfg holds PassphraseGate configuration.
type Cfg struct {
	Store       EnrollmentStore
	Prompter    Prompter
	MaxAttempts int // 3 if 0
}

// PassphraseGate implements custody.Gate.
type PassphraseGate struct {
	store       EnrollmentStore
	prompter    Prompter
	maxAttempts int
}

// New returns a PassphraseGate that uses cfg.Store & cfg.Prompter.
func New(cfg Cfg) (*PassphraseGate, error) {
	if nil == cfg.Store {
		return nil, newError("nil Store")
	}
	if nil == cfg.Prompter {
		return nil, newError("nil Prompter")
	}
	if cfg.MaxAttempts < 0 {
		return nil, newError("negative MaxAttempts")
	}
	rv := &PassphraseGate{store: cfg.Store, prompter: cfg.Prompter, maxAttempts: cfg.MaxAttempts}
	if 0 == rv.maxAttempts {
		rv.maxAttempts = defaultMaxAttempts
	}

	return rv, nil
}

// Enrolled returns true if the EnrollmentStore holds an Enrollment.
func (self *PassphraseGate) Enrolled() bool {
	var e Enrollment
	found, err := self.store.LoadEnrollment(&e)
	return found && nil == err
}

// Enroll replaces the current Enrollment by a new one protected by passphrase.
func (self *PassphraseGate) Enroll(ctx context.Context, passphrase []byte, params KDFParams) (Enrollment, error) {
	log := observability.GetObservability(ctx).Log()

	e, err := NewEnrollment(passphrase, params)
	if nil != err {
		errmsg := "failed NewEnrollment"
		log.Debug(errmsg, "error", err)
		return e, wrapError(err, errmsg)
	}
	err = self.store.SaveEnrollment(e)
	if nil != err {
		errmsg := "failed saving Enrollment"
		log.Debug(errmsg, "error", err)
		return e, wrapError(err, errmsg)
	}
	log.Info("new gate enrollment", "enrollmentId", e.Id)

	return e, nil
}

// Available returns true if the PassphraseGate is enrolled and its Prompter is available.
func (self *PassphraseGate) Available() bool {
	return self.Enrolled() && self.prompter.Available()
}

// Binding returns the current enrollment Binding. It does not prompt the user.
func (self *PassphraseGate) Binding(ctx context.Context) (custody.Binding, error) {
	var rv custody.Binding

	e, err := self.enrollment()
	if nil != err {
		return rv, err
	}
	pub, err := e.publicKey()
	if nil != err {
		return rv, wrapError(err, "failed loading enrollment public key")
	}
	rv.EnrollmentId = e.Id
	rv.PublicKey = pub

	return rv, nil
}

// Authenticate prompts for the passphrase at most MaxAttempts times.
func (self *PassphraseGate) Authenticate(ctx context.Context, prompt custody.Prompt) (custody.Grant, error) {
	var rv custody.Grant
	log := observability.GetObservability(ctx).Log().With("serverId", prompt.ServerId)

	e, err := self.enrollment()
	if nil != err {
		return rv, raiseError(errFailed, err, "can not authenticate")
	}

	base := prompt.Title
	if "" == base {
		base = "Passphrase"
	}
	title := base
	for attempt := 1; attempt <= self.maxAttempts; attempt++ {
		if attempt > 1 {
			title = fmt.Sprintf("%s (attempt %d/%d)", base, attempt, self.maxAttempts)
		}
		passphrase, err := self.prompter.ReadPassphrase(ctx, title)
		if nil != err {
			if errors.Is(err, errCanceled) || nil != ctx.Err() {
				return rv, raiseError(errCanceled, err, "passphrase prompt dismissed")
			}
			return rv, raiseError(errFailed, err, "failed reading passphrase")
		}

		key, err := e.Open(passphrase)
		clear(passphrase)
		if nil == err {
			rv.EnrollmentId = e.Id
			rv.PrivateKey = key
			return rv, nil
		}
		log.Debug("rejected passphrase", "attempt", attempt, "error", err)
		if !errors.Is(err, ErrBadPassphrase) {
			return rv, raiseError(errFailed, err, "failed opening enrollment")
		}
	}

	return rv, raiseError(errFailed, ErrBadPassphrase, "too many invalid passphrases")
}

func (self *PassphraseGate) enrollment() (Enrollment, error) {
	var e Enrollment
	found, err := self.store.LoadEnrollment(&e)
	if nil != err {
		return e, wrapError(err, "failed loading Enrollment")
	}
	if !found {
		return e, raiseError(ErrNotEnrolled, nil, "gate has no enrollment")
	}

	return e, nil
}

var _ custody.Gate = &PassphraseGate{}
