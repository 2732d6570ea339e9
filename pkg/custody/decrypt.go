package custody

import (
	"context"
	"errors"
	"time"

	"github.com/Jyppino/DoorPi-App/internal/observability"
)

// DecryptOp is an ongoing authenticated decryption.
type DecryptOp struct {
	done      chan struct{}
	cancel    context.CancelFunc
	plaintext []byte
	err       error
}

// Done returns a channel that is closed when the DecryptOp completes.
func (self *DecryptOp) Done() <-chan struct{} {
	return self.done
}

// Wait blocks until the DecryptOp completes and returns its result.
func (self *DecryptOp) Wait() ([]byte, error) {
	<-self.done
	return self.plaintext, self.err
}

// Cancel aborts the DecryptOp. A DecryptOp canceled before it completes
// errors with ErrAuthCanceled.
func (self *DecryptOp) Cancel() {
	self.cancel()
}

// BeginAuthenticatedDecrypt starts decrypting ciphertext with the Custody private key.
//
// The user is prompted through the Gate and the private key is unsealed only after a
// successful authentication. At most one prompt is pending per Custody, starting a new
// DecryptOp cancels the pending one and waits PromptDelay before prompting.
//
// The DecryptOp result errors with
//   - ErrAuthCanceled if the prompt was aborted by the user, Cancel, CancelPending or ctx,
//   - ErrAuthFailed if the Gate refused the user,
//   - ErrKeyInvalidated if the private key could not be used after authentication,
//   - ErrAuthUnsupported if the Gate is not available.
func (self *Custody) BeginAuthenticatedDecrypt(ctx context.Context, ciphertext []byte) *DecryptOp {
	opctx, cancel := context.WithCancel(ctx)
	op := &DecryptOp{done: make(chan struct{}), cancel: cancel}

	self.slotMut.Lock()
	prev := self.pending
	self.pending = op
	self.slotMut.Unlock()

	if nil != prev {
		prev.Cancel()
	}

	go func() {
		defer close(op.done)
		defer cancel()
		defer self.releaseSlot(op)

		op.plaintext, op.err = self.authenticatedDecrypt(opctx, ciphertext, nil != prev)
	}()

	return op
}

// Decrypt is BeginAuthenticatedDecrypt followed by Wait.
func (self *Custody) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return self.BeginAuthenticatedDecrypt(ctx, ciphertext).Wait()
}

// CancelPending cancels the pending DecryptOp if any.
func (self *Custody) CancelPending() {
	self.slotMut.Lock()
	op := self.pending
	self.pending = nil
	self.slotMut.Unlock()

	if nil != op {
		op.Cancel()
	}
}

func (self *Custody) releaseSlot(op *DecryptOp) {
	self.slotMut.Lock()
	defer self.slotMut.Unlock()

	if self.pending == op {
		self.pending = nil
	}
}

func (self *Custody) authenticatedDecrypt(ctx context.Context, ciphertext []byte, replacing bool) ([]byte, error) {
	log := observability.GetObservability(ctx).Log().With("serverId", self.serverId)

	if replacing {
		timer := time.NewTimer(self.promptDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, raiseError(ErrAuthCanceled, nil, "canceled before prompt")
		case <-timer.C:
		}
	}

	if !self.gate.Available() {
		return nil, raiseError(ErrAuthUnsupported, nil, "Gate not available")
	}

	var rec KeyRecord
	found, err := self.store.LoadKey(self.serverId, &rec)
	if nil != err {
		errmsg := "failed loading key record"
		log.Debug(errmsg, "error", err)
		return nil, wrapError(err, errmsg)
	}
	if !found {
		return nil, raiseError(ErrKeyInvalidated, nil, "no key for server %s", self.serverId)
	}

	prompt := Prompt{ServerId: self.serverId, Title: "Authenticate to use the DoorPi key"}
	grant, err := self.gate.Authenticate(ctx, prompt)
	switch {
	case nil != ctx.Err():
		return nil, raiseError(ErrAuthCanceled, err, "prompt canceled")
	case errors.Is(err, ErrAuthCanceled):
		return nil, wrapError(err, "prompt canceled by user")
	case nil != err:
		errmsg := "failed Gate authentication"
		log.Debug(errmsg, "error", err)
		if errors.Is(err, ErrAuthFailed) {
			return nil, wrapError(err, errmsg)
		}
		return nil, raiseError(ErrAuthFailed, err, errmsg)
	}
	if grant.EnrollmentId != rec.EnrollmentId {
		log.Debug("key sealed under a previous enrollment", "keyEnrollment", rec.EnrollmentId)
		return nil, raiseError(ErrKeyInvalidated, nil, "Gate enrollment changed since key creation")
	}

	priv, err := unsealKey(grant, rec)
	if nil != err {
		errmsg := "failed unsealing private key"
		log.Debug(errmsg, "error", err)
		return nil, raiseError(ErrKeyInvalidated, err, errmsg)
	}

	plaintext, err := decryptOAEP(priv, ciphertext)
	if nil != err {
		errmsg := "failed OAEP decryption"
		log.Debug(errmsg, "error", err)
		return nil, raiseError(ErrKeyInvalidated, err, errmsg)
	}

	return plaintext, nil
}
