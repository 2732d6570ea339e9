package doortest

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Jyppino/DoorPi-App/internal/utils"
	"github.com/Jyppino/DoorPi-App/pkg/custody"
)

// PromptEntry is added to the Gate Trace for each prompt.
const PromptEntry = "prompt"

type outcome int

const (
	allow outcome = iota
	cancel
	fail
)

// Gate is a custody.Gate controlled by tests. It accepts every prompt unless told otherwise.
type Gate struct {
	Trace *Trace

	mut          sync.Mutex
	available    bool
	enrollmentId string
	key          *ecdh.PrivateKey
	outcome      outcome
	block        chan struct{}
	prompts      int
}

// NewGate returns an available Gate that records prompts in trace if not nil.
func NewGate(trace *Trace) *Gate {
	rv := &Gate{Trace: trace, available: true}
	rv.ReEnroll()
	return rv
}

// ReEnroll replaces the Gate enrollment, invalidating keys sealed under the previous one.
func (self *Gate) ReEnroll() {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if nil != err {
		panic(err)
	}

	self.mut.Lock()
	defer self.mut.Unlock()
	self.key = key
	self.enrollmentId = uuid.New().String()
}

// SetAvailable controls the Gate Available result.
func (self *Gate) SetAvailable(available bool) {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.available = available
}

// AllowPrompts makes next prompts succeed.
func (self *Gate) AllowPrompts() {
	self.setOutcome(allow)
}

// CancelPrompts makes next prompts dismissed by the user.
func (self *Gate) CancelPrompts() {
	self.setOutcome(cancel)
}

// FailPrompts makes next prompts fail authentication.
func (self *Gate) FailPrompts() {
	self.setOutcome(fail)
}

func (self *Gate) setOutcome(o outcome) {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.outcome = o
}

// BlockPrompts makes next prompts wait until the returned release func is called
// or their Context is done.
func (self *Gate) BlockPrompts() (release func()) {
	self.mut.Lock()
	defer self.mut.Unlock()

	block := make(chan struct{})
	self.block = block
	var once sync.Once
	return func() {
		once.Do(func() { close(block) })
	}
}

// Prompts returns the number of prompts displayed so far.
func (self *Gate) Prompts() int {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.prompts
}

// WaitPrompts waits until the Gate displayed n prompts.
func (self *Gate) WaitPrompts(t testing.TB, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for self.Prompts() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d prompts, got %d", n, self.Prompts())
		}
		time.Sleep(time.Millisecond)
	}
}

// Available implements custody.Gate.
func (self *Gate) Available() bool {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.available
}

// Binding implements custody.Gate.
func (self *Gate) Binding(ctx context.Context) (custody.Binding, error) {
	self.mut.Lock()
	defer self.mut.Unlock()
	return custody.Binding{EnrollmentId: self.enrollmentId, PublicKey: self.key.PublicKey()}, nil
}

// Authenticate implements custody.Gate.
func (self *Gate) Authenticate(ctx context.Context, prompt custody.Prompt) (custody.Grant, error) {
	self.mut.Lock()
	self.prompts += 1
	block := self.block
	o := self.outcome
	grant := custody.Grant{EnrollmentId: self.enrollmentId, PrivateKey: self.key}
	self.mut.Unlock()

	if nil != self.Trace {
		self.Trace.Add(PromptEntry)
	}

	if nil != block {
		select {
		case <-ctx.Done():
			return custody.Grant{}, utils.WrapError(ctx.Err(), 0, custody.ErrAuthCanceled, "prompt dismissed")
		case <-block:
		}
	}

	switch o {
	case cancel:
		return custody.Grant{}, utils.NewError(0, custody.ErrAuthCanceled, "user canceled")
	case fail:
		return custody.Grant{}, utils.NewError(0, custody.ErrAuthFailed, "fingerprint not recognized")
	}

	return grant, nil
}

var _ custody.Gate = &Gate{}
