package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Jyppino/DoorPi-App/internal/observability"
	"github.com/Jyppino/DoorPi-App/pkg/custody"
)

var testParams = KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}

// scriptedPrompter answers prompts with a fixed list of passphrases.
type scriptedPrompter struct {
	mut     sync.Mutex
	answers []string
	titles  []string
}

func (self *scriptedPrompter) prompter() Prompter {
	return PrompterFunc(func(ctx context.Context, title string) ([]byte, error) {
		self.mut.Lock()
		defer self.mut.Unlock()
		self.titles = append(self.titles, title)
		if 0 == len(self.answers) {
			return nil, raiseError(errCanceled, nil, "no more answers")
		}
		answer := self.answers[0]
		self.answers = self.answers[1:]
		return []byte(answer), nil
	})
}

func newTestGate(t *testing.T, answers ...string) (*PassphraseGate, *scriptedPrompter) {
	sp := &scriptedPrompter{answers: answers}
	g, err := New(Cfg{Store: &MemEnrollmentStore{}, Prompter: sp.prompter()})
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	return g, sp
}

func TestNewInvalidCfg(t *testing.T) {
	testcases := []struct {
		name string
		cfg  Cfg
	}{
		{name: "nil Store", cfg: Cfg{Prompter: PrompterFunc(nil)}},
		{name: "nil Prompter", cfg: Cfg{Store: &MemEnrollmentStore{}}},
		{name: "negative MaxAttempts", cfg: Cfg{Store: &MemEnrollmentStore{}, Prompter: PrompterFunc(nil), MaxAttempts: -1}},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			if nil == err {
				t.Error("New did not error")
			}
		})
	}
}

func TestNotEnrolled(t *testing.T) {
	g, _ := newTestGate(t)
	if g.Available() {
		t.Error("gate Available without enrollment")
	}
	_, err := g.Binding(context.Background())
	if !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("expected ErrNotEnrolled, got %v", err)
	}
	_, err = g.Authenticate(context.Background(), custody.Prompt{})
	if !errors.Is(err, custody.ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	observability.SetTestDebugLogging(t)
	testcases := []struct {
		name    string
		answers []string
		expect  error
		prompts int
	}{
		{name: "first attempt", answers: []string{"secret"}, prompts: 1},
		{name: "second attempt", answers: []string{"wrong", "secret"}, prompts: 2},
		{name: "too many attempts", answers: []string{"a", "b", "c", "secret"}, expect: custody.ErrAuthFailed, prompts: 3},
		{name: "dismissed", answers: nil, expect: custody.ErrAuthCanceled, prompts: 1},
		{name: "dismissed after error", answers: []string{"wrong"}, expect: custody.ErrAuthCanceled, prompts: 2},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			g, sp := newTestGate(t, tc.answers...)
			e, err := g.Enroll(context.Background(), []byte("secret"), testParams)
			if nil != err {
				t.Fatalf("failed Enroll, got error %v", err)
			}
			if !g.Available() {
				t.Fatal("gate not Available after Enroll")
			}

			grant, err := g.Authenticate(context.Background(), custody.Prompt{ServerId: "srv", Title: "Unlock"})
			if len(sp.titles) != tc.prompts {
				t.Errorf("unexpected prompts %v", sp.titles)
			}
			if nil != tc.expect {
				if !errors.Is(err, tc.expect) {
					t.Errorf("expected %v, got %v", tc.expect, err)
				}
				return
			}
			if nil != err {
				t.Fatalf("failed Authenticate, got error %v", err)
			}
			if e.Id != grant.EnrollmentId {
				t.Error("Grant EnrollmentId mismatch")
			}
			binding, err := g.Binding(context.Background())
			if nil != err {
				t.Fatalf("failed Binding, got error %v", err)
			}
			if !grant.PrivateKey.PublicKey().Equal(binding.PublicKey) {
				t.Error("Grant PrivateKey does not match Binding PublicKey")
			}
		})
	}
}

func TestAttemptTitles(t *testing.T) {
	g, sp := newTestGate(t, "a", "secret")
	_, err := g.Enroll(context.Background(), []byte("secret"), testParams)
	if nil != err {
		t.Fatalf("failed Enroll, got error %v", err)
	}
	_, err = g.Authenticate(context.Background(), custody.Prompt{})
	if nil != err {
		t.Fatalf("failed Authenticate, got error %v", err)
	}
	expect := []string{"Passphrase", "Passphrase (attempt 2/3)"}
	for i, title := range expect {
		if sp.titles[i] != title {
			t.Errorf("prompt #%d, got %q want %q", i, sp.titles[i], title)
		}
	}
}

func TestEnrollRejectsEmptyPassphrase(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Enroll(context.Background(), nil, testParams)
	if nil == err {
		t.Error("Enroll accepted empty passphrase")
	}
	if g.Enrolled() {
		t.Error("failed Enroll left an enrollment")
	}
}

func TestEnrollmentOpen(t *testing.T) {
	e, err := NewEnrollment([]byte("secret"), testParams)
	if nil != err {
		t.Fatalf("failed NewEnrollment, got error %v", err)
	}
	_, err = e.Open([]byte("Secret"))
	if !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("expected ErrBadPassphrase, got %v", err)
	}

	// SealedKey is bound to the enrollment Id
	other := e
	other.Id = "6f0d2a3e-5b0c-4d8e-9a43-3c1f7b0a9e11"
	_, err = other.Open([]byte("secret"))
	if !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("expected ErrBadPassphrase, got %v", err)
	}
}

func TestReEnrollInvalidatesKeys(t *testing.T) {
	observability.SetTestDebugLogging(t)
	g, _ := newTestGate(t, "first", "second")
	_, err := g.Enroll(context.Background(), []byte("first"), testParams)
	if nil != err {
		t.Fatalf("failed Enroll, got error %v", err)
	}

	cst, err := custody.Open(custody.Cfg{ServerId: "srv", Store: custody.NewMemKeyStore(), Gate: g})
	if nil != err {
		t.Fatalf("failed custody.Open, got error %v", err)
	}
	_, err = cst.EnsureKeyPair(context.Background())
	if nil != err {
		t.Fatalf("failed EnsureKeyPair, got error %v", err)
	}
	ct, err := cst.Encrypt([]byte("42"))
	if nil != err {
		t.Fatalf("failed Encrypt, got error %v", err)
	}
	pt, err := cst.Decrypt(context.Background(), ct)
	if nil != err {
		t.Fatalf("failed Decrypt, got error %v", err)
	}
	if "42" != string(pt) {
		t.Errorf("unexpected plaintext %q", pt)
	}

	_, err = g.Enroll(context.Background(), []byte("second"), testParams)
	if nil != err {
		t.Fatalf("failed Enroll, got error %v", err)
	}
	_, err = cst.Decrypt(context.Background(), ct)
	if !errors.Is(err, custody.ErrKeyInvalidated) {
		t.Errorf("expected ErrKeyInvalidated, got %v", err)
	}
}

func TestTerminalPrompterNotTerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stdin"))
	if nil != err {
		t.Fatalf("failed creating file, got error %v", err)
	}
	defer f.Close()

	tp := TerminalPrompter{In: f}
	if tp.Available() {
		t.Error("regular file reported as terminal")
	}
	_, err = tp.ReadPassphrase(context.Background(), "Passphrase")
	if !errors.Is(err, ErrNotTerminal) {
		t.Errorf("expected ErrNotTerminal, got %v", err)
	}
}
