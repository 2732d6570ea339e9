package challenge

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/Jyppino/DoorPi-App/internal/doortest"
	"github.com/Jyppino/DoorPi-App/internal/observability"
	"github.com/Jyppino/DoorPi-App/pkg/custody"
	"github.com/Jyppino/DoorPi-App/pkg/doorapi"
)

type testDevice struct {
	proto  Protocol
	cst    *custody.Custody
	gate   *doortest.Gate
	trace  *doortest.Trace
	srv    *doortest.Server
	userId string
}

func newTestDevice(t *testing.T, srv *doortest.Server, trace *doortest.Trace) *testDevice {
	gate := doortest.NewGate(trace)
	cst, err := custody.Open(custody.Cfg{
		ServerId: "srv-1",
		Store:    custody.NewMemKeyStore(),
		Gate:     gate,
	})
	if nil != err {
		t.Fatalf("failed custody.Open, got error %v", err)
	}
	_, err = cst.EnsureKeyPair(context.Background())
	if nil != err {
		t.Fatalf("failed EnsureKeyPair, got error %v", err)
	}
	api, err := doorapi.New(srv.URL(), nil)
	if nil != err {
		t.Fatalf("failed doorapi.New, got error %v", err)
	}

	return &testDevice{
		proto: Protocol{Api: api, Custody: cst},
		cst:   cst,
		gate:  gate,
		trace: trace,
		srv:   srv,
	}
}

// newRegisteredDevice returns a device registered as name on a new server.
func newRegisteredDevice(t *testing.T, name string, admin bool) *testDevice {
	observability.SetTestDebugLogging(t)

	trace := &doortest.Trace{}
	srv := doortest.NewServer(t, doorapi.Settings{Id: "srv-1", Name: "Front door"}, trace)
	dev := newTestDevice(t, srv, trace)
	dev.userId = srv.AddUser(name, admin, dev.cst.PublicKeyBase64())

	return dev
}

func checkTrace(t *testing.T, trace *doortest.Trace, expected ...string) {
	t.Helper()
	entries := trace.Entries()
	if !slices.Equal(entries, expected) {
		t.Errorf("invalid trace, got %v != %v", entries, expected)
	}
}

func TestUnlock(t *testing.T) {
	dev := newRegisteredDevice(t, "Alice", false)
	dev.srv.SetNextAnswer("42")

	name, err := dev.proto.Unlock(context.Background(), dev.userId)
	if nil != err {
		t.Fatalf("failed Unlock, got error %v", err)
	}
	if "Alice" != name {
		t.Errorf("invalid name %q", name)
	}
	checkTrace(t, dev.trace, "/challenge", doortest.PromptEntry, "/unlock")

	u, _ := dev.srv.User(dev.userId)
	if 1 != u.Unlocks {
		t.Errorf("invalid unlock count %d", u.Unlocks)
	}
}

func TestUnlockFreshChallenge(t *testing.T) {
	dev := newRegisteredDevice(t, "Alice", false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := dev.proto.Unlock(ctx, dev.userId)
		if nil != err {
			t.Fatalf("#%d: failed Unlock, got error %v", i, err)
		}
	}
	if 3 != dev.gate.Prompts() {
		t.Errorf("invalid prompt count %d", dev.gate.Prompts())
	}
	checkTrace(t, dev.trace,
		"/challenge", doortest.PromptEntry, "/unlock",
		"/challenge", doortest.PromptEntry, "/unlock",
		"/challenge", doortest.PromptEntry, "/unlock",
	)
}

func TestCanceledPromptAbortsOperation(t *testing.T) {
	dev := newRegisteredDevice(t, "Alice", false)
	dev.gate.CancelPrompts()

	_, err := dev.proto.Unlock(context.Background(), dev.userId)
	if !errors.Is(err, custody.ErrAuthCanceled) {
		t.Fatalf("expected ErrAuthCanceled, got %v", err)
	}
	checkTrace(t, dev.trace, "/challenge", doortest.PromptEntry)
}

func TestFailedPromptAbortsOperation(t *testing.T) {
	dev := newRegisteredDevice(t, "Alice", true)
	dev.gate.FailPrompts()

	err := dev.proto.DeleteKey(context.Background(), dev.userId, dev.userId)
	if !errors.Is(err, custody.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	checkTrace(t, dev.trace, "/challenge", doortest.PromptEntry)
	if 1 != dev.srv.UserCount() {
		t.Error("key was deleted")
	}
}

func TestUnsupportedMakesNoCall(t *testing.T) {
	dev := newRegisteredDevice(t, "Alice", true)
	dev.gate.SetAvailable(false)
	ctx := context.Background()

	testcases := []struct {
		name string
		call func() error
	}{
		{name: "unlock", call: func() error { _, err := dev.proto.Unlock(ctx, dev.userId); return err }},
		{name: "invite", call: func() error { _, err := dev.proto.Invite(ctx, dev.userId); return err }},
		{name: "keys", call: func() error { _, err := dev.proto.ListKeys(ctx, dev.userId); return err }},
		{name: "delete", call: func() error { return dev.proto.DeleteKey(ctx, dev.userId, dev.userId) }},
		{name: "rename", call: func() error { return dev.proto.RenameKey(ctx, dev.userId, dev.userId, "Bob") }},
		{name: "admin", call: func() error { return dev.proto.SetAdmin(ctx, dev.userId, dev.userId, false) }},
		{name: "register", call: func() error {
			return dev.proto.Register(ctx, RegisterReq{Name: "Bob", Setup: true})
		}},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			if !errors.Is(err, custody.ErrAuthUnsupported) {
				t.Errorf("expected ErrAuthUnsupported, got %v", err)
			}
		})
	}
	checkTrace(t, dev.trace)
}

func TestValidation(t *testing.T) {
	dev := newRegisteredDevice(t, "Alice", true)
	ctx := context.Background()

	testcases := []struct {
		name string
		call func() error
	}{
		{name: "unregistered", call: func() error { _, err := dev.proto.Unlock(ctx, ""); return err }},
		{name: "blank name", call: func() error { return dev.proto.RenameKey(ctx, dev.userId, dev.userId, "  \t") }},
		{name: "no key id", call: func() error { return dev.proto.DeleteKey(ctx, dev.userId, "") }},
		{name: "no admin id", call: func() error { return dev.proto.SetAdmin(ctx, dev.userId, "", true) }},
		{name: "register no name", call: func() error {
			return dev.proto.Register(ctx, RegisterReq{Name: " ", Code: "abc"})
		}},
		{name: "register no code", call: func() error {
			return dev.proto.Register(ctx, RegisterReq{Name: "Bob"})
		}},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
	checkTrace(t, dev.trace)
}

func TestInviteAndRegister(t *testing.T) {
	admin := newRegisteredDevice(t, "Alice", true)
	ctx := context.Background()

	code, err := admin.proto.Invite(ctx, admin.userId)
	if nil != err {
		t.Fatalf("failed Invite, got error %v", err)
	}
	if "" == code.Value || !code.Challenge.ForRegistration {
		t.Fatalf("invalid invite code %+v", code)
	}
	checkTrace(t, admin.trace, "/challenge", doortest.PromptEntry)

	newcomer := newTestDevice(t, admin.srv, admin.trace)
	err = newcomer.proto.Register(ctx, RegisterReq{Name: "Bob", Code: code.Value})
	if nil != err {
		t.Fatalf("failed Register, got error %v", err)
	}
	if 2 != admin.srv.UserCount() {
		t.Errorf("invalid user count %d", admin.srv.UserCount())
	}

	// codes are single use
	other := newTestDevice(t, admin.srv, admin.trace)
	err = other.proto.Register(ctx, RegisterReq{Name: "Eve", Code: code.Value})
	if !errors.Is(err, doorapi.ErrServerRejected) {
		t.Errorf("expected ErrServerRejected, got %v", err)
	}
}

func TestRegisterSetup(t *testing.T) {
	observability.SetTestDebugLogging(t)

	trace := &doortest.Trace{}
	srv := doortest.NewServer(t, doorapi.Settings{Id: "srv-1", Name: "Front door", Setup: true}, trace)
	dev := newTestDevice(t, srv, trace)

	err := dev.proto.Register(context.Background(), RegisterReq{Name: " Alice ", Code: "ignored", Setup: true})
	if nil != err {
		t.Fatalf("failed Register, got error %v", err)
	}
	checkTrace(t, trace, "/register")

	u, found := srv.User("1")
	if !found {
		t.Fatal("user was not registered")
	}
	if "Alice" != u.Name || !u.Admin {
		t.Errorf("invalid user %+v", u)
	}
}

func TestListKeys(t *testing.T) {
	dev := newRegisteredDevice(t, "Alice", true)
	other := dev.srv.AddUser("Bob", false, "")

	keys, err := dev.proto.ListKeys(context.Background(), dev.userId)
	if nil != err {
		t.Fatalf("failed ListKeys, got error %v", err)
	}
	if 2 != len(keys) {
		t.Fatalf("invalid keys %+v", keys)
	}
	for _, k := range keys {
		switch string(k.Id) {
		case dev.userId:
			if !k.IsSelf || !k.Admin || "Alice" != k.Name {
				t.Errorf("invalid self key %+v", k)
			}
		case other:
			if k.IsSelf || k.Admin || "Bob" != k.Name {
				t.Errorf("invalid other key %+v", k)
			}
		default:
			t.Errorf("unexpected key %+v", k)
		}
	}
	checkTrace(t, dev.trace, "/challenge", doortest.PromptEntry, "/keys")
}

func TestRenameAndSetAdmin(t *testing.T) {
	dev := newRegisteredDevice(t, "Alice", true)
	other := dev.srv.AddUser("Bob", false, "")
	ctx := context.Background()

	err := dev.proto.RenameKey(ctx, dev.userId, other, " Robert ")
	if nil != err {
		t.Fatalf("failed RenameKey, got error %v", err)
	}
	err = dev.proto.SetAdmin(ctx, dev.userId, other, true)
	if nil != err {
		t.Fatalf("failed SetAdmin, got error %v", err)
	}

	u, _ := dev.srv.User(other)
	if "Robert" != u.Name || !u.Admin {
		t.Errorf("invalid user %+v", u)
	}
	checkTrace(t, dev.trace,
		"/challenge", doortest.PromptEntry, "/setName",
		"/challenge", doortest.PromptEntry, "/setAdmin",
	)
}

// flagRecorder records the register flag of each challenge request.
type flagRecorder struct {
	Api
	flags []bool
}

func (self *flagRecorder) Challenge(ctx context.Context, userId string, register bool) ([]byte, error) {
	self.flags = append(self.flags, register)
	return self.Api.Challenge(ctx, userId, register)
}

func TestChallengesRequestedForRegistration(t *testing.T) {
	dev := newRegisteredDevice(t, "Alice", true)
	other := dev.srv.AddUser("Bob", false, "")
	rec := &flagRecorder{Api: dev.proto.Api}
	dev.proto.Api = rec
	ctx := context.Background()

	ops := []struct {
		name string
		call func() error
	}{
		{name: "unlock", call: func() error { _, err := dev.proto.Unlock(ctx, dev.userId); return err }},
		{name: "invite", call: func() error { _, err := dev.proto.Invite(ctx, dev.userId); return err }},
		{name: "list-keys", call: func() error { _, err := dev.proto.ListKeys(ctx, dev.userId); return err }},
		{name: "rename-key", call: func() error { return dev.proto.RenameKey(ctx, dev.userId, other, "Robert") }},
		{name: "set-admin", call: func() error { return dev.proto.SetAdmin(ctx, dev.userId, other, true) }},
		{name: "delete-key", call: func() error { return dev.proto.DeleteKey(ctx, dev.userId, other) }},
	}
	for _, op := range ops {
		err := op.call()
		if nil != err {
			t.Fatalf("failed %s, got error %v", op.name, err)
		}
	}

	expected := []bool{true, true, true, true, true, true}
	if !slices.Equal(expected, rec.flags) {
		t.Errorf("register flags %v, want %v", rec.flags, expected)
	}
}

func TestNotAllowed(t *testing.T) {
	dev := newRegisteredDevice(t, "Alice", false)
	other := dev.srv.AddUser("Bob", true, "")

	err := dev.proto.SetAdmin(context.Background(), dev.userId, other, false)
	if !errors.Is(err, doorapi.ErrServerRejected) {
		t.Fatalf("expected ErrServerRejected, got %v", err)
	}
	msg, ok := doorapi.ServerMessage(err)
	if !ok || "Not allowed" != msg {
		t.Errorf("invalid server message %q", msg)
	}
	checkTrace(t, dev.trace, "/challenge", doortest.PromptEntry, "/setAdmin")
}
