// Package session tracks the device state against a DoorPi server and decides which
// operations are offered.
//
// A Session connects to the server, selects the Custody of the server identity and
// checks whether the device key is registered. Privileged operations run the challenge
// protocol and update the Session according to their outcome.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/Jyppino/DoorPi-App/internal/fsm"
	"github.com/Jyppino/DoorPi-App/internal/observability"
	"github.com/Jyppino/DoorPi-App/internal/utils"
	"github.com/Jyppino/DoorPi-App/pkg/challenge"
	"github.com/Jyppino/DoorPi-App/pkg/custody"
	"github.com/Jyppino/DoorPi-App/pkg/doorapi"
)

// Api is the part of *doorapi.Client used by Session.
type Api interface {
	challenge.Api
	GetSettings(ctx context.Context) (doorapi.Settings, error)
	IsRegistered(ctx context.Context, publicKey string) (doorapi.Registration, error)
}

// Action is an operation offered by a Session.
type Action string

const (
	ActionUnlock     = Action("unlock")
	ActionInvite     = Action("invite")
	ActionManage     = Action("manage") // list, delete, rename & set admin of any key
	ActionDeleteSelf = Action("delete-self")
	ActionRenameSelf = Action("rename-self")
	ActionRegister   = Action("register")
)

// Cfg holds Session configuration.
type Cfg struct {
	Api         Api
	Store       custody.KeyStore
	Gate        custody.Gate
	KeyBits     int
	PromptDelay time.Duration
}

// Check returns an error if the Cfg is invalid.
func (self Cfg) Check() error {
	if nil == self.Api {
		return newError("nil Api")
	}
	if nil == self.Store {
		return newError("nil Store")
	}
	if nil == self.Gate {
		return newError("nil Gate")
	}
	return nil
}

// Session is the device session against one DoorPi server.
// It is safe for concurrent use, but operations are meant to be run one at a time.
type Session struct {
	cfg Cfg

	mut       sync.Mutex
	m         machine
	custodies map[string]*custody.Custody
}

// New returns a Disconnected Session. Call Reload to connect.
func New(cfg Cfg) (*Session, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid Cfg")
	}

	return &Session{
		cfg:       cfg,
		m:         machine{sel: Disconnected},
		custodies: make(map[string]*custody.Custody),
	}, nil
}

// State returns the Session State.
func (self *Session) State() State {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.m.sel
}

// Identity returns the device identity, the zero DeviceIdentity unless Registered.
func (self *Session) Identity() DeviceIdentity {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.m.identity
}

// Settings returns the settings of the latest connected server.
func (self *Session) Settings() doorapi.Settings {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.m.settings
}

// Handoff returns the registration parameters, ok is false unless Unregistered.
func (self *Session) Handoff() (Handoff, bool) {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.m.handoff, Unregistered == self.m.sel
}

// Status returns the outcome of the latest operation.
func (self *Session) Status() Status {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.m.status
}

// Notice returns the message of the latest disconnection.
func (self *Session) Notice() Status {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.m.notice
}

// Actions returns the operations currently offered.
func (self *Session) Actions() []Action {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.actions()
}

func (self *Session) actions() []Action {
	switch self.m.sel {
	case Registered:
		if self.m.identity.IsAdmin {
			return []Action{ActionUnlock, ActionInvite, ActionManage}
		}
		return []Action{ActionUnlock, ActionDeleteSelf, ActionRenameSelf}
	case Unregistered:
		return []Action{ActionRegister}
	default:
		return nil
	}
}

// Reload connects to the server and checks the device registration.
//
// It cancels any pending authentication. Connection failures leave the Session
// Disconnected. If the device can not authenticate, the Session stays Connected and
// offers no operation.
func (self *Session) Reload(ctx context.Context) error {
	log := observability.GetObservability(ctx).Log()

	err := self.fire(fsm.Event{Tag: evtReload})
	if nil != err {
		return err
	}

	settings, err := self.cfg.Api.GetSettings(ctx)
	if nil != err {
		log.Debug("failed retrieving server settings", "error", err)
		return self.handleError(err)
	}
	log = log.With("server", settings.Id)

	cst, err := self.custodyFor(string(settings.Id))
	if nil != err {
		return self.disconnect(err)
	}
	err = self.fire(fsm.Event{Tag: evtSettings, Data: connection{settings: settings, custody: cst}})
	if nil != err {
		return err
	}

	if !cst.SupportsAuthentication() {
		log.Info("device can not authenticate")
		return self.fire(fsm.Event{Tag: evtUnsupported})
	}

	_, err = cst.EnsureKeyPair(ctx)
	if nil != err {
		errmsg := "failed loading device key"
		log.Debug(errmsg, "error", err)
		return self.disconnect(wrapError(err, errmsg))
	}

	reg, err := self.cfg.Api.IsRegistered(ctx, cst.PublicKeyBase64())
	if nil != err {
		log.Debug("failed checking registration", "error", err)
		return self.handleError(err)
	}
	if !reg.Registered {
		log.Debug("device is not registered", "setup", settings.Setup)
		return self.fire(fsm.Event{Tag: evtUnregistered})
	}

	return self.fire(fsm.Event{
		Tag:  evtRegistered,
		Data: DeviceIdentity{UserId: string(reg.Id), IsAdmin: reg.Admin},
	})
}

// Unlock opens the door and returns the welcomed name.
func (self *Session) Unlock(ctx context.Context) (string, error) {
	proto, identity, err := self.begin(ActionUnlock)
	if nil != err {
		return "", err
	}

	name, err := proto.Unlock(ctx, identity.UserId)
	if nil != err {
		return "", self.handleError(err)
	}
	self.setStatus(Status{Code: StatusWelcome, Text: name, Level: LevelInfo})

	return name, nil
}

// Invite returns a registration code for a new device.
func (self *Session) Invite(ctx context.Context) (string, error) {
	proto, identity, err := self.begin(ActionInvite)
	if nil != err {
		return "", err
	}

	code, err := proto.Invite(ctx, identity.UserId)
	if nil != err {
		return "", self.handleError(err)
	}

	return code.Value, nil
}

// ListKeys returns the keys registered on the server.
func (self *Session) ListKeys(ctx context.Context) ([]doorapi.KeyInfo, error) {
	proto, identity, err := self.begin(ActionManage)
	if nil != err {
		return nil, err
	}

	keys, err := proto.ListKeys(ctx, identity.UserId)
	if nil != err {
		return nil, self.handleError(err)
	}

	return keys, nil
}

// DeleteSelf removes the device key from the server then reconnects.
func (self *Session) DeleteSelf(ctx context.Context) error {
	proto, identity, err := self.begin(ActionDeleteSelf)
	if nil != err {
		return err
	}

	err = proto.DeleteKey(ctx, identity.UserId, identity.UserId)
	if nil != err {
		return self.handleError(err)
	}
	err = self.fire(fsm.Event{Tag: evtFailure, Data: Status{Code: StatusKeyDeleted, Level: LevelInfo}})
	if nil != err {
		return err
	}

	return self.Reload(ctx)
}

// RenameSelf renames the device key.
func (self *Session) RenameSelf(ctx context.Context, name string) error {
	proto, identity, err := self.begin(ActionRenameSelf)
	if nil != err {
		return err
	}

	err = proto.RenameKey(ctx, identity.UserId, identity.UserId, name)
	if nil != err {
		return self.handleError(err)
	}
	self.setStatus(Status{Code: StatusKeyRenamed, Level: LevelInfo})

	return nil
}

// DeleteKey removes the keyId key. Deleting the device own key reconnects.
func (self *Session) DeleteKey(ctx context.Context, keyId string) error {
	proto, identity, err := self.begin(ActionManage)
	if nil != err {
		return err
	}

	err = proto.DeleteKey(ctx, identity.UserId, keyId)
	if nil != err {
		return self.handleError(err)
	}
	if keyId == identity.UserId {
		return self.Reload(ctx)
	}

	return nil
}

// RenameKey renames the keyId key.
func (self *Session) RenameKey(ctx context.Context, keyId string, name string) error {
	proto, identity, err := self.begin(ActionManage)
	if nil != err {
		return err
	}

	err = proto.RenameKey(ctx, identity.UserId, keyId, name)
	if nil != err {
		return self.handleError(err)
	}
	self.setStatus(Status{Code: StatusKeyRenamed, Level: LevelInfo})

	return nil
}

// SetAdmin grants or revokes the admin role of the keyId key.
// Revoking the device own admin role reconnects.
func (self *Session) SetAdmin(ctx context.Context, keyId string, status bool) error {
	proto, identity, err := self.begin(ActionManage)
	if nil != err {
		return err
	}

	err = proto.SetAdmin(ctx, identity.UserId, keyId, status)
	if nil != err {
		return self.handleError(err)
	}
	if keyId == identity.UserId && !status {
		return self.Reload(ctx)
	}

	return nil
}

// Register registers the device key as name then reconnects.
// code is ignored if the server is in setup mode.
func (self *Session) Register(ctx context.Context, name string, code string) error {
	self.mut.Lock()
	permitted := slices.Contains(self.actions(), ActionRegister)
	proto := challenge.Protocol{Api: self.cfg.Api, Custody: self.m.custody}
	setup := self.m.handoff.Setup
	self.mut.Unlock()
	if !permitted {
		return utils.NewError(0, ErrNotPermitted, "%s is not permitted", ActionRegister)
	}

	err := proto.Register(ctx, challenge.RegisterReq{Name: name, Code: code, Setup: setup})
	if nil != err {
		return self.handleError(err)
	}

	return self.Reload(ctx)
}

// ResetKey removes the device key of the connected server then reconnects,
// generating a new key that needs to be registered.
func (self *Session) ResetKey(ctx context.Context) error {
	self.mut.Lock()
	cst := self.m.custody
	self.mut.Unlock()
	if nil == cst {
		return utils.NewError(0, ErrNotPermitted, "not connected")
	}

	err := cst.Reset(ctx)
	if nil != err {
		return wrapError(err, "failed resetting device key")
	}

	return self.Reload(ctx)
}

// Close cancels pending authentications.
func (self *Session) Close() error {
	self.mut.Lock()
	defer self.mut.Unlock()

	for _, cst := range self.custodies {
		cst.CancelPending()
	}
	return nil
}

// begin returns what running action needs, or an ErrNotPermitted error if action
// is not offered.
func (self *Session) begin(action Action) (challenge.Protocol, DeviceIdentity, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	if !slices.Contains(self.actions(), action) {
		return challenge.Protocol{}, DeviceIdentity{}, utils.NewError(1, ErrNotPermitted, "%s is not permitted in state %v", action, self.m.sel)
	}

	return challenge.Protocol{Api: self.cfg.Api, Custody: self.m.custody}, self.m.identity, nil
}

// handleError updates the Session according to the kind of err and returns it.
func (self *Session) handleError(err error) error {
	switch {
	case errors.Is(err, doorapi.ErrUnreachable):
		self.fire(fsm.Event{Tag: evtFailure, Data: Status{}})
	case errors.Is(err, doorapi.ErrServerRejected), errors.Is(err, doorapi.ErrInvalidResponse):
		return self.disconnect(err)
	case errors.Is(err, custody.ErrAuthCanceled):
		// silent
	case errors.Is(err, custody.ErrAuthFailed):
		self.setStatus(Status{Code: StatusAuthFailed, Text: utils.Message(err), Level: LevelError})
	case errors.Is(err, custody.ErrKeyInvalidated):
		self.setStatus(Status{Code: StatusKeyInvalidated, Level: LevelError})
	}

	return err
}

// disconnect moves the Session to Disconnected with err message as notice.
func (self *Session) disconnect(err error) error {
	notice := Status{Code: StatusServerMessage, Text: utils.Message(err), Level: LevelError}
	self.fire(fsm.Event{Tag: evtFailure, Data: notice})
	return err
}

func (self *Session) setStatus(status Status) {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.m.status = status
}

func (self *Session) fire(evt fsm.Event) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	err := fsm.Update(&self.m, transitions, evt)
	if nil != err {
		return wrapError(err, "failed processing %v", evt)
	}
	return nil
}

// custodyFor returns the Custody of serverId, opening it on first use.
func (self *Session) custodyFor(serverId string) (*custody.Custody, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	cst, found := self.custodies[serverId]
	if found {
		return cst, nil
	}
	cst, err := custody.Open(custody.Cfg{
		ServerId:    serverId,
		Store:       self.cfg.Store,
		Gate:        self.cfg.Gate,
		KeyBits:     self.cfg.KeyBits,
		PromptDelay: self.cfg.PromptDelay,
	})
	if nil != err {
		return nil, wrapError(err, "failed opening custody")
	}
	self.custodies[serverId] = cst

	return cst, nil
}
