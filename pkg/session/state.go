package session

import (
	"fmt"

	"github.com/Jyppino/DoorPi-App/internal/fsm"
	"github.com/Jyppino/DoorPi-App/pkg/custody"
	"github.com/Jyppino/DoorPi-App/pkg/doorapi"
)

// State is the connectivity state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Registered
	Unregistered // device key unknown to the server, registration is required
)

func (self State) String() string {
	switch self {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Registered:
		return "registered"
	case Unregistered:
		return "unregistered"
	default:
		return fmt.Sprintf("State(%d)", int(self))
	}
}

// event tags
const (
	evtReload       = "reload"
	evtSettings     = "settings"
	evtFailure      = "failure"
	evtRegistered   = "registered"
	evtUnregistered = "unregistered"
	evtUnsupported  = "unsupported"
)

// DeviceIdentity is the device identity on the connected server.
// The zero value is the identity of a device that is not authenticated.
type DeviceIdentity struct {
	UserId       string
	IsAdmin      bool
	IsRegistered bool
}

// Handoff holds what the registration flow needs once the session is Unregistered.
type Handoff struct {
	Setup     bool // server in setup mode, no registration code needed
	PublicKey string
}

// Level is the severity of a Status.
type Level int

const (
	LevelNone Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// StatusCode identifies a Status message.
type StatusCode string

const (
	StatusNone           = StatusCode("")
	StatusWelcome        = StatusCode("welcome")
	StatusAuthFailed     = StatusCode("auth-failed")
	StatusUnsupported    = StatusCode("unsupported")
	StatusKeyInvalidated = StatusCode("key-invalidated")
	StatusKeyRenamed     = StatusCode("key-renamed")
	StatusKeyDeleted     = StatusCode("key-deleted")
	StatusServerMessage  = StatusCode("server-message")
)

// Status is a message displayed to the user. Text holds the message argument if any,
// a name for StatusWelcome, the error message for StatusAuthFailed & StatusServerMessage.
type Status struct {
	Code  StatusCode
	Text  string
	Level Level
}

// String returns an english rendition of the Status.
func (self Status) String() string {
	switch self.Code {
	case StatusNone:
		return ""
	case StatusWelcome:
		return fmt.Sprintf("Welcome %s!", self.Text)
	case StatusUnsupported:
		return "Authentication is not supported on this device"
	case StatusKeyInvalidated:
		return "Device key is no longer usable, reset and register it again"
	case StatusKeyRenamed:
		return "Key was renamed"
	case StatusKeyDeleted:
		return "Key has been deleted"
	default:
		return self.Text
	}
}

// connection is the settings event Data.
type connection struct {
	settings doorapi.Settings
	custody  *custody.Custody
}

// machine holds the Session state driven by fsm.Update.
type machine struct {
	sel         State
	settings    doorapi.Settings
	custody     *custody.Custody
	identity    DeviceIdentity
	handoff     Handoff
	unsupported bool
	status      Status
	notice      Status
}

func (self *machine) State() State {
	return self.sel
}

func (self *machine) SetState(s State) {
	self.sel = s
}

func (self *machine) cancelPending() {
	if nil != self.custody {
		self.custody.CancelPending()
	}
}

func (self *machine) clear() {
	self.cancelPending()
	self.identity = DeviceIdentity{}
	self.handoff = Handoff{}
	self.unsupported = false
	self.status = Status{}
}

func onReload(m *machine, evt fsm.Event) (State, error) {
	m.clear()
	return Connecting, nil
}

func onFailure(m *machine, evt fsm.Event) (State, error) {
	m.clear()
	if notice, ok := evt.Data.(Status); ok {
		m.notice = notice
	}
	return Disconnected, nil
}

func onSettings(m *machine, evt fsm.Event) (State, error) {
	conn, ok := evt.Data.(connection)
	if !ok || nil == conn.custody {
		return m.State(), newError("invalid settings event %v", evt)
	}
	m.settings = conn.settings
	m.custody = conn.custody
	return Connected, nil
}

func onRegistered(m *machine, evt fsm.Event) (State, error) {
	identity, ok := evt.Data.(DeviceIdentity)
	if !ok || "" == identity.UserId {
		return m.State(), newError("invalid registered event %v", evt)
	}
	identity.IsRegistered = true
	m.identity = identity
	return Registered, nil
}

func onUnregistered(m *machine, evt fsm.Event) (State, error) {
	m.handoff = Handoff{Setup: m.settings.Setup, PublicKey: m.custody.PublicKeyBase64()}
	return Unregistered, nil
}

func onUnsupported(m *machine, evt fsm.Event) (State, error) {
	m.unsupported = true
	m.status = Status{Code: StatusUnsupported, Level: LevelError}
	return Connected, nil
}

// transitions is indexed by State.
var transitions = []fsm.Transition[State, *machine]{
	Disconnected: {
		Allow: []string{evtReload, evtFailure},
		Call:  dispatch,
		Exit:  []State{Connecting, Disconnected},
	},
	Connecting: {
		Allow: []string{evtReload, evtFailure, evtSettings},
		Call:  dispatch,
		Exit:  []State{Connecting, Connected, Disconnected},
	},
	Connected: {
		Allow: []string{evtReload, evtFailure, evtRegistered, evtUnregistered, evtUnsupported},
		Call:  dispatch,
		Exit:  []State{Connecting, Connected, Registered, Unregistered, Disconnected},
	},
	Registered: {
		Allow: []string{evtReload, evtFailure},
		Call:  dispatch,
		Exit:  []State{Connecting, Disconnected},
	},
	Unregistered: {
		Allow: []string{evtReload, evtFailure},
		Call:  dispatch,
		Exit:  []State{Connecting, Disconnected},
	},
}

var handlers = map[string]fsm.TransitionFunc[State, *machine]{
	evtReload:       onReload,
	evtFailure:      onFailure,
	evtSettings:     onSettings,
	evtRegistered:   onRegistered,
	evtUnregistered: onUnregistered,
	evtUnsupported:  onUnsupported,
}

func dispatch(m *machine, evt fsm.Event) (State, error) {
	return handlers[evt.Tag](m, evt)
}
