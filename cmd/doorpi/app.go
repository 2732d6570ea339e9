package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Jyppino/DoorPi-App/internal/config"
	"github.com/Jyppino/DoorPi-App/internal/i18n"
	"github.com/Jyppino/DoorPi-App/internal/observability"
	"github.com/Jyppino/DoorPi-App/internal/utils"
	"github.com/Jyppino/DoorPi-App/pkg/custody"
	"github.com/Jyppino/DoorPi-App/pkg/custody/boltdb"
	"github.com/Jyppino/DoorPi-App/pkg/doorapi"
	"github.com/Jyppino/DoorPi-App/pkg/gate"
	"github.com/Jyppino/DoorPi-App/pkg/session"
)

// deps holds the collaborators that tests replace.
type deps struct {
	prompter   gate.Prompter // gate.TerminalPrompter if nil
	httpClient *http.Client  // built from the configuration if nil
	stdin      io.Reader     // os.Stdin if nil
}

// app holds the state shared by the doorpi commands.
type app struct {
	deps
	cfgFile string

	cfg    config.Config
	tr     *i18n.Translator
	log    *slog.Logger
	out    io.Writer
	errOut io.Writer
	styles styles

	store *boltdb.KeyStore
	gate  *gate.PassphraseGate
	sess  *session.Session
}

type styles struct {
	title lipgloss.Style
	info  lipgloss.Style
	warn  lipgloss.Style
	err   lipgloss.Style
	faint lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title: r.NewStyle().Bold(true),
		info:  r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("3")),
		err:   r.NewStyle().Foreground(lipgloss.Color("1")),
		faint: r.NewStyle().Faint(true),
	}
}

// init loads the configuration and sets cmd Context logger.
func (self *app) init(cmd *cobra.Command) error {
	self.out = cmd.OutOrStdout()
	self.errOut = cmd.ErrOrStderr()
	self.styles = newStyles(self.out)

	cfg, err := config.Load(cmd, self.cfgFile)
	if nil != err {
		return err
	}
	self.cfg = cfg
	self.tr = i18n.New(cfg.Lang)
	self.log = observability.NewLogger(self.errOut, cfg.LogLevel)

	ctx := cmd.Context()
	if nil == ctx {
		ctx = context.Background()
	}
	cmd.SetContext(observability.SetObservability(ctx, &observability.Observability{Logger: self.log}))

	return nil
}

// openGate opens the key database & the passphrase gate.
func (self *app) openGate() error {
	if nil != self.gate {
		return nil
	}

	err := os.MkdirAll(self.cfg.DataDir, 0o700)
	if nil != err {
		return fmt.Errorf("can not create data directory: %w", err)
	}
	store, err := boltdb.New(self.cfg.DbPath())
	if nil != err {
		return err
	}

	prompter := self.prompter
	if nil == prompter {
		prompter = gate.TerminalPrompter{Out: self.errOut}
	}
	g, err := gate.New(gate.Cfg{Store: store, Prompter: prompter})
	if nil != err {
		return err
	}
	self.store = store
	self.gate = g

	return nil
}

// connect opens the Session and reloads it.
// The Session is available even if the returned error is not nil.
func (self *app) connect(ctx context.Context) error {
	err := self.cfg.Check()
	if nil != err {
		return err
	}
	err = self.openGate()
	if nil != err {
		return err
	}

	cli := self.httpClient
	if nil == cli {
		cli = doorapi.NewHttpClient(self.cfg.Timeout, self.cfg.VerifyCert)
	}
	api, err := doorapi.New(doorapi.BaseUrl(self.cfg.Host, self.cfg.Port, self.cfg.SSL), cli)
	if nil != err {
		return err
	}
	sess, err := session.New(session.Cfg{
		Api:     api,
		Store:   self.store,
		Gate:    self.gate,
		KeyBits: self.cfg.KeyBits,
	})
	if nil != err {
		return err
	}
	self.sess = sess

	return sess.Reload(ctx)
}

func (self *app) close() {
	if nil != self.sess {
		self.sess.Close()
	}
}

func (self *app) input() io.Reader {
	if nil == self.stdin {
		return os.Stdin
	}
	return self.stdin
}

// report prints err and the hint that may solve it.
// It returns nil if err does not need to be reported, as when the user canceled.
func (self *app) report(err error) error {
	if nil == err {
		return nil
	}
	self.log.Debug("command failed", "error", err)

	var msg, hint string
	switch {
	case errors.Is(err, custody.ErrAuthCanceled):
		return nil
	case errors.Is(err, custody.ErrKeyInvalidated):
		msg = self.tr.T("session.key-invalidated")
		hint = self.tr.T("hint.reset-key")
	case errors.Is(err, session.ErrNotPermitted):
		msg = self.tr.T("error.not-permitted", map[string]any{"Text": self.stateName()})
		hint = self.permissionHint()
	case errors.Is(err, doorapi.ErrUnreachable):
		msg = self.tr.T("error.unreachable")
	case errors.Is(err, gate.ErrNotEnrolled):
		msg = utils.Message(err)
		hint = self.tr.T("hint.enroll")
	default:
		msg = utils.Message(err)
	}

	fmt.Fprintln(self.errOut, self.styles.err.Render(msg))
	if "" != hint {
		fmt.Fprintln(self.errOut, self.styles.faint.Render(hint))
	}

	return reported{error: err}
}

// reported wraps errors already printed by app.report.
type reported struct {
	error
}

func (self reported) Unwrap() error {
	return self.error
}

func (self *app) stateName() string {
	if nil == self.sess {
		return self.tr.T("state." + session.Disconnected.String())
	}
	return self.tr.T("state." + self.sess.State().String())
}

func (self *app) permissionHint() string {
	switch {
	case nil == self.sess:
		return ""
	case nil != self.gate && !self.gate.Enrolled():
		return self.tr.T("hint.enroll")
	case session.Unregistered == self.sess.State():
		return self.tr.T("hint.register")
	}
	return ""
}

// printStatus prints the last operation Status of the Session, if any.
func (self *app) printStatus(status session.Status) {
	if session.StatusNone == status.Code {
		return
	}
	line := self.tr.T("session."+string(status.Code), map[string]any{"Text": status.Text})
	fmt.Fprintln(self.out, self.levelStyle(status.Level).Render(line))
}

func (self *app) levelStyle(level session.Level) lipgloss.Style {
	switch level {
	case session.LevelInfo:
		return self.styles.info
	case session.LevelWarn:
		return self.styles.warn
	case session.LevelError:
		return self.styles.err
	default:
		return lipgloss.NewStyle()
	}
}
