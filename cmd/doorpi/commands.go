package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/Jyppino/DoorPi-App/internal/config"
	"github.com/Jyppino/DoorPi-App/pkg/doorapi"
	"github.com/Jyppino/DoorPi-App/pkg/gate"
	"github.com/Jyppino/DoorPi-App/pkg/session"
)

// actionCommands maps session actions to the commands that run them.
var actionCommands = map[session.Action]string{
	session.ActionUnlock:     "unlock",
	session.ActionInvite:     "invite",
	session.ActionManage:     "keys",
	session.ActionDeleteSelf: "delete",
	session.ActionRenameSelf: "rename",
	session.ActionRegister:   "register",
}

func newRootCmd(d deps) *cobra.Command {
	a := &app{deps: d}
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:           "doorpi",
		Short:         "DoorPi door unlock client",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is doorpi.yaml in the user config directory)")
	flags.String("host", defaults.Host, "DoorPi server host")
	flags.Int("port", defaults.Port, "DoorPi server port")
	flags.Bool("ssl", defaults.SSL, "connect using https")
	flags.Bool("verify-cert", defaults.VerifyCert, "verify the server certificate (needs --ssl)")
	flags.String("data-dir", defaults.DataDir, "directory of the key database")
	flags.String("lang", defaults.Lang, `messages language ("en", "nl")`)
	flags.String("log-level", defaults.LogLevel, "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newStatusCmd(a),
		newUnlockCmd(a),
		newRegisterCmd(a),
		newInviteCmd(a),
		newRenameCmd(a),
		newDeleteCmd(a),
		newKeysCmd(a),
		newEnrollCmd(a),
		newResetKeyCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)

	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the device state on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.connect(cmd.Context())
			if nil == a.sess {
				return a.report(err)
			}
			a.printSession()
			return a.report(err)
		},
	}
}

func newUnlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the door",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			err := a.connect(ctx)
			if nil == err {
				_, err = a.sess.Unlock(ctx)
			}
			if nil != a.sess {
				a.printStatus(a.sess.Status())
			}
			return a.report(err)
		},
	}
}

func newRegisterCmd(a *app) *cobra.Command {
	var name, code string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this device on the server",
		Long: `Register this device key on the server.

A server in setup mode accepts the first device without code and makes it admin.
Otherwise an admin provides a registration code with 'doorpi invite'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			err := a.connect(ctx)
			if nil == err {
				err = a.sess.Register(ctx, name, code)
			}
			if nil != err {
				return a.report(err)
			}
			fmt.Fprintln(a.out, a.styles.info.Render(a.tr.T("register.done", map[string]any{"Name": name})))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name of the device key")
	cmd.Flags().StringVar(&code, "code", "", "registration code")

	return cmd
}

func newInviteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "invite",
		Short: "Create a registration code for a new device (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			err := a.connect(ctx)
			var code string
			if nil == err {
				code, err = a.sess.Invite(ctx)
			}
			if nil != err {
				return a.report(err)
			}
			fmt.Fprintln(a.out, a.tr.T("invite.code", map[string]any{"Code": a.styles.title.Render(code)}))
			return nil
		},
	}
}

func newRenameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename NAME",
		Short: "Rename this device key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			err := a.connect(ctx)
			if nil == err {
				err = a.sess.RenameSelf(ctx, args[0])
			}
			if nil != err {
				return a.report(err)
			}
			a.printStatus(a.sess.Status())
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete this device key from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			err := a.connect(ctx)
			if nil != err {
				return a.report(err)
			}
			if !yes && !a.confirm(a.tr.T("delete.confirm")) {
				fmt.Fprintln(a.out, a.tr.T("delete.aborted"))
				return nil
			}
			err = a.sess.DeleteSelf(ctx)
			if nil != err {
				return a.report(err)
			}
			a.printStatus(a.sess.Notice())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the keys registered on the server (admin)",
	}

	// run connects then calls op
	run := func(op func(cmd *cobra.Command, args []string) (string, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			err := a.connect(cmd.Context())
			var msg string
			if nil == err {
				msg, err = op(cmd, args)
			}
			if nil != err {
				return a.report(err)
			}
			if "" != msg {
				fmt.Fprintln(a.out, a.styles.info.Render(msg))
			}
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the registered keys",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, args []string) (string, error) {
				keys, err := a.sess.ListKeys(cmd.Context())
				if nil != err {
					return "", err
				}
				a.printKeys(keys)
				return "", nil
			}),
		},
		&cobra.Command{
			Use:   "delete ID",
			Short: "Delete a key",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) (string, error) {
				err := a.sess.DeleteKey(cmd.Context(), args[0])
				return a.tr.T("keys.deleted", map[string]any{"Id": args[0]}), err
			}),
		},
		&cobra.Command{
			Use:   "rename ID NAME",
			Short: "Rename a key",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(cmd *cobra.Command, args []string) (string, error) {
				err := a.sess.RenameKey(cmd.Context(), args[0], args[1])
				return a.tr.T("keys.renamed", map[string]any{"Id": args[0], "Name": args[1]}), err
			}),
		},
		&cobra.Command{
			Use:   "promote ID",
			Short: "Grant the admin role to a key",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) (string, error) {
				err := a.sess.SetAdmin(cmd.Context(), args[0], true)
				return a.tr.T("keys.promoted", map[string]any{"Id": args[0]}), err
			}),
		},
		&cobra.Command{
			Use:   "demote ID",
			Short: "Revoke the admin role of a key",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string) (string, error) {
				err := a.sess.SetAdmin(cmd.Context(), args[0], false)
				return a.tr.T("keys.demoted", map[string]any{"Id": args[0]}), err
			}),
		},
	)

	return cmd
}

func newEnrollCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enroll",
		Short: "Set the passphrase that protects the device keys",
		Long: `Set the passphrase that protects the device keys.

Enrolling again replaces the passphrase and invalidates every device key,
which then needs to be reset and registered again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			err := a.openGate()
			if nil != err {
				return a.report(err)
			}
			if a.gate.Enrolled() {
				fmt.Fprintln(a.errOut, a.styles.warn.Render(a.tr.T("enroll.replace")))
			}

			prompter := a.prompter
			if nil == prompter {
				prompter = gate.TerminalPrompter{Out: a.errOut}
			}
			passphrase, err := prompter.ReadPassphrase(ctx, a.tr.T("enroll.new"))
			if nil != err {
				return a.report(err)
			}
			repeat, err := prompter.ReadPassphrase(ctx, a.tr.T("enroll.repeat"))
			if nil != err {
				return a.report(err)
			}
			if !bytes.Equal(passphrase, repeat) {
				return a.report(errors.New(a.tr.T("enroll.mismatch")))
			}

			_, err = a.gate.Enroll(ctx, passphrase, gate.DefaultKDFParams)
			clear(passphrase)
			clear(repeat)
			if nil != err {
				return a.report(err)
			}
			fmt.Fprintln(a.out, a.styles.info.Render(a.tr.T("enroll.done")))
			return nil
		},
	}
}

func newResetKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-key",
		Short: "Discard the device key of the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			err := a.connect(ctx)
			if nil == err {
				err = a.sess.ResetKey(ctx)
			}
			if nil != err {
				return a.report(err)
			}
			fmt.Fprintln(a.out, a.styles.info.Render(a.tr.T("reset.done")))
			if session.Unregistered == a.sess.State() {
				fmt.Fprintln(a.out, a.styles.faint.Render(a.tr.T("hint.register")))
			}
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	var system bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the current configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteConfigFile(a.cfg, system)
			if nil != err {
				return a.report(err)
			}
			fmt.Fprintln(a.out, a.tr.T("config.written", map[string]any{"Path": path}))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&system, "system", false, "write the system wide config file")
	cmd.AddCommand(initCmd)

	return cmd
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the doorpi version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(a.out, a.tr.T("app.version", map[string]any{"Version": version}))
		},
	}
}

// confirm prints question and returns true if the user answered yes.
func (self *app) confirm(question string) bool {
	fmt.Fprint(self.out, question)
	line, _ := bufio.NewReader(self.input()).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes", "j", "ja":
		return true
	}
	return false
}

func (self *app) printSession() {
	st := self.styles
	sess := self.sess

	address := net.JoinHostPort(self.cfg.Host, strconv.Itoa(self.cfg.Port))
	fmt.Fprintln(self.out, st.title.Render(self.tr.T("status.server", map[string]any{"Address": address})))

	state := sess.State()
	switch state {
	case session.Disconnected:
		fmt.Fprintln(self.out, st.err.Render(self.tr.T("host.disconnected")))
	case session.Connecting:
		fmt.Fprintln(self.out, st.warn.Render(self.tr.T("host.connecting")))
	default:
		fmt.Fprintln(self.out, st.info.Render(self.tr.T("status.name", map[string]any{"Name": sess.Settings().Name})))
	}
	fmt.Fprintln(self.out, self.tr.T("status.state", map[string]any{"State": self.tr.T("state." + state.String())}))

	identity := sess.Identity()
	switch {
	case identity.IsAdmin:
		fmt.Fprintln(self.out, self.tr.T("status.identity.admin", map[string]any{"Id": identity.UserId}))
	case identity.IsRegistered:
		fmt.Fprintln(self.out, self.tr.T("status.identity.user", map[string]any{"Id": identity.UserId}))
	case session.Unregistered == state:
		fmt.Fprintln(self.out, self.tr.T("status.identity.none"))
		if handoff, _ := sess.Handoff(); handoff.Setup {
			fmt.Fprintln(self.out, st.warn.Render(self.tr.T("status.setup")))
		}
	}

	self.printStatus(sess.Status())
	if session.Disconnected == state {
		self.printStatus(sess.Notice())
	}

	names := make([]string, 0, len(actionCommands))
	for _, action := range sess.Actions() {
		names = append(names, actionCommands[action])
	}
	if 0 == len(names) {
		fmt.Fprintln(self.out, st.faint.Render(self.tr.T("status.actions.none")))
		if hint := self.permissionHint(); "" != hint {
			fmt.Fprintln(self.out, st.faint.Render(hint))
		}
	} else {
		fmt.Fprintln(self.out, self.tr.T("status.actions", map[string]any{"Actions": strings.Join(names, ", ")}))
	}
}

func (self *app) printKeys(keys []doorapi.KeyInfo) {
	yesNo := func(v bool) string {
		if v {
			return self.tr.T("keys.yes")
		}
		return self.tr.T("keys.no")
	}

	t := table.New().Headers(strings.Split(self.tr.T("keys.header"), "\t")...)
	for _, key := range keys {
		name := key.Name
		if key.IsSelf {
			name += " " + self.tr.T("keys.self")
		}
		latest := self.tr.T("keys.never")
		if nil != key.LatestUnlock {
			latest = key.LatestUnlock.Local().Format(time.DateTime)
		}
		t.Row(
			string(key.Id),
			name,
			yesNo(key.Admin),
			strconv.Itoa(key.Unlocks),
			latest,
			key.Created.Local().Format(time.DateTime),
		)
	}
	fmt.Fprintln(self.out, t.String())
}
