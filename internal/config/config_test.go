package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "doorpi"}
	flags := cmd.Flags()
	flags.String("host", "", "")
	flags.Int("port", 0, "")
	flags.Bool("ssl", false, "")
	flags.Bool("verify-cert", false, "")
	flags.String("data-dir", "", "")
	flags.String("lang", "", "")
	flags.String("log-level", "", "")
	return cmd
}

// isolate points the user config directory to a temporary directory.
func isolate(t *testing.T) string {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv("HOME", tmp)
	for key := range Defaults() {
		name := "DOORPI_" + strings.ToUpper(key)
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	return tmp
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(newTestCommand(), "")
	if nil != err {
		t.Fatalf("failed Load, got error %v", err)
	}
	if 3000 != cfg.Port || !cfg.SSL || cfg.VerifyCert {
		t.Errorf("invalid defaults %+v", cfg)
	}
	if 30*time.Second != cfg.Timeout || "en" != cfg.Lang || "warn" != cfg.LogLevel || 2048 != cfg.KeyBits {
		t.Errorf("invalid defaults %+v", cfg)
	}
	err = cfg.Check()
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("empty host passed Check, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	tmp := isolate(t)
	path := filepath.Join(tmp, "custom.yaml")
	content := "host: door.local\nport: 8443\nverify_cert: true\ntimeout: 5s\nlang: nl\n"
	err := os.WriteFile(path, []byte(content), 0o600)
	if nil != err {
		t.Fatalf("failed writing config, got error %v", err)
	}

	cfg, err := Load(newTestCommand(), path)
	if nil != err {
		t.Fatalf("failed Load, got error %v", err)
	}
	if "door.local" != cfg.Host || 8443 != cfg.Port || !cfg.VerifyCert {
		t.Errorf("invalid cfg %+v", cfg)
	}
	if 5*time.Second != cfg.Timeout || "nl" != cfg.Lang {
		t.Errorf("invalid cfg %+v", cfg)
	}
	if err = cfg.Check(); nil != err {
		t.Errorf("failed Check, got error %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	tmp := isolate(t)

	_, err := Load(newTestCommand(), filepath.Join(tmp, "missing.yaml"))
	if nil == err {
		t.Error("Load did not fail on missing explicit config file")
	}
}

func TestLoadPrecedence(t *testing.T) {
	tmp := isolate(t)
	path := filepath.Join(tmp, "custom.yaml")
	err := os.WriteFile(path, []byte("host: file.local\nport: 1000\nlang: nl\n"), 0o600)
	if nil != err {
		t.Fatalf("failed writing config, got error %v", err)
	}
	t.Setenv("DOORPI_PORT", "2000")
	t.Setenv("DOORPI_LANG", "en")

	cmd := newTestCommand()
	err = cmd.Flags().Parse([]string{"--lang", "nl", "--host", "flag.local"})
	if nil != err {
		t.Fatalf("failed parsing flags, got error %v", err)
	}

	cfg, err := Load(cmd, path)
	if nil != err {
		t.Fatalf("failed Load, got error %v", err)
	}
	if "flag.local" != cfg.Host {
		t.Errorf("flag did not override host, got %q", cfg.Host)
	}
	if 2000 != cfg.Port {
		t.Errorf("env did not override port, got %d", cfg.Port)
	}
	if "nl" != cfg.Lang {
		t.Errorf("flag did not override env lang, got %q", cfg.Lang)
	}
}

func TestVerifyCertNeedsSSL(t *testing.T) {
	isolate(t)

	cmd := newTestCommand()
	err := cmd.Flags().Parse([]string{"--ssl=false", "--verify-cert"})
	if nil != err {
		t.Fatalf("failed parsing flags, got error %v", err)
	}

	cfg, err := Load(cmd, "")
	if nil != err {
		t.Fatalf("failed Load, got error %v", err)
	}
	if cfg.SSL || cfg.VerifyCert {
		t.Errorf("verify_cert enabled without ssl, %+v", cfg)
	}
}

func TestWriteConfigFile(t *testing.T) {
	isolate(t)

	cfg := Default()
	cfg.Host = "door.local"
	cfg.Timeout = 10 * time.Second
	path, err := WriteConfigFile(cfg, false)
	if nil != err {
		t.Fatalf("failed WriteConfigFile, got error %v", err)
	}
	expected, _ := ConfigPath(false)
	if expected != path {
		t.Errorf("invalid path %q != %q", path, expected)
	}

	// written file is found in the user config directory
	loaded, err := Load(nil, "")
	if nil != err {
		t.Fatalf("failed Load, got error %v", err)
	}
	if cfg != loaded {
		t.Errorf("loaded %+v != %+v", loaded, cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	tmp := isolate(t)

	err := LoadDotEnv(filepath.Join(tmp, "missing.env"))
	if nil != err {
		t.Errorf("failed LoadDotEnv on missing file, got error %v", err)
	}

	path := filepath.Join(tmp, "test.env")
	err = os.WriteFile(path, []byte("DOORPI_HOST=env.local\n"), 0o600)
	if nil != err {
		t.Fatalf("failed writing env file, got error %v", err)
	}
	err = LoadDotEnv(path)
	if nil != err {
		t.Fatalf("failed LoadDotEnv, got error %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("DOORPI_HOST") })

	cfg, err := Load(nil, "")
	if nil != err {
		t.Fatalf("failed Load, got error %v", err)
	}
	if "env.local" != cfg.Host {
		t.Errorf("invalid host %q", cfg.Host)
	}
}
