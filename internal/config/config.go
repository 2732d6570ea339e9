// Package config loads the doorpi configuration.
//
// Values are resolved from, by decreasing precedence, command line flags, DOORPI_
// environment variables (a .env file is loaded first if present), the doorpi.yaml
// config file and defaults.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "doorpi"
	configName = "doorpi"
	dbName     = "doorpi.db"
)

// Config holds the doorpi configuration.
type Config struct {
	Host       string        `mapstructure:"host" yaml:"host"`
	Port       int           `mapstructure:"port" yaml:"port"`
	SSL        bool          `mapstructure:"ssl" yaml:"ssl"`
	VerifyCert bool          `mapstructure:"verify_cert" yaml:"verify_cert"`
	DataDir    string        `mapstructure:"data_dir" yaml:"data_dir"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Lang       string        `mapstructure:"lang" yaml:"lang"`
	LogLevel   string        `mapstructure:"log_level" yaml:"log_level"`
	KeyBits    int           `mapstructure:"key_bits" yaml:"key_bits"`
}

// Check returns an ErrInvalid error if the Config can not be used to reach a server.
func (self Config) Check() error {
	if "" == self.Host {
		return invalidError("host is not set")
	}
	if self.Port <= 0 || self.Port > 65535 {
		return invalidError("invalid port %d", self.Port)
	}
	if self.Timeout <= 0 {
		return invalidError("invalid timeout %v", self.Timeout)
	}
	if self.KeyBits < 2048 {
		return invalidError("invalid key_bits %d, less than 2048", self.KeyBits)
	}
	if "" == self.DataDir {
		return invalidError("data_dir is not set")
	}
	return nil
}

// DbPath returns the path of the key database.
func (self Config) DbPath() string {
	return filepath.Join(self.DataDir, dbName)
}

// Defaults returns the default configuration values.
func Defaults() map[string]any {
	dataDir := ""
	if dirname, err := os.UserConfigDir(); nil == err {
		dataDir = filepath.Join(dirname, "doorpi")
	}

	return map[string]any{
		"host":        "",
		"port":        3000,
		"ssl":         true,
		"verify_cert": false,
		"data_dir":    dataDir,
		"timeout":     30 * time.Second,
		"lang":        "en",
		"log_level":   "warn",
		"key_bits":    2048,
	}
}

// flagNames maps configuration keys to command line flag names.
var flagNames = map[string]string{
	"host":        "host",
	"port":        "port",
	"ssl":         "ssl",
	"verify_cert": "verify-cert",
	"data_dir":    "data-dir",
	"lang":        "lang",
	"log_level":   "log-level",
}

// ConfigPath returns the path of the user config file, or of the system one if
// system is true.
func ConfigPath(system bool) (string, error) {
	var dirname string
	if system {
		switch runtime.GOOS {
		case "windows":
			dirname = filepath.Join(os.Getenv("ProgramData"), "DoorPi")
		default:
			dirname = "/etc/doorpi"
		}
	} else {
		userdir, err := os.UserConfigDir()
		if nil != err {
			return "", wrapError(err, "could not get user config directory")
		}
		dirname = filepath.Join(userdir, "doorpi")
	}

	return filepath.Join(dirname, configName+".yaml"), nil
}

// LoadDotEnv loads the environment variables defined in the filename .env file.
// A missing file is not an error. Existing variables are not overridden.
func LoadDotEnv(filename string) error {
	if "" == filename {
		filename = ".env"
	}
	err := godotenv.Load(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return wrapError(err, "failed loading %s", filename) // nil if err is nil
}

// Load returns the Config resolved from cmd flags, environment, config file & defaults.
// If configFile is not empty it is read instead of searching the standard locations.
func Load(cmd *cobra.Command, configFile string) (Config, error) {
	var rv Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	if "" != configFile {
		v.SetConfigFile(configFile)
	} else {
		if userpath, err := ConfigPath(false); nil == err {
			v.AddConfigPath(filepath.Dir(userpath))
		}
		if syspath, err := ConfigPath(true); nil == err {
			v.AddConfigPath(filepath.Dir(syspath))
		}
		v.AddConfigPath(".")
	}

	err := v.ReadInConfig()
	if nil != err {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return rv, wrapError(err, "failed reading config file")
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if nil != cmd {
		flags := cmd.Flags()
		for key, name := range flagNames {
			flag := flags.Lookup(name)
			if nil == flag {
				continue
			}
			err = v.BindPFlag(key, flag)
			if nil != err {
				return rv, wrapError(err, "failed binding flag %s", name)
			}
		}
	}

	err = v.Unmarshal(&rv)
	if nil != err {
		return rv, wrapError(err, "failed decoding configuration")
	}
	if !rv.SSL {
		rv.VerifyCert = false
	}

	return rv, nil
}

// WriteConfigFile writes cfg to the user config file, or to the system one if system
// is true, and returns the file path.
func WriteConfigFile(cfg Config, system bool) (string, error) {
	path, err := ConfigPath(system)
	if nil != err {
		return "", err
	}

	return path, WriteConfig(cfg, path)
}

// WriteConfig writes cfg in yaml format to path, creating its directory if needed.
func WriteConfig(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if nil != err {
		return wrapError(err, "failed serializing configuration")
	}

	dirname := filepath.Dir(path)
	err = os.MkdirAll(dirname, 0o755)
	if nil != err {
		return wrapError(err, "could not create config directory %s", dirname)
	}

	err = os.WriteFile(path, data, 0o600)
	if nil != err {
		return wrapError(err, "failed writing %s", path)
	}

	return nil
}

// Default returns the Config holding default values.
func Default() Config {
	d := Defaults()
	return Config{
		Host:       d["host"].(string),
		Port:       d["port"].(int),
		SSL:        d["ssl"].(bool),
		VerifyCert: d["verify_cert"].(bool),
		DataDir:    d["data_dir"].(string),
		Timeout:    d["timeout"].(time.Duration),
		Lang:       d["lang"].(string),
		LogLevel:   d["log_level"].(string),
		KeyBits:    d["key_bits"].(int),
	}
}
