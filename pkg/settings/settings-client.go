// Package settings holds the client configuration and its loading from
// config files, environment and flags.
package settings

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "GAIACHAT"

//go:embed defaults.yaml
var defaultsYAML []byte

type StoreSettings struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	// Path is the directory for the file backend and the database file for
	// sqlite. Empty means a location under ~/.gaiachat.
	Path string `yaml:"path" mapstructure:"path"`
	Key  string `yaml:"key" mapstructure:"key"`
}

type PipelineSettings struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	CheapVersion   string `yaml:"cheap_version" mapstructure:"cheap_version"`
	TokenThreshold int    `yaml:"token_threshold" mapstructure:"token_threshold"`
}

type ClientSettings struct {
	BaseURL         string           `yaml:"base_url" mapstructure:"base_url"`
	Store           StoreSettings    `yaml:"store" mapstructure:"store"`
	Model           string           `yaml:"model" mapstructure:"model"`
	ModelVersion    string           `yaml:"model_version" mapstructure:"model_version"`
	Style           string           `yaml:"style" mapstructure:"style"`
	StreamingModels []string         `yaml:"streaming_models" mapstructure:"streaming_models"`
	ExpensiveModels []string         `yaml:"expensive_models" mapstructure:"expensive_models"`
	Pipeline        PipelineSettings `yaml:"pipeline" mapstructure:"pipeline"`
	// HistoryWindow is the number of history entries sent with a request.
	HistoryWindow  int           `yaml:"history_window" mapstructure:"history_window"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	StoppedText    string        `yaml:"stopped_text" mapstructure:"stopped_text"`
	EmptyReplyText string        `yaml:"empty_reply_text" mapstructure:"empty_reply_text"`
}

// NewClientSettings returns the embedded defaults.
func NewClientSettings() (*ClientSettings, error) {
	ret := &ClientSettings{}
	if err := yaml.Unmarshal(defaultsYAML, ret); err != nil {
		return nil, errors.Wrap(err, "could not parse default settings")
	}
	return ret, nil
}

func (cs *ClientSettings) Clone() *ClientSettings {
	return clone.Clone(cs).(*ClientSettings)
}

func (cs *ClientSettings) Validate() error {
	switch cs.Style {
	case "simple", "structured":
	default:
		return errors.Errorf("invalid style %q (simple or structured)", cs.Style)
	}
	switch strings.ToLower(cs.Store.Backend) {
	case "file", "sqlite", "memory":
	default:
		return errors.Errorf("invalid store backend %q", cs.Store.Backend)
	}
	if cs.BaseURL == "" {
		return errors.New("base_url must be set")
	}
	if cs.HistoryWindow < 0 {
		return errors.New("history_window must not be negative")
	}
	return nil
}

// StorePath resolves an empty store path to the default location of the
// configured backend.
func (cs *ClientSettings) StorePath() (string, error) {
	if cs.Store.Path != "" {
		return cs.Store.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "could not determine home directory")
	}
	base := filepath.Join(home, ".gaiachat")
	if strings.ToLower(cs.Store.Backend) == "sqlite" {
		return filepath.Join(base, "chats.db"), nil
	}
	return filepath.Join(base, "chats"), nil
}

// InitViper reads the config file into v and enables GAIACHAT_ environment
// overrides. A missing config file is not an error.
func InitViper(v *viper.Viper, configPath string) error {
	if err := SetDefaults(v); err != nil {
		return err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.gaiachat")
		if xdg, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(xdg, "gaiachat"))
		}
	}

	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "could not read config file")
	}
	log.Debug().Str("config", v.ConfigFileUsed()).Msg("loaded configuration")
	return nil
}

// SetDefaults registers every embedded default so that environment
// variables are seen by Unmarshal.
func SetDefaults(v *viper.Viper) error {
	var defaults map[string]interface{}
	if err := yaml.Unmarshal(defaultsYAML, &defaults); err != nil {
		return errors.Wrap(err, "could not parse default settings")
	}
	setDefaults(v, "", defaults)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, m map[string]interface{}) {
	for k, value := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := value.(map[string]interface{}); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, value)
	}
}

// Load decodes the settings v holds and validates them.
func Load(v *viper.Viper) (*ClientSettings, error) {
	ret := &ClientSettings{}
	if err := v.Unmarshal(ret); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	ret.BaseURL = strings.TrimRight(ret.BaseURL, "/")
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}
