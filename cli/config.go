package cli

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/mitchellh/mapstructure"
	ini "gopkg.in/ini.v1"
)

// Config holds the seven knobs the daemon needs (spec.md §6): where to bind
// the HTTP API, how many environment slots to run, where the tests live, and
// where each of the three on-disk stores (envos, queue, archive) lives. Loaded from an INI file's [global] section,
// grounded on netresearch-ofelia's cli/config.go.
type Config struct {
	BindAddr    string `mapstructure:"bindaddr" default:"127.0.0.1"`
	BindPort    int    `mapstructure:"bindport" default:"8901"`
	EnvosCount  int    `mapstructure:"envos-count" default:"3"`
	EnvosPath   string `mapstructure:"envos-path" default:"/var/lib/pote/envos"`
	TestsPath   string `mapstructure:"tests-path" default:"/usr/share/pote/tests"`
	QueuePath   string `mapstructure:"queue-path" default:"/var/lib/pote/queue"`
	ArchivePath string `mapstructure:"archive-path" default:"/var/lib/pote/archive"`
}

// NewConfig returns a Config populated with its `default` struct tags.
func NewConfig() *Config {
	c := &Config{}
	_ = defaults.Set(c)
	return c
}

// LoadConfig reads path's [global] section into a Config, starting from
// defaults and overlaying whatever keys are present.
func LoadConfig(path string) (*Config, error) {
	c := NewConfig()

	file, err := ini.LoadSources(ini.LoadOptions{InsensitiveKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("load config file %q: %w", path, err)
	}

	raw := map[string]any{}
	for _, key := range file.Section("global").Keys() {
		raw[key.Name()] = key.Value()
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("build config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return c, nil
}

// Addr is the address the HTTP API listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.BindPort)
}
