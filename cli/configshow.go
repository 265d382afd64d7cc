package cli

import (
	"encoding/json"
	"fmt"
)

// ConfigShowCommand prints the effective configuration as JSON, grounded on
// netresearch-ofelia's cli/config_show.go.
type ConfigShowCommand struct {
	ConfigFile string `long:"config" env:"POTE_CONFIG" description:"Config file path" default:"/etc/pote/pote.ini"`
}

// Execute loads the config file and prints it.
func (c *ConfigShowCommand) Execute(_ []string) error {
	cfg, err := LoadConfig(c.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	encoded, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fmt.Println(string(encoded))
	return nil
}
