package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/manifoldco/promptui"
)

// InitCommand interactively scaffolds the four directories the daemon
// expects and writes a starter config file, grounded on netresearch-ofelia's
// cli/init.go interactive-wizard pattern.
type InitCommand struct {
	Output string `long:"output" description:"Config file to write" default:"/etc/pote/pote.ini"`
}

// Execute runs the wizard.
func (c *InitCommand) Execute(_ []string) error {
	cfg := NewConfig()

	if v, err := prompt("Bind address", cfg.BindAddr); err != nil {
		return err
	} else {
		cfg.BindAddr = v
	}
	if v, err := promptInt("Bind port", cfg.BindPort); err != nil {
		return err
	} else {
		cfg.BindPort = v
	}
	if v, err := promptInt("Number of environment slots", cfg.EnvosCount); err != nil {
		return err
	} else {
		cfg.EnvosCount = v
	}
	if v, err := prompt("Environments directory", cfg.EnvosPath); err != nil {
		return err
	} else {
		cfg.EnvosPath = v
	}
	if v, err := prompt("Tests directory", cfg.TestsPath); err != nil {
		return err
	} else {
		cfg.TestsPath = v
	}
	if v, err := prompt("Job queue directory", cfg.QueuePath); err != nil {
		return err
	} else {
		cfg.QueuePath = v
	}
	if v, err := prompt("Archive directory", cfg.ArchivePath); err != nil {
		return err
	} else {
		cfg.ArchivePath = v
	}

	for _, dir := range []string{cfg.EnvosPath, cfg.TestsPath, cfg.QueuePath, cfg.ArchivePath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	content := fmt.Sprintf(`[global]
bindaddr = %s
bindport = %d
envos-count = %d
envos-path = %s
tests-path = %s
queue-path = %s
archive-path = %s
`, cfg.BindAddr, cfg.BindPort, cfg.EnvosCount, cfg.EnvosPath, cfg.TestsPath, cfg.QueuePath, cfg.ArchivePath)

	if err := os.WriteFile(c.Output, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config file %s: %w", c.Output, err)
	}
	fmt.Printf("wrote %s\n", c.Output)
	return nil
}

func prompt(label, defaultValue string) (string, error) {
	p := promptui.Prompt{Label: label, Default: defaultValue}
	return p.Run()
}

func promptInt(label string, defaultValue int) (int, error) {
	p := promptui.Prompt{
		Label:   label,
		Default: strconv.Itoa(defaultValue),
		Validate: func(input string) error {
			_, err := strconv.Atoi(input)
			return err
		},
	}
	result, err := p.Run()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(result)
}
