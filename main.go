package main

import (
	"errors"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	ini "gopkg.in/ini.v1"

	"github.com/tuxofil/pote/cli"
)

func main() {
	// Pre-parse log-level/config flags so the logger can be configured
	// before the real subcommand parser runs (ofelia.go's pattern).
	var pre struct {
		LogLevel   string `long:"log-level"`
		ConfigFile string `long:"config" default:"/etc/pote/pote.ini"`
	}
	args := os.Args[1:]
	preParser := flags.NewParser(&pre, flags.IgnoreUnknown)
	_, _ = preParser.ParseArgs(args)

	if pre.LogLevel == "" {
		if cfg, err := ini.LoadSources(ini.LoadOptions{InsensitiveKeys: true}, pre.ConfigFile); err == nil {
			if sec, err := cfg.GetSection("global"); err == nil {
				pre.LogLevel = sec.Key("log-level").String()
			}
		}
	}

	logger := logrus.StandardLogger()
	if pre.LogLevel != "" {
		if level, err := logrus.ParseLevel(pre.LogLevel); err == nil {
			logger.SetLevel(level)
		}
	}

	parser := flags.NewNamedParser("pote", flags.Default)
	_, _ = parser.AddCommand(
		"daemon",
		"run the job-execution daemon",
		"",
		&cli.DaemonCommand{Logger: logger, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile},
	)
	_, _ = parser.AddCommand(
		"init",
		"create directories and a starter config through an interactive wizard",
		"",
		&cli.InitCommand{Output: pre.ConfigFile},
	)
	_, _ = parser.AddCommand(
		"config",
		"show the effective runtime configuration",
		"",
		&cli.ConfigShowCommand{ConfigFile: pre.ConfigFile},
	)

	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		var flagErr *flags.Error
		if errors.As(err, &flagErr) {
			parser.WriteHelp(os.Stdout)
		}
		fmt.Fprintf(os.Stderr, "pote: %v\n", err)
		os.Exit(1)
	}
}
