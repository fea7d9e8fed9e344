// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - Configuration command handler for comptax.
//
// Command: config [subcommand]
//
// Subcommands:
//   show (default)   Print the effective configuration (token redacted)
//   path             Print the config file path
//   init [--force]   Write a default config file
//   get <key>        Print one value
//   set <key> <val>  Change one value and save
//   keys             List every key
//
// These commands never contact the backend.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/comptax/comptax-cli/internal/config"
)

// HandleConfig dispatches the config subcommands.
func HandleConfig(args Args, out io.Writer) error {
	path, err := configPath(args)
	if err != nil {
		return err
	}

	switch args.Subcommand {
	case "", "show":
		cfg, err := LoadConfig(args)
		if err != nil {
			return err
		}
		if args.JSON {
			redacted := cfg.Clone()
			if redacted.Auth.Token != "" {
				redacted.Auth.Token = "[REDACTED]"
			}
			return writeJSON(out, redacted)
		}
		fmt.Fprintln(out, DimStyle.Render("# "+path))
		fmt.Fprint(out, cfg.String())
		return nil

	case "path":
		fmt.Fprintln(out, path)
		return nil

	case "init":
		if _, err := os.Stat(path); err == nil && !args.Force {
			return NewUsageError(fmt.Sprintf("%s already exists (use --force to overwrite)", path))
		}
		if err := config.SaveTo(config.Default(), path); err != nil {
			return NewCommandError("config", "init", err)
		}
		fmt.Fprintf(out, "%s %s\n", SuccessStyle.Render("Wrote"), path)
		return nil

	case "get":
		key := firstArg(args.Rest)
		if key == "" {
			return NewUsageError("usage: comptax config get <key>")
		}
		cfg, err := LoadConfig(args)
		if err != nil {
			return err
		}
		v, err := cfg.Get(key)
		if err != nil {
			return NewUsageError(err.Error())
		}
		if key == "auth.token" && v != "" {
			v = "[REDACTED]"
		}
		fmt.Fprintln(out, v)
		return nil

	case "set":
		if len(args.Rest) < 2 {
			return NewUsageError("usage: comptax config set <key> <value>")
		}
		return setConfigValue(path, args.Rest[0], strings.Join(args.Rest[1:], " "), out)

	case "keys":
		for _, k := range config.Keys() {
			fmt.Fprintln(out, k)
		}
		return nil

	default:
		return NewUsageError(fmt.Sprintf("unknown config subcommand %q", args.Subcommand))
	}
}

func configPath(args Args) (string, error) {
	if args.ConfigPath != "" {
		return args.ConfigPath, nil
	}
	return config.ConfigPath()
}

// setConfigValue edits the file itself, so environment overrides in effect
// for this process are not written back.
func setConfigValue(path, key, value string, out io.Writer) error {
	cfg, err := readConfigFile(path)
	if err != nil {
		return err
	}
	if err := cfg.Set(key, value); err != nil {
		return NewUsageError(err.Error())
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := config.SaveTo(cfg, path); err != nil {
		return NewCommandError("config", "set", err)
	}
	fmt.Fprintf(out, "%s %s\n", SuccessStyle.Render("Set"), key)
	return nil
}

// readConfigFile loads path without environment overrides. A missing file
// yields the defaults.
func readConfigFile(path string) (*config.Config, error) {
	cfg, err := config.DecodeFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}
