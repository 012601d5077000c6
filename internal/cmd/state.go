package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/Alia5/vkey/device/loopback"
	"github.com/Alia5/vkey/internal/configpaths"
	"github.com/Alia5/vkey/internal/store"
)

// StateCommand groups persisted-state subcommands.
type StateCommand struct {
	Init StateInit `cmd:"" help:"Create a fresh device state file"`
	Show StateShow `cmd:"" help:"Print the device state"`
}

type StateInit struct {
	File       string `help:"State file path (defaults to state.yaml in the config directory)" type:"path" env:"VKEY_STATE_FILE"`
	Mode       string `help:"Initial loopback mode" enum:"echo,invert,reverse" default:"echo"`
	Seal       bool   `help:"Encrypt the state file with a passphrase"`
	Passphrase string `help:"Passphrase used with --seal" env:"VKEY_STATE_PASSPHRASE"`
	Force      bool   `help:"Overwrite if the file already exists"`
}

func (c *StateInit) Run(logger *slog.Logger) error {
	path, err := statePath(c.File)
	if err != nil {
		return err
	}
	if !c.Force {
		if _, err := os.Stat(path); err == nil {
			return errors.New("state file exists; use --force to overwrite")
		}
	}
	mode, err := loopback.ParseMode(c.Mode)
	if err != nil {
		return err
	}

	passphrase := ""
	if c.Seal {
		passphrase = c.Passphrase
		if passphrase == "" {
			if passphrase, err = promptNewPassphrase(); err != nil {
				return err
			}
		}
	}

	if err := store.Save(path, passphrase, loopback.State{ID: uuid.NewString(), Mode: mode}); err != nil {
		return err
	}
	logger.Info("State file written", "path", path, "sealed", passphrase != "")
	return nil
}

type StateShow struct {
	File       string `help:"State file path (defaults to state.yaml in the config directory)" type:"path" env:"VKEY_STATE_FILE"`
	Passphrase string `help:"Passphrase of a sealed state file" env:"VKEY_STATE_PASSPHRASE"`
}

func (c *StateShow) Run(logger *slog.Logger) error {
	path, err := statePath(c.File)
	if err != nil {
		return err
	}
	var st loopback.State
	err = store.Load(path, c.Passphrase, &st)
	if errors.Is(err, store.ErrSealed) {
		var p string
		if p, err = promptPassphrase("State file passphrase: "); err != nil {
			return err
		}
		if p == "" {
			return store.ErrSealed
		}
		err = store.Load(path, p, &st)
	}
	if err != nil {
		return err
	}
	logger.Info("Device state", "path", path, "id", st.ID, "serial", loopback.SerialFromID(st.ID), "mode", st.Mode, "frames", st.Frames)
	return nil
}

func statePath(p string) (string, error) {
	if p != "" {
		return p, nil
	}
	p, err := configpaths.DefaultStatePath()
	if err != nil {
		return "", fmt.Errorf("failed to resolve state file path: %w", err)
	}
	return p, nil
}
