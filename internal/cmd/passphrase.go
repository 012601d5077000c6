package cmd

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// promptPassphrase reads a passphrase from the terminal without echo. When
// stdin is not a terminal it returns "" and the caller fails on the sealed
// file instead.
func promptPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(b), nil
}

// promptNewPassphrase asks twice and fails when the answers differ.
func promptNewPassphrase() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no passphrase given and stdin is not a terminal; set VKEY_STATE_PASSPHRASE")
	}
	first, err := promptPassphrase("New state file passphrase: ")
	if err != nil {
		return "", err
	}
	second, err := promptPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	if first == "" {
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	return first, nil
}
