// Package store persists engine state as YAML documents, optionally sealed
// with a passphrase.
package store

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"golang.org/x/crypto/pbkdf2"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/yaml.v3"
)

const (
	Magic            = "VKEYSEAL1\n"
	SaltSize         = 16
	PBKDF2Iterations = 100000
)

var (
	ErrNotExist = errors.New("store: state file does not exist")
	ErrSealed   = errors.New("store: state file is sealed, passphrase required")
	ErrCorrupt  = errors.New("store: state file is corrupt")
)

// IsSealed reports whether the file at path starts with the seal magic.
func IsSealed(path string) (bool, error) {
	raw, err := readFile(path)
	if err != nil {
		return false, err
	}
	return bytes.HasPrefix(raw, []byte(Magic)), nil
}

// Load decodes the document at path into v. Sealed files are opened with
// passphrase; plain files ignore it.
func Load(path, passphrase string, v any) error {
	raw, err := readFile(path)
	if err != nil {
		return err
	}
	if bytes.HasPrefix(raw, []byte(Magic)) {
		if passphrase == "" {
			return ErrSealed
		}
		raw, err = open(raw[len(Magic):], passphrase)
		if err != nil {
			return err
		}
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return nil
}

// Save encodes v to path, sealing it when passphrase is set. The file is
// replaced atomically.
func Save(path, passphrase string, v any) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if passphrase != "" {
		sealed, err := seal(raw, passphrase)
		if err != nil {
			return err
		}
		raw = append([]byte(Magic), sealed...)
	}
	return writeAtomic(path, raw)
}

func readFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return raw, nil
}

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, chacha20poly1305.KeySize, sha256.New), nil
}

// seal returns salt || nonce || ciphertext.
func seal(plain []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, SaltSize+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, []byte(Magic)), nil
}

func open(sealed []byte, passphrase string) ([]byte, error) {
	if len(sealed) < SaltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: sealed payload too short", ErrCorrupt)
	}
	salt := sealed[:SaltSize]
	nonce := sealed[SaltSize : SaltSize+chacha20poly1305.NonceSizeX]
	ct := sealed[SaltSize+chacha20poly1305.NonceSizeX:]

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, []byte(Magic))
	if err != nil {
		// Wrong passphrase and tampering look the same.
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return plain, nil
}

func writeAtomic(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
