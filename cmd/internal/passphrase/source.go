// Package passphrase resolves the primary keystore passphrase for the CLI.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrMismatch is returned when the confirmation prompt differs.
var ErrMismatch = errors.New("passphrases do not match")

// Source resolves the passphrase once, from an environment variable or the
// terminal, and caches the result.
type Source struct {
	envVar  string
	confirm bool

	isTerminal   func() bool
	readPassword func() ([]byte, error)
	prompt       io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource unlocks an existing keystore.
func NewSource(envVar string) *Source {
	return newSource(envVar, false)
}

// NewConfirmingSource is used when a new keystore is written; an interactive
// passphrase must be typed twice.
func NewConfirmingSource(envVar string) *Source {
	return newSource(envVar, true)
}

func newSource(envVar string, confirm bool) *Source {
	fd := int(os.Stdin.Fd())
	return &Source{
		envVar:       strings.TrimSpace(envVar),
		confirm:      confirm,
		isTerminal:   func() bool { return term.IsTerminal(fd) },
		readPassword: func() ([]byte, error) { return term.ReadPassword(fd) },
		prompt:       os.Stderr,
	}
}

// Get returns the passphrase. An environment value is used verbatim.
// Blank passphrases are rejected either way.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if !s.isTerminal() {
		if s.envVar != "" {
			return "", fmt.Errorf("primary keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("primary keystore passphrase required and no terminal available")
	}
	value, err := s.read("Enter primary keystore passphrase: ")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return "", errors.New("primary keystore passphrase cannot be empty")
	}
	if s.confirm {
		again, err := s.read("Repeat passphrase: ")
		if err != nil {
			return "", err
		}
		if again != value {
			return "", ErrMismatch
		}
	}
	return value, nil
}

func (s *Source) read(label string) (string, error) {
	fmt.Fprint(s.prompt, label)
	raw, err := s.readPassword()
	fmt.Fprintln(s.prompt)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}
