package passphrase

import (
	"errors"
	"io"
	"testing"
)

func scripted(s *Source, answers ...string) *Source {
	s.isTerminal = func() bool { return true }
	s.prompt = io.Discard
	s.readPassword = func() ([]byte, error) {
		if len(answers) == 0 {
			return nil, errors.New("no input")
		}
		next := answers[0]
		answers = answers[1:]
		return []byte(next), nil
	}
	return s
}

func TestEnvironmentWins(t *testing.T) {
	t.Setenv("PIXELWAR_PASS_TEST", " spaced secret ")
	s := scripted(NewSource("PIXELWAR_PASS_TEST"))
	got, err := s.Get()
	if err != nil || got != " spaced secret " {
		t.Fatalf("Get() = %q, %v", got, err)
	}
}

func TestEmptyEnvironmentRejected(t *testing.T) {
	t.Setenv("PIXELWAR_PASS_TEST", "  ")
	if _, err := scripted(NewSource("PIXELWAR_PASS_TEST")).Get(); err == nil {
		t.Fatalf("expected blank env passphrase to be rejected")
	}
}

func TestNoTerminal(t *testing.T) {
	s := NewSource("PIXELWAR_PASS_UNSET")
	s.isTerminal = func() bool { return false }
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected error without env or terminal")
	}
}

func TestPromptIsCached(t *testing.T) {
	s := scripted(NewSource(""), "hunter2")
	for i := 0; i < 2; i++ {
		got, err := s.Get()
		if err != nil || got != "hunter2" {
			t.Fatalf("Get() #%d = %q, %v", i, got, err)
		}
	}
}

func TestConfirmation(t *testing.T) {
	got, err := scripted(NewConfirmingSource(""), "hunter2", "hunter2").Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if _, err := scripted(NewConfirmingSource(""), "hunter2", "hunter3").Get(); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	if _, err := scripted(NewConfirmingSource(""), " ").Get(); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}
