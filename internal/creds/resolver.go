package creds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/TheMichaelB/bucketcrypt/internal/events"
)

// Source yields the passphrase of a bucket or ErrNoPassphrase.
type Source interface {
	Name() string
	Passphrase(ctx context.Context, bucket string) ([]byte, error)
}

// Static is a passphrase given directly, e.g. on the command line.
type Static []byte

func (s Static) Name() string { return "flag" }

func (s Static) Passphrase(ctx context.Context, bucket string) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrNoPassphrase
	}
	return append([]byte(nil), s...), nil
}

// Env reads the passphrase from an environment variable.
type Env string

func (e Env) Name() string { return "env" }

func (e Env) Passphrase(ctx context.Context, bucket string) ([]byte, error) {
	if e == "" {
		return nil, ErrNoPassphrase
	}
	v := os.Getenv(string(e))
	if v == "" {
		return nil, ErrNoPassphrase
	}
	return []byte(v), nil
}

// File reads passphrases from a credentials file. A missing file is not an error.
type File string

func (f File) Name() string { return "credentials_file" }

func (f File) Passphrase(ctx context.Context, bucket string) ([]byte, error) {
	if f == "" {
		return nil, ErrNoPassphrase
	}

	c, err := LoadFromFile(string(f))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoPassphrase
	}
	if err != nil {
		return nil, err
	}

	pw := c.Passphrase(bucket)
	if pw == "" {
		return nil, ErrNoPassphrase
	}
	return []byte(pw), nil
}

// Secret reads passphrases from a Secrets Manager secret. The secret is
// fetched at most once.
type Secret struct {
	Client   SecretsAPI
	SecretID string

	once sync.Once
	doc  *Credentials
	err  error
}

func (s *Secret) Name() string { return "secret" }

func (s *Secret) Passphrase(ctx context.Context, bucket string) ([]byte, error) {
	if s.SecretID == "" || s.Client == nil {
		return nil, ErrNoPassphrase
	}

	s.once.Do(func() {
		s.doc, s.err = LoadFromSecret(ctx, s.Client, s.SecretID)
	})
	if s.err != nil {
		return nil, s.err
	}

	pw := s.doc.Passphrase(bucket)
	if pw == "" {
		return nil, ErrNoPassphrase
	}
	return []byte(pw), nil
}

// Prompt asks on a terminal without echo.
type Prompt struct {
	In  *os.File
	Out io.Writer

	// Confirm asks twice and requires both answers to match.
	Confirm bool
}

func (p *Prompt) Name() string { return "prompt" }

func (p *Prompt) Passphrase(ctx context.Context, bucket string) ([]byte, error) {
	if p.In == nil || !term.IsTerminal(int(p.In.Fd())) {
		return nil, ErrNoPassphrase
	}

	pw, err := p.read(fmt.Sprintf("Passphrase for %s: ", bucket))
	if err != nil {
		return nil, err
	}
	if len(pw) == 0 {
		return nil, ErrNoPassphrase
	}

	if p.Confirm {
		again, err := p.read("Repeat passphrase: ")
		if err != nil {
			return nil, err
		}
		if string(again) != string(pw) {
			return nil, errors.New("passphrases do not match")
		}
	}
	return pw, nil
}

func (p *Prompt) read(prompt string) ([]byte, error) {
	fmt.Fprint(p.Out, prompt)
	pw, err := term.ReadPassword(int(p.In.Fd()))
	fmt.Fprintln(p.Out)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return pw, nil
}

// Resolver tries sources in order and returns the first passphrase found.
type Resolver struct {
	sources []Source
	logger  *events.Logger
}

// NewResolver creates a resolver over sources.
func NewResolver(logger *events.Logger, sources ...Source) *Resolver {
	return &Resolver{
		sources: sources,
		logger:  logger.WithField("component", "creds"),
	}
}

// Passphrase returns the first passphrase any source has for bucket.
func (r *Resolver) Passphrase(ctx context.Context, bucket string) ([]byte, error) {
	for _, src := range r.sources {
		pw, err := src.Passphrase(ctx, bucket)
		if errors.Is(err, ErrNoPassphrase) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src.Name(), err)
		}

		r.logger.WithFields(map[string]interface{}{
			"bucket": bucket,
			"source": src.Name(),
		}).Debug("Resolved passphrase")
		return pw, nil
	}
	return nil, fmt.Errorf("%w %s", ErrNoPassphrase, bucket)
}
