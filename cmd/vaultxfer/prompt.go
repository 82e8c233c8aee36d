package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/kenneth/vault-transfer/internal/storage"
	"github.com/kenneth/vault-transfer/internal/vault"
)

// passphraseEnv supplies the passphrase of vaults configured without one.
const passphraseEnv = "VAULT_PASSPHRASE"

var errPassphraseMismatch = errors.New("passphrases do not match")

// terminalPrompt asks for vault passphrases on the controlling terminal.
// Empty input or an interrupt cancels the login.
type terminalPrompt struct {
	fd           int
	out          io.Writer
	getenv       func(string) string
	isTerminal   func(int) bool
	readPassword func(int) ([]byte, error)
}

func newTerminalPrompt(in *os.File, out io.Writer) *terminalPrompt {
	return &terminalPrompt{
		fd:           int(in.Fd()),
		out:          out,
		getenv:       os.Getenv,
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
	}
}

// Prompt implements vault.PasswordPrompt.
func (p *terminalPrompt) Prompt(ctx context.Context, root storage.Path, create bool) (string, error) {
	if pass := p.getenv(passphraseEnv); pass != "" {
		return pass, nil
	}
	if !p.isTerminal(p.fd) {
		return "", fmt.Errorf("no passphrase for vault %s and stdin is not a terminal: %w", root, vault.ErrLoginCanceled)
	}

	label := "Passphrase for vault %s: "
	if create {
		label = "New passphrase for vault %s: "
	}
	pw, err := p.read(ctx, fmt.Sprintf(label, root))
	if err != nil {
		return "", err
	}
	if len(pw) == 0 {
		return "", vault.ErrLoginCanceled
	}
	if create {
		confirm, err := p.read(ctx, "Confirm passphrase: ")
		if err != nil {
			return "", err
		}
		if subtle.ConstantTimeCompare(pw, confirm) != 1 {
			return "", errPassphraseMismatch
		}
	}
	return string(pw), nil
}

// read reads one line without echo. The read is abandoned when ctx is
// canceled.
func (p *terminalPrompt) read(ctx context.Context, label string) ([]byte, error) {
	fmt.Fprint(p.out, label)
	defer fmt.Fprintln(p.out)

	type result struct {
		pw  []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		pw, err := p.readPassword(p.fd)
		done <- result{pw, err}
	}()

	select {
	case <-ctx.Done():
		return nil, vault.ErrLoginCanceled
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", r.err)
		}
		return r.pw, nil
	}
}
