package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/vault-transfer/internal/config"
	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/storage"
	"github.com/kenneth/vault-transfer/internal/storage/memory"
	"github.com/kenneth/vault-transfer/internal/vault"
)

const testConfig = `log_level: error
backend:
  type: memory
vaults:
  - root: docs/secret
    passphrase: correct horse
    create: true
segments:
  threshold: 1048576
  segment_size: 1048576
`

type cli struct {
	backend *memory.Backend
	config  string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	b := memory.New()
	orig := newBackend
	newBackend = func(context.Context, *config.Config, *logrus.Logger, *metrics.Metrics) (storage.Backend, error) {
		return b, nil
	}
	t.Cleanup(func() { newBackend = orig })

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return &cli{backend: b, config: path}
}

func (c *cli) run(t *testing.T, stdin []byte, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if stdin != nil {
		cmd.SetIn(bytes.NewReader(stdin))
	}
	cmd.SetArgs(append([]string{"--config", c.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestCLI_PutGetSegmentsRm(t *testing.T) {
	c := newCLI(t)
	dir := t.TempDir()
	data := make([]byte, 5*1024*1024/2)
	_, err := rand.Read(data)
	require.NoError(t, err)
	local := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(local, data, 0o600))

	out, err := c.run(t, nil, "put", local, "docs/secret/big.bin")
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded /docs/secret/big.bin: 2621440 bytes, encrypted")

	out, err = c.run(t, nil, "segments", "docs/secret/big.bin")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)

	out, err = c.run(t, nil, "ls", "docs/secret/")
	require.NoError(t, err)
	assert.Contains(t, out, "2621440")
	assert.Contains(t, out, "secret/big.bin")
	assert.NotContains(t, out, "vault.json")

	downloaded := filepath.Join(dir, "copy.bin")
	_, err = c.run(t, nil, "get", "docs/secret/big.bin", downloaded)
	require.NoError(t, err)
	got, err := os.ReadFile(downloaded)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "downloaded content differs")

	_, err = c.run(t, nil, "rm", "docs/secret/big.bin")
	require.NoError(t, err)

	missing := filepath.Join(dir, "missing.bin")
	_, err = c.run(t, nil, "get", "docs/secret/big.bin", missing)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoFileExists(t, missing)
}

func TestCLI_PutFromStdinAndRange(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, []byte("hello, vault"), "put", "-", "docs/secret/greeting.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "12 bytes, encrypted")

	out, err = c.run(t, nil, "get", "--offset", "7", "--length", "5", "docs/secret/greeting.txt", "-")
	require.NoError(t, err)
	assert.Equal(t, "vault", out)
}

func TestCLI_Sweep(t *testing.T) {
	c := newCLI(t)
	out, err := c.run(t, nil, "sweep", "docs/secret/nothing.bin")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCLI_VaultCreate(t *testing.T) {
	c := newCLI(t)
	t.Setenv(passphraseEnv, "from-env")

	out, err := c.run(t, nil, "vault", "create", "docs/projects", "--algorithm", "ChaCha20-Poly1305")
	require.NoError(t, err)
	assert.Contains(t, out, "vault ready at /docs/projects")

	_, ok := c.backend.Bytes(vault.KeyFilePath(storage.NewPath("docs/projects")))
	assert.True(t, ok)

	_, err = c.run(t, nil, "vault", "create", "docs/other", "--chunk-size", "100")
	assert.Error(t, err)
}

func TestParseRemote(t *testing.T) {
	p, err := parseRemote("docs/a/b.txt", false)
	require.NoError(t, err)
	assert.Equal(t, storage.Path{Container: "docs", Key: "a/b.txt"}, p)

	_, err = parseRemote("docs", false)
	assert.Error(t, err)

	p, err = parseRemote("/docs", true)
	require.NoError(t, err)
	assert.Equal(t, "docs", p.Container)

	_, err = parseRemote("", true)
	assert.Error(t, err)
}

func fakePrompt(env string, terminal bool, answers ...string) *terminalPrompt {
	var out bytes.Buffer
	return &terminalPrompt{
		out:        &out,
		getenv:     func(string) string { return env },
		isTerminal: func(int) bool { return terminal },
		readPassword: func(int) ([]byte, error) {
			if len(answers) == 0 {
				return nil, errors.New("no input")
			}
			a := answers[0]
			answers = answers[1:]
			return []byte(a), nil
		},
	}
}

func TestTerminalPrompt(t *testing.T) {
	ctx := context.Background()
	root := storage.NewPath("docs/secret")

	pass, err := fakePrompt("from-env", false).Prompt(ctx, root, false)
	require.NoError(t, err)
	assert.Equal(t, "from-env", pass)

	_, err = fakePrompt("", false).Prompt(ctx, root, false)
	assert.ErrorIs(t, err, vault.ErrLoginCanceled)

	_, err = fakePrompt("", true, "").Prompt(ctx, root, false)
	assert.ErrorIs(t, err, vault.ErrLoginCanceled)

	pass, err = fakePrompt("", true, "typed").Prompt(ctx, root, false)
	require.NoError(t, err)
	assert.Equal(t, "typed", pass)

	pass, err = fakePrompt("", true, "new", "new").Prompt(ctx, root, true)
	require.NoError(t, err)
	assert.Equal(t, "new", pass)

	_, err = fakePrompt("", true, "new", "other").Prompt(ctx, root, true)
	assert.ErrorIs(t, err, errPassphraseMismatch)
}

func TestTerminalPrompt_Interrupted(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := fakePrompt("", true)
	p.readPassword = func(int) ([]byte, error) {
		<-block
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Prompt(ctx, storage.NewPath("docs/secret"), false)
	assert.ErrorIs(t, err, vault.ErrLoginCanceled)
}
