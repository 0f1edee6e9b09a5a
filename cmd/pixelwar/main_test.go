package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"pixelwar/config"
	"pixelwar/crypto"
	"pixelwar/view"
)

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, _, stderr := runCLI()
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Usage: pixelwar")

	code, stdout, _ := runCLI("help")
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "keygen")

	code, _, stderr = runCLI("paint")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Unknown command: paint")
}

func TestKeygenPrintsKey(t *testing.T) {
	code, stdout, _ := runCLI("keygen")
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "Address: 0x")

	var keyHex string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(line, "Private key: ") {
			keyHex = strings.TrimPrefix(line, "Private key: ")
		}
	}
	key, err := crypto.PrivateKeyFromHex(keyHex)
	require.NoError(t, err)
	require.Contains(t, stdout, key.Address().Hex())
}

func TestKeygenWritesKeystoreAndConfig(t *testing.T) {
	dir := t.TempDir()
	keystore := filepath.Join(dir, "primary.json")
	cfgPath := filepath.Join(dir, "pixelwar.toml")
	t.Setenv("PIXELWAR_TEST_PASS", "correct horse")

	code, stdout, stderr := runCLI("keygen", "-out", keystore, "-passphrase-env", "PIXELWAR_TEST_PASS", "-write-config", cfgPath)
	require.Equal(t, 0, code, stderr)
	require.NotContains(t, stdout, "Private key")

	key, err := crypto.LoadFromKeystore(keystore, "correct horse")
	require.NoError(t, err)
	require.Contains(t, stdout, key.Address().Hex())

	var cfg config.Config
	_, err = toml.DecodeFile(cfgPath, &cfg)
	require.NoError(t, err)
	require.Equal(t, keystore, cfg.Primary.Keystore)
	require.Equal(t, "PIXELWAR_TEST_PASS", cfg.Primary.PassphraseEnv)
	require.Equal(t, "bolt", cfg.Session.Backend)

	code, _, stderr = runCLI("keygen", "-out", filepath.Join(dir, "other.json"), "-passphrase-env", "PIXELWAR_TEST_PASS", "-write-config", cfgPath)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "already exists")
}

func TestKeygenRejectsConfigWithoutKeystore(t *testing.T) {
	code, _, stderr := runCLI("keygen", "-write-config", filepath.Join(t.TempDir(), "c.toml"))
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "-write-config requires -out")
}

func TestCommandsReportConfigErrors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.toml")
	for _, cmd := range []string{"info", "join", "fund", "drain"} {
		code, _, stderr := runCLI(cmd, "-config", missing)
		require.Equal(t, 1, code, cmd)
		require.Contains(t, stderr, "load config", cmd)
	}
}

func TestCreateValidatesFlagsBeforeDialing(t *testing.T) {
	code, _, stderr := runCLI("create", "-config", "unused.toml", "-stake", "-1")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "stake")

	code, _, stderr = runCLI("create", "-config", "unused.toml", "-grid", "0")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "must be positive")
}

func TestConfigFlagDefaultsFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "from-env.toml")
	t.Setenv("PIXELWAR_CONFIG", path)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	code, _, stderr := runCLI("info")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "from-env.toml")
}

func TestPromptGate(t *testing.T) {
	cases := map[string]bool{
		"y\n":     true,
		"YES\n":   true,
		"n\n":     false,
		"\n":      false,
		"":        false,
		"yes":     true,
		"maybe\n": false,
	}
	for input, want := range cases {
		gate := promptGate(strings.NewReader(input), io.Discard)
		ok, err := gate.Decide(context.Background(), view.Coord{X: 1, Y: 2})
		require.NoError(t, err, input)
		require.Equal(t, want, ok, "input %q", input)
	}

	var out bytes.Buffer
	_, err := promptGate(strings.NewReader("y\n"), &out).Decide(context.Background(), view.Coord{X: 3, Y: 4})
	require.NoError(t, err)
	require.Contains(t, out.String(), "Paint (3, 4)?")
}
