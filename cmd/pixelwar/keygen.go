package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"pixelwar/cmd/internal/passphrase"
	"pixelwar/config"
	"pixelwar/crypto"
)

const defaultPassphraseEnv = "PIXELWAR_PASSPHRASE"

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var out, passEnv, writeConfig string
	fs.StringVar(&out, "out", "", "write the key to an encrypted keystore at this path")
	fs.StringVar(&passEnv, "passphrase-env", defaultPassphraseEnv, "environment variable holding the keystore passphrase")
	fs.StringVar(&writeConfig, "write-config", "", "write a starter configuration referencing the keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if writeConfig != "" && out == "" {
		return fail(stderr, errors.New("-write-config requires -out"))
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fail(stderr, fmt.Errorf("generate key: %w", err))
	}
	fmt.Fprintf(stdout, "Address: %s\n", key.Address().Hex())
	if out == "" {
		fmt.Fprintf(stdout, "Private key: %s\n", key.Hex())
		return 0
	}

	pass, err := passphrase.NewConfirmingSource(passEnv).Get()
	if err != nil {
		return fail(stderr, err)
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return fail(stderr, fmt.Errorf("write keystore: %w", err))
	}
	fmt.Fprintf(stdout, "Keystore written to %s\n", out)

	if writeConfig == "" {
		return 0
	}
	if _, err := os.Stat(writeConfig); err == nil {
		return fail(stderr, fmt.Errorf("%s already exists", writeConfig))
	}
	cfg := config.Default()
	cfg.Chain.RPCURL = "http://127.0.0.1:8545"
	cfg.Chain.WSURL = "ws://127.0.0.1:8546"
	cfg.Primary.Keystore = out
	cfg.Primary.PassphraseEnv = strings.TrimSpace(passEnv)
	if err := config.Save(writeConfig, cfg); err != nil {
		return fail(stderr, fmt.Errorf("write config: %w", err))
	}
	fmt.Fprintf(stdout, "Configuration written to %s; set chain.contract before use\n", writeConfig)
	return 0
}
