package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/crypto"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/logger"
)

func writeNew(path string, data []byte, perm os.FileMode, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use -force to overwrite", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return os.WriteFile(path, data, perm)
}

func main() {
	privPath := flag.String("priv", "privKey.pem", "server private key output")
	pubPath := flag.String("pub", "pubKey.pem", "server public key output, copied to clients")
	masterPath := flag.String("master", "master.key", "message log master key output")
	force := flag.Bool("force", false, "overwrite existing files")
	flag.Parse()

	priv, err := crypto.GenerateRSAKey()
	if err != nil {
		logger.FatalF("Fail to generate RSA key: %v", err)
		os.Exit(1)
	}
	pub, err := crypto.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		logger.FatalF("Fail to encode public key: %v", err)
		os.Exit(1)
	}
	master, err := crypto.GenerateKey()
	if err != nil {
		logger.FatalF("Fail to generate master key: %v", err)
		os.Exit(1)
	}

	outputs := []struct {
		path string
		data []byte
		perm os.FileMode
	}{
		{*privPath, crypto.EncodePrivateKeyPEM(priv), 0o600},
		{*pubPath, pub, 0o644},
		{*masterPath, []byte(hex.EncodeToString(master) + "\n"), 0o600},
	}
	for _, o := range outputs {
		if err := writeNew(o.path, o.data, o.perm, *force); err != nil {
			logger.FatalF("Fail to write key file: %v", err)
			os.Exit(1)
		}
		logger.InfoF("Wrote %s", o.path)
	}
}
