package crypto

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// WriteKeyFile encrypts the key into an Ethereum v3 keystore file at path and
// returns the identity the key controls. Parent directories are created with
// 0700 permissions and an existing file is only replaced when overwrite is set.
func WriteKeyFile(path string, key *PrivateKey, passphrase string, overwrite bool) (Identity, error) {
	if key == nil {
		return Identity{}, errors.New("crypto: nil private key")
	}
	if path == "" {
		return Identity{}, errors.New("crypto: empty key file path")
	}
	if _, err := os.Stat(path); err == nil && !overwrite {
		return Identity{}, fs.ErrExist
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Identity{}, err
	}

	// go-ethereum only writes keystores into a directory it manages, so the
	// file is staged in a scratch dir and moved into place.
	stage, err := os.MkdirTemp(dir, "keyfile-")
	if err != nil {
		return Identity{}, err
	}
	defer os.RemoveAll(stage)

	ks := keystore.NewKeyStore(stage, keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.ImportECDSA(key.PrivateKey, passphrase)
	if err != nil {
		return Identity{}, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}
	if err := os.Rename(account.URL.Path, path); err != nil {
		return Identity{}, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return Identity{}, err
	}
	return key.PubKey().Identity(), nil
}

// ReadKeyFile decrypts a keystore file written by WriteKeyFile.
func ReadKeyFile(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty key file path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
