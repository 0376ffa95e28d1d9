package remote

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// ErrIntegrity is returned when decryption's authentication tag fails to
// verify - the payload was corrupted or tampered with.
var ErrIntegrity = errors.New("remote: ciphertext failed integrity check")

const (
	keySize   = 32
	nonceSize = 24
)

// scryptSalt is fixed and documented: this is a single pre-shared-key
// deployment (spec'd passphrase, not per-file salts), so there is no place
// to persist a random salt alongside the data.
var scryptSalt = []byte("tgfusefs-static-scrypt-salt-v1")

// deriveKey turns a configured passphrase into a secretbox key.
func deriveKey(passphrase string) (*[keySize]byte, error) {
	raw, err := scrypt.Key([]byte(passphrase), scryptSalt, 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, err
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

// encrypt seals plaintext under key, prepending the nonce so the ciphertext
// is self-describing.
func encrypt(plaintext []byte, key *[keySize]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, key), nil
}

// decrypt opens ciphertext that was produced by encrypt. Returns
// ErrIntegrity if the authentication tag doesn't verify.
func decrypt(ciphertext []byte, key *[keySize]byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrIntegrity
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
