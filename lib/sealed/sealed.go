// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/runhost/runhost/lib/codec"
	"github.com/runhost/runhost/lib/secret"
)

// ErrClosed is returned after the Keeper's key has been released.
var ErrClosed = errors.New("sealed: keeper is closed")

// Keypair is an age x25519 keypair. PrivateKey must never be logged.
type Keypair struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// Close zeroes the private key. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair returns a fresh keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	// identity.String() leaves one heap copy behind; the buffer is the
	// durable one.
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	return &Keypair{PrivateKey: privateKey, PublicKey: identity.Recipient().String()}, nil
}

// Seal encrypts plaintext to the given age public keys and returns the
// binary age ciphertext.
func Seal(plaintext []byte, recipientKeys ...string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, errors.New("sealed: at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts ciphertext with privateKey, which is borrowed and not
// closed. An empty plaintext yields a one-byte zeroed buffer since
// secret buffers cannot be empty.
func Open(ciphertext []byte, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return secret.New(1)
	}
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting plaintext: %w", err)
	}
	return buffer, nil
}

// Keeper seals and opens security contexts with one ephemeral
// keypair. It satisfies run.Unsealer.
type Keeper struct {
	keypair *Keypair
}

// NewKeeper generates the keeper's keypair.
func NewKeeper() (*Keeper, error) {
	keypair, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return &Keeper{keypair: keypair}, nil
}

// Recipient returns the public key contexts are sealed to.
func (k *Keeper) Recipient() string { return k.keypair.PublicKey }

// SealContext encodes credentials as CBOR and seals them. A nil or
// empty map seals to nil: the run has no security context.
func (k *Keeper) SealContext(credentials map[string]string) ([]byte, error) {
	if len(credentials) == 0 {
		return nil, nil
	}
	plaintext, err := codec.Marshal(credentials)
	if err != nil {
		return nil, fmt.Errorf("encoding security context: %w", err)
	}
	defer secret.Zero(plaintext)
	return Seal(plaintext, k.keypair.PublicKey)
}

// Unseal opens a context sealed by SealContext. The result holds the
// CBOR credential map; see DecodeContext.
func (k *Keeper) Unseal(ciphertext []byte) (*secret.Buffer, error) {
	if k.keypair.PrivateKey == nil {
		return nil, ErrClosed
	}
	return Open(ciphertext, k.keypair.PrivateKey)
}

// Close releases the private key. Contexts sealed before Close can no
// longer be opened.
func (k *Keeper) Close() error {
	err := k.keypair.Close()
	k.keypair.PrivateKey = nil
	return err
}

// DecodeContext decodes an unsealed context into its credential map.
// The returned strings are ordinary heap memory.
func DecodeContext(plaintext []byte) (map[string]string, error) {
	var credentials map[string]string
	if err := codec.Unmarshal(plaintext, &credentials); err != nil {
		return nil, fmt.Errorf("decoding security context: %w", err)
	}
	return credentials, nil
}
