// Package blockcrypto implements the cryptographic transforms applied
// to individual transfer blocks: authenticated encryption with a
// per-file content session key, detached block signatures, manifest
// signing and extended-attribute encryption.
//
// All operations are synchronous CPU-bound transforms with no shared
// mutable state, so distinct blocks may be processed concurrently.
package blockcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the content session key size.
	KeySize = chacha20poly1305.KeySize

	// nonceSize is the XChaCha20-Poly1305 nonce prepended to every
	// ciphertext.
	nonceSize = chacha20poly1305.NonceSizeX

	// Overhead is the ciphertext expansion per block: nonce plus the
	// AEAD authentication tag.
	Overhead = nonceSize + chacha20poly1305.Overhead
)

// SessionKey is a symmetric content key shared by all blocks of a file
// revision.
type SessionKey []byte

// GenerateSessionKey generates a random content session key.
func GenerateSessionKey() (SessionKey, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return key, nil
}

// GenerateSigningKey generates a signing key for blocks and manifests.
func GenerateSigningKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return priv, nil
}

// Cipher is the block cipher service. It is stateless and safe for
// concurrent use.
type Cipher struct{}

// EncryptBlock encrypts one plaintext block with the content key and
// returns the ciphertext together with a detached signature over it.
// The ciphertext layout is nonce || sealed data.
func (Cipher) EncryptBlock(plaintext []byte, contentKey SessionKey, signingKey ed25519.PrivateKey) (ciphertext, signature []byte, err error) {
	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nonce, nonce, plaintext, nil)
	signature = ed25519.Sign(signingKey, ciphertext)
	return ciphertext, signature, nil
}

// DecryptBlock reverses EncryptBlock. It is used both for real
// downloads and for the local corruption probe before upload.
func (Cipher) DecryptBlock(ciphertext []byte, contentKey SessionKey) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt block: %w", err)
	}
	return plaintext, nil
}

// EncryptThumbnail encrypts a thumbnail. Thumbnails use the same
// content key and signing key as content blocks.
func (c Cipher) EncryptThumbnail(content []byte, contentKey SessionKey, signingKey ed25519.PrivateKey) (ciphertext, signature []byte, err error) {
	return c.EncryptBlock(content, contentKey, signingKey)
}

// SignManifest produces the detached signature over the assembled
// manifest bytes.
func (Cipher) SignManifest(manifest []byte, signingKey ed25519.PrivateKey) []byte {
	return ed25519.Sign(signingKey, manifest)
}

// VerifyManifest checks a manifest signature against the signer's
// public key.
func (Cipher) VerifyManifest(manifest, signature []byte, publicKey ed25519.PublicKey) bool {
	return ed25519.Verify(publicKey, manifest, signature)
}

// EncryptExtendedAttributes encrypts the serialized extended
// attributes with the node (file) key.
func (Cipher) EncryptExtendedAttributes(attributes []byte, nodeKey SessionKey) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(nodeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, nonceSize, nonceSize+len(attributes)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, attributes, nil), nil
}

// DecryptExtendedAttributes reverses EncryptExtendedAttributes.
func (c Cipher) DecryptExtendedAttributes(blob []byte, nodeKey SessionKey) ([]byte, error) {
	return c.DecryptBlock(blob, nodeKey)
}

// DigestBlock computes the SHA-256 digest of a ciphertext block as
// transmitted. These digests form the manifest.
func DigestBlock(ciphertext []byte) []byte {
	sum := sha256.Sum256(ciphertext)
	return sum[:]
}
