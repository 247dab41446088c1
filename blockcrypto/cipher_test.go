package blockcrypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha1"
	"encoding/hex"
	"testing"
)

func testKeys(t *testing.T) (SessionKey, ed25519.PrivateKey) {
	t.Helper()
	contentKey, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}
	signingKey, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	return contentKey, signingKey
}

func TestBlockRoundTrip(t *testing.T) {
	contentKey, signingKey := testKeys(t)
	var cipher Cipher

	plaintext := bytes.Repeat([]byte("drive block data "), 1000)

	ciphertext, signature, err := cipher.EncryptBlock(plaintext, contentKey, signingKey)
	if err != nil {
		t.Fatalf("EncryptBlock: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("drive block data")) {
		t.Error("ciphertext contains plaintext")
	}
	if len(ciphertext) != len(plaintext)+Overhead {
		t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+Overhead)
	}
	if !ed25519.Verify(signingKey.Public().(ed25519.PublicKey), ciphertext, signature) {
		t.Error("block signature does not verify")
	}

	decrypted, err := cipher.DecryptBlock(ciphertext, contentKey)
	if err != nil {
		t.Fatalf("DecryptBlock: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("decrypted block differs from original plaintext")
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	contentKey, signingKey := testKeys(t)
	wrongKey, _ := GenerateSessionKey()
	var cipher Cipher

	ciphertext, _, err := cipher.EncryptBlock([]byte("secret"), contentKey, signingKey)
	if err != nil {
		t.Fatalf("EncryptBlock: %v", err)
	}
	if _, err := cipher.DecryptBlock(ciphertext, wrongKey); err == nil {
		t.Error("DecryptBlock with wrong key should fail")
	}
}

func TestDecryptCorruptedBlockFails(t *testing.T) {
	contentKey, signingKey := testKeys(t)
	var cipher Cipher

	ciphertext, _, err := cipher.EncryptBlock([]byte("secret payload"), contentKey, signingKey)
	if err != nil {
		t.Fatalf("EncryptBlock: %v", err)
	}
	ciphertext[len(ciphertext)/2] ^= 0x01 // single bitflip
	if _, err := cipher.DecryptBlock(ciphertext, contentKey); err == nil {
		t.Error("DecryptBlock of corrupted ciphertext should fail")
	}
}

func TestEmptyBlockRoundTrip(t *testing.T) {
	contentKey, signingKey := testKeys(t)
	var cipher Cipher

	ciphertext, _, err := cipher.EncryptBlock(nil, contentKey, signingKey)
	if err != nil {
		t.Fatalf("EncryptBlock: %v", err)
	}
	decrypted, err := cipher.DecryptBlock(ciphertext, contentKey)
	if err != nil {
		t.Fatalf("DecryptBlock: %v", err)
	}
	if len(decrypted) != 0 {
		t.Errorf("decrypted length = %d, want 0", len(decrypted))
	}
}

func TestManifestSignature(t *testing.T) {
	_, signingKey := testKeys(t)
	var cipher Cipher

	manifest := bytes.Repeat([]byte{0x42}, 96)
	signature := cipher.SignManifest(manifest, signingKey)

	pub := signingKey.Public().(ed25519.PublicKey)
	if !cipher.VerifyManifest(manifest, signature, pub) {
		t.Error("manifest signature does not verify")
	}
	manifest[0] ^= 0xFF
	if cipher.VerifyManifest(manifest, signature, pub) {
		t.Error("tampered manifest should not verify")
	}
}

func TestExtendedAttributesRoundTrip(t *testing.T) {
	nodeKey, _ := testKeys(t)
	var cipher Cipher

	attrs := []byte(`{"size":1234,"blockSizes":[1234]}`)
	blob, err := cipher.EncryptExtendedAttributes(attrs, nodeKey)
	if err != nil {
		t.Fatalf("EncryptExtendedAttributes: %v", err)
	}
	decrypted, err := cipher.DecryptExtendedAttributes(blob, nodeKey)
	if err != nil {
		t.Fatalf("DecryptExtendedAttributes: %v", err)
	}
	if !bytes.Equal(decrypted, attrs) {
		t.Error("decrypted attributes differ from original")
	}
}

func TestDigestAccumulator(t *testing.T) {
	acc := NewDigestAccumulator()

	part1 := []byte("hello ")
	part2 := []byte("world")
	acc.Write(part1)
	acc.Write(part2)

	want := sha1.Sum([]byte("hello world"))
	if got := acc.SumHex(); got != hex.EncodeToString(want[:]) {
		t.Errorf("SumHex() = %s, want %s", got, hex.EncodeToString(want[:]))
	}
	if acc.BytesWritten() != int64(len(part1)+len(part2)) {
		t.Errorf("BytesWritten() = %d, want %d", acc.BytesWritten(), len(part1)+len(part2))
	}
}

func TestDigestBlockDeterministic(t *testing.T) {
	data := []byte("ciphertext bytes as transmitted")
	d1 := DigestBlock(data)
	d2 := DigestBlock(data)
	if !bytes.Equal(d1, d2) {
		t.Error("DigestBlock is not deterministic")
	}
	if len(d1) != 32 {
		t.Errorf("digest length = %d, want 32", len(d1))
	}
}
