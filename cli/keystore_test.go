package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
)

func TestKeystoreBindAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "keystore.json")

	ks, err := OpenKeystore(path)
	if err != nil {
		t.Fatalf("OpenKeystore: %v", err)
	}
	keys, err := ks.NewFileKeys(context.Background(), "vol1~root")
	if err != nil {
		t.Fatalf("NewFileKeys: %v", err)
	}
	if err := ks.Bind("vol1~n1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	reloaded, err := OpenKeystore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.FileKeys(context.Background(), "vol1~n1")
	if err != nil {
		t.Fatalf("FileKeys: %v", err)
	}
	if !bytes.Equal(got.ContentKey, keys.ContentKey) {
		t.Error("content key changed across reload")
	}
	if !bytes.Equal(got.SigningKey, keys.SigningKey) {
		t.Error("signing key changed across reload")
	}
}

func TestKeystoreBindWithoutPendingKeys(t *testing.T) {
	ks, err := OpenKeystore(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ks.Bind("vol1~n1"); err == nil {
		t.Error("Bind without pending keys should fail")
	}
}

func TestKeystoreUnknownNode(t *testing.T) {
	ks, err := OpenKeystore(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ks.FileKeys(context.Background(), "vol1~missing"); err == nil {
		t.Error("unknown node should fail")
	}
}
