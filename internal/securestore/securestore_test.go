package securestore

import (
	"errors"
	"testing"
)

func TestFileStorePutGet(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := s.Put("greeting", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get("greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get = %q, want hello", got)
	}
}

func TestFileStoreGetMissingKey(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on missing key: err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreDelete(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	s.Put("k", []byte("v"))

	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreDeleteMissingKeyIsNotError(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Delete("never-existed"); err != nil {
		t.Errorf("Delete on missing key returned error: %v", err)
	}
}

func TestFileStorePutOverwrites(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	s.Put("k", []byte("first"))
	s.Put("k", []byte("second"))

	got, _ := s.Get("k")
	if string(got) != "second" {
		t.Errorf("Get = %q, want second", got)
	}
}

func TestGetPutBool(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	got, err := GetBool(s, TransportEnabledKey, true)
	if err != nil {
		t.Fatalf("GetBool on unset key: %v", err)
	}
	if !got {
		t.Error("GetBool on unset key did not return the default")
	}

	if err := PutBool(s, TransportEnabledKey, false); err != nil {
		t.Fatalf("PutBool: %v", err)
	}
	got, err = GetBool(s, TransportEnabledKey, true)
	if err != nil {
		t.Fatalf("GetBool: %v", err)
	}
	if got {
		t.Error("GetBool returned true after PutBool(false)")
	}
}

func TestKeyFileNameEscapesUnsafeCharacters(t *testing.T) {
	name := keyFileName("../../etc/passwd")
	if name != "______etc_passwd.secure" {
		t.Errorf("keyFileName = %q, want escaped path traversal", name)
	}
}
