// Package contextkey derives the stable key that groups change history for
// one (device, application, database file) context.
//
// Device objects, emulator instances and session state change between runs;
// the key does not. It depends only on the normalized device id, package
// name and database path, so the same file on the same device resolves to
// the same history across restarts.
package contextkey

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"golang.org/x/crypto/blake2b"

	"flippio/internal/history"
)

// Prefix starts every derived key.
const Prefix = "ctx_"

// keyBytes is the number of digest bytes kept in a key.
const keyBytes = 16

// Key is an opaque context key.
type Key string

// String returns the key text.
func (k Key) String() string {
	return string(k)
}

// Derive returns the context key for a (device, package, path) triple.
// Empty device and package values are valid placeholders for files opened
// from the desktop; only an empty database path is rejected.
func Derive(deviceID, packageName, databasePath string) (Key, error) {
	p := normalizePath(databasePath)
	if p == "" {
		return "", fmt.Errorf("%w: database path is required to derive a context key", history.ErrInvalidArgument)
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("init hash: %w", err)
	}
	for _, field := range []string{strings.TrimSpace(deviceID), strings.TrimSpace(packageName), p} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	sum := h.Sum(nil)
	return Key(Prefix + hex.EncodeToString(sum[:keyBytes])), nil
}

// FromContext derives the key of a device context.
func FromContext(dc history.DeviceContext) (Key, error) {
	return Derive(dc.DeviceID, dc.PackageName, dc.DatabasePath)
}

// MustDerive is Derive for inputs known to be valid. It panics on error.
func MustDerive(deviceID, packageName, databasePath string) Key {
	k, err := Derive(deviceID, packageName, databasePath)
	if err != nil {
		panic(err)
	}
	return k
}

// Valid reports whether s has the shape of a derived key.
func Valid(s string) bool {
	if !strings.HasPrefix(s, Prefix) || len(s) != len(Prefix)+2*keyBytes {
		return false
	}
	_, err := hex.DecodeString(s[len(Prefix):])
	return err == nil
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}
