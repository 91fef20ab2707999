//go:build integration
// +build integration

package integration

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
)

var logger = log.NewLogger()

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

// randomFile writes size random bytes to a temporary file.
func randomFile(t *testing.T, size int) (string, []byte) {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generate test data: %s", err)
	}

	path := filepath.Join(t.TempDir(), "random.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write test data: %s", err)
	}
	return path, data
}

func requireEnv(t *testing.T, keys ...string) map[string]string {
	values := map[string]string{}
	for _, key := range keys {
		value := os.Getenv(key)
		if value == "" {
			t.Skipf("%s is not set", key)
		}
		values[key] = value
	}
	return values
}
