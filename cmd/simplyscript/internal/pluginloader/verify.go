package pluginloader

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrChecksumMismatch is returned when a plugin binary does not match its
// recorded checksum.
var ErrChecksumMismatch = errors.New("plugin checksum mismatch")

// Checksum returns the hex sha256 of data.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

// VerifyFile compares the sha256 of the file at path with expected. Only the
// first field of expected is used, so sha256sum output is accepted as is.
func VerifyFile(path, expected string) error {
	fields := strings.Fields(expected)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty checksum for %s", ErrChecksumMismatch, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read plugin file: %w", err)
	}
	if actual := Checksum(data); !strings.EqualFold(actual, fields[0]) {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, path)
	}
	return nil
}
