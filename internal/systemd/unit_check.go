package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// HashFileName is the install-time unit hash kept in the state directory.
const HashFileName = "unit-file.sha256"

// CheckUnitFileIntegrity compares the unit file at unitPath against the
// hash stored at hashPath. Returns a warning message if the unit file has
// been modified, or empty string if integrity is confirmed or checking is
// not applicable (no unit file or no stored hash).
func CheckUnitFileIntegrity(unitPath, hashPath string) string {
	data, err := os.ReadFile(unitPath)
	if err != nil {
		return ""
	}
	stored, err := os.ReadFile(hashPath)
	if err != nil {
		return ""
	}
	expectedHash := strings.TrimSpace(string(stored))
	if len(expectedHash) != 64 {
		return ""
	}

	actualHash := hashOf(data)
	if actualHash == expectedHash {
		return ""
	}
	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expectedHash[:16], actualHash[:16])
}

// RecordUnitFileHash writes the SHA-256 hash of unitPath to hashPath.
// Called during installation to record the baseline.
func RecordUnitFileHash(unitPath, hashPath string) error {
	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Errorf("read unit file: %w", err)
	}
	return os.WriteFile(hashPath, []byte(hashOf(data)+"\n"), 0o600)
}

func hashOf(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
