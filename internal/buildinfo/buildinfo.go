package buildinfo

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Set via -ldflags at release time; the zero values mark dev builds.
var (
	Version = "dev"
	Commit  = "unknown"
)

// BinaryHash returns the sha256 of the running executable, recorded at
// dispatch time so a run can always be traced back to the exact tool
// build that launched it.
func BinaryHash() string {
	path, err := os.Executable()
	if err != nil {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
