package protocol

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// NewRunnerID generates the identity a runner presents when claiming tasks.
// It is a random 32-character hex string (a dashless UUIDv7), unique per
// runner incarnation. A restarted runner claims under a fresh identity.
func NewRunnerID() string {
	return strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

// SocketPathIn returns the control socket path inside a state directory.
// Scoping the socket to the state dir keeps runners with separate state
// directories from interfering with each other.
func SocketPathIn(stateDir string) string {
	return filepath.Join(stateDir, "runner.sock")
}
