// Package identity resolves the device_id and user_id that scope every
// object this process writes to the bulletin board.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Identity is the pair of IDs that namespace every key this device
// touches, per spec.md §4.1.
type Identity struct {
	DeviceID string
	UserID   string
}

// Namespace returns the shared key prefix for this identity's user.
func (id Identity) Namespace() string {
	return "clipboard-data/" + id.UserID
}

// Load resolves the device ID from the file at devicePath, generating and
// persisting a new one on first run, and pairs it with userID. userID must
// already be non-empty; an empty user_id is a fatal configuration error the
// caller should surface before calling Load.
func Load(devicePath, userID string) (Identity, error) {
	if strings.TrimSpace(userID) == "" {
		return Identity{}, fmt.Errorf("identity: user_id must not be empty")
	}

	deviceID, err := loadOrCreateDeviceID(devicePath)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: resolve device id: %w", err)
	}

	return Identity{DeviceID: deviceID, UserID: strings.TrimSpace(userID)}, nil
}

func loadOrCreateDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id == "" {
			return "", fmt.Errorf("device id file %q is empty", path)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create device id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
