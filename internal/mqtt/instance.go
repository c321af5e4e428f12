package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceIDFile is where the broker identity lives under the data dir.
const instanceIDFile = "instance_id"

// LoadOrCreateInstanceID returns this deployment's stable broker client
// identity, minting and persisting a UUIDv7 on first run. Reusing the
// same id across restarts keeps retained status topics and broker
// session state attached to one logical client.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
		// Empty file: fall through and mint a fresh id.
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("mint instance id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return id.String(), nil
}
