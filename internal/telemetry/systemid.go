package telemetry

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/tphakala/pulsecheck/internal/errors"
)

const systemIDFile = ".system_id"

var systemIDPattern = regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)

// GenerateSystemID returns a random identifier formatted XXXX-XXXX-XXXX.
func GenerateSystemID() string {
	hex := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return hex[0:4] + "-" + hex[4:8] + "-" + hex[8:12]
}

// LoadOrCreateSystemID reads the system ID stored in dir, creating and
// persisting a new one when it is missing or malformed.
func LoadOrCreateSystemID(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.New(err).
			Component("telemetry").
			Category(errors.CategoryFileIO).
			Context("operation", "create_config_dir").
			Build()
	}

	path := filepath.Join(dir, systemIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); systemIDPattern.MatchString(id) {
			return id, nil
		}
	}

	id := GenerateSystemID()
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", errors.New(err).
			Component("telemetry").
			Category(errors.CategoryFileIO).
			Context("operation", "save_system_id").
			Build()
	}
	return id, nil
}
