// Package secrets loads the cloud uplink's bearer token, the only
// credential it reads, from a KEY=VALUE file, so secrets never need to be
// passed as command-line flags (visible in process listings) or baked
// into the YAML config file that otherwise isn't sensitive.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/sentrynode/sentryd/internal/sentryerr"
)

// Keys used in the secrets file and as environment variable fallbacks.
const (
	CloudTokenKey = "SENTRYD_CLOUD_TOKEN"
)

// Secrets holds the values read from the secrets file or environment.
type Secrets struct {
	CloudToken string
}

// Load reads a KEY=VALUE secrets file at path, falling back to the
// environment when the file doesn't exist. A secrets file present but not
// mode 0600 only logs a warning, since spec.md doesn't make permission
// enforcement fatal; log may be nil.
func Load(path string, log *slog.Logger) (Secrets, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		if !errors.Is(statErr, os.ErrNotExist) {
			return Secrets{}, fmt.Errorf("secrets: %w: stat %s: %v", sentryerr.Config, path, statErr)
		}
		token, ok := os.LookupEnv(CloudTokenKey)
		if !ok || token == "" {
			return Secrets{}, fmt.Errorf("secrets: %w: %s not set in environment and %s does not exist", sentryerr.Config, CloudTokenKey, path)
		}
		return Secrets{CloudToken: token}, nil
	}

	if mode := info.Mode().Perm(); mode != 0600 {
		log.Warn("secrets file has permissive mode", "path", path, "mode", mode.String())
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return Secrets{}, fmt.Errorf("secrets: %w: read %s: %v", sentryerr.Config, path, err)
	}
	token, ok := values[CloudTokenKey]
	if !ok || token == "" {
		token, ok = os.LookupEnv(CloudTokenKey)
	}
	if !ok || token == "" {
		return Secrets{}, fmt.Errorf("secrets: %w: %s not set in %s or environment", sentryerr.Config, CloudTokenKey, path)
	}
	return Secrets{CloudToken: token}, nil
}
