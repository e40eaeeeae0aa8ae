// Package artifacts writes structured per-failure records so any skipped or
// failed item can be reproduced and triaged after a batch run.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Writer emits one JSON file per failure under Dir and logs a reference.
type Writer struct {
	Dir    string
	Logger zerolog.Logger
}

// NewWriter ensures the artifact directory exists.
func NewWriter(dir string, logger zerolog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &Writer{Dir: dir, Logger: logger}, nil
}

// Write records one failure payload. The returned path is the artifact
// reference to include in logs and stats; errors writing the artifact itself
// are logged, never propagated, so artifact problems cannot fail a batch.
func (w *Writer) Write(command, category string, payload map[string]any) string {
	timestamp := time.Now().UTC().Format("20060102T150405Z")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := fmt.Sprintf("%s_%s_%s_%s.json", timestamp, sanitize(command), sanitize(category), suffix)
	path := filepath.Join(w.Dir, name)

	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		w.Logger.Error().Err(err).Str("category", category).Msg("marshal artifact payload")
		return ""
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		w.Logger.Error().Err(err).Str("path", path).Msg("write artifact")
		return ""
	}

	w.Logger.Info().
		Str("command", command).
		Str("category", category).
		Str("artifact_path", path).
		Msg("artifact written")
	return path
}

func sanitize(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	return strings.ReplaceAll(value, " ", "_")
}
