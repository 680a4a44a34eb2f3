package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// toolOutputsDir is the subdirectory for out-of-band tool outputs.
const toolOutputsDir = "tool_outputs"

// SaveToolOutput stores an oversized tool output out of band and returns its
// artifact id. The file lives under <base>/tool_outputs/<owner_id>/<id>.
func (s *Store) SaveToolOutput(ownerID int64, toolName, content string) (string, error) {
	id := uuid.New().String()
	dir := filepath.Join(s.base, toolOutputsDir, strconv.FormatInt(ownerID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create tool output directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id), []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write tool output artifact: %w", err)
	}
	return id, nil
}

// GetToolOutput retrieves a stored tool output by artifact id, scoped to the
// owner it was stored for.
func (s *Store) GetToolOutput(ownerID int64, artifactID string) (string, error) {
	if err := validateID(artifactID); err != nil {
		return "", err
	}
	path := filepath.Join(s.base, toolOutputsDir, strconv.FormatInt(ownerID, 10), artifactID)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("tool output artifact %s not found: %w", artifactID, err)
	}
	return string(data), nil
}

// ToolOutputMarker renders the fixed in-conversation reference for an
// externalized tool output. The format is load-bearing: monitors and clients
// parse it back with ParseToolOutputMarker.
func ToolOutputMarker(artifactID, toolName string, bytes int) string {
	return fmt.Sprintf("[TOOL_OUTPUT:artifact_id=%s,tool=%s,bytes=%d]", artifactID, toolName, bytes)
}

// ParseToolOutputMarker extracts the artifact id, tool name, and byte count
// from a marker produced by ToolOutputMarker. It reports false when s does
// not contain a well-formed marker.
func ParseToolOutputMarker(s string) (artifactID, toolName string, bytes int, ok bool) {
	start := strings.Index(s, "[TOOL_OUTPUT:")
	if start < 0 {
		return "", "", 0, false
	}
	rest := s[start+len("[TOOL_OUTPUT:"):]
	end := strings.Index(rest, "]")
	if end < 0 {
		return "", "", 0, false
	}
	for _, field := range strings.Split(rest[:end], ",") {
		k, v, found := strings.Cut(field, "=")
		if !found {
			return "", "", 0, false
		}
		switch k {
		case "artifact_id":
			artifactID = v
		case "tool":
			toolName = v
		case "bytes":
			n, err := strconv.Atoi(v)
			if err != nil {
				return "", "", 0, false
			}
			bytes = n
		}
	}
	if artifactID == "" || toolName == "" {
		return "", "", 0, false
	}
	return artifactID, toolName, bytes, true
}

// EvidenceMarker renders the reference a supervisor expands into the worker's
// artifact listing.
func EvidenceMarker(runID, jobID int64, workerID string) string {
	return fmt.Sprintf("[EVIDENCE:run_id=%d,job_id=%d,worker_id=%s]", runID, jobID, workerID)
}
