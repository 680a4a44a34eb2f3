// Package artifact persists the on-disk evidence of worker execution: one
// bundle per worker (config, messages, tool outputs, result, summary,
// monitoring snapshots, metrics) plus an out-of-band store for oversized tool
// outputs referenced from conversations by marker.
//
// All paths are owner-scoped: every bundle lives under <base>/<owner_id>/ and
// every read path validates its identifiers so no caller can traverse into
// another owner's directory.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bundle status values written to status.json.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// SummaryVersion tags the summary.json schema.
const SummaryVersion = 1

// Store manages worker bundles under one base directory.
type Store struct {
	base string
}

// NewStore creates a store rooted at base, creating the directory if needed.
func NewStore(base string) (*Store, error) {
	if base == "" {
		return nil, fmt.Errorf("artifact base directory is required")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact base: %w", err)
	}
	return &Store{base: base}, nil
}

// Base returns the store's root directory.
func (s *Store) Base() string {
	return s.base
}

// NewWorkerID generates a fresh bundle identifier.
func NewWorkerID() string {
	return "worker-" + uuid.New().String()
}

// CreateBundle creates a fresh bundle directory for a worker, including the
// tool_calls and monitoring subdirectories, and writes an initial status.
func (s *Store) CreateBundle(ownerID int64, workerID string) (*Bundle, error) {
	if err := validateID(workerID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.base, strconv.FormatInt(ownerID, 10), workerID)
	for _, sub := range []string{"", "tool_calls", "monitoring"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bundle directory: %w", err)
		}
	}

	b := &Bundle{dir: dir, ownerID: ownerID, workerID: workerID}
	now := time.Now().UTC()
	if err := b.writeStatus(Status{Status: StatusCreated, CreatedAt: &now}); err != nil {
		return nil, err
	}
	return b, nil
}

// OpenBundle opens an existing bundle for reading. The owner id must match
// the one the bundle was created under.
func (s *Store) OpenBundle(ownerID int64, workerID string) (*Bundle, error) {
	if err := validateID(workerID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.base, strconv.FormatInt(ownerID, 10), workerID)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("bundle %s not found: %w", workerID, err)
	}
	return &Bundle{dir: dir, ownerID: ownerID, workerID: workerID}, nil
}

// validateID rejects identifiers that could escape the owner directory.
func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid artifact identifier %q", id)
	}
	return nil
}

// Status is the content of status.json.
type Status struct {
	Status     string     `json:"status"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Summary is the content of summary.json.
type Summary struct {
	Summary     string    `json:"summary"`
	Version     int       `json:"version"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
	Error       string    `json:"error,omitempty"`
}

// BundleMessage is one line of messages.jsonl.
type BundleMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ToolCallFile describes one recorded tool output under tool_calls/.
type ToolCallFile struct {
	Seq   int
	Tool  string
	Path  string
	Bytes int64
}

// Bundle is one worker's artifact directory. Writes are append-only within
// the worker's lifetime; the runner owns the bundle until it marks a terminal
// status, after which monitors may still append snapshots.
type Bundle struct {
	dir      string
	ownerID  int64
	workerID string

	mu      sync.Mutex
	toolSeq int
}

// WorkerID returns the bundle identifier.
func (b *Bundle) WorkerID() string {
	return b.workerID
}

// Dir returns the bundle directory.
func (b *Bundle) Dir() string {
	return b.dir
}

// WriteConfig writes config.json (task + run config).
func (b *Bundle) WriteConfig(cfg any) error {
	return b.writeJSON("config.json", cfg)
}

// MarkRunning records the started timestamp in status.json.
func (b *Bundle) MarkRunning() error {
	st, err := b.ReadStatus()
	if err != nil {
		st = Status{}
	}
	now := time.Now().UTC()
	st.Status = StatusRunning
	st.StartedAt = &now
	return b.writeStatus(st)
}

// MarkComplete records the terminal status and finish timestamp.
func (b *Bundle) MarkComplete(status string, errMsg string) error {
	st, err := b.ReadStatus()
	if err != nil {
		st = Status{}
	}
	now := time.Now().UTC()
	st.Status = status
	st.FinishedAt = &now
	st.Error = errMsg
	return b.writeStatus(st)
}

// ReadStatus reads status.json.
func (b *Bundle) ReadStatus() (Status, error) {
	var st Status
	data, err := os.ReadFile(filepath.Join(b.dir, "status.json"))
	if err != nil {
		return st, fmt.Errorf("failed to read status: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to decode status: %w", err)
	}
	return st, nil
}

// AppendMessage appends one line to messages.jsonl.
func (b *Bundle) AppendMessage(msg BundleMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return b.appendJSONL("messages.jsonl", msg)
}

// WriteToolCall records one tool invocation's serialized output as the next
// numbered file under tool_calls/. Sequence numbers are zero-padded and
// monotonic within the bundle.
func (b *Bundle) WriteToolCall(toolName, output string) (string, error) {
	b.mu.Lock()
	b.toolSeq++
	seq := b.toolSeq
	b.mu.Unlock()

	name := fmt.Sprintf("%03d_%s.txt", seq, sanitizeToolName(toolName))
	path := filepath.Join(b.dir, "tool_calls", name)
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", fmt.Errorf("failed to write tool call artifact: %w", err)
	}
	return name, nil
}

// ListToolCalls returns the recorded tool outputs in call order.
func (b *Bundle) ListToolCalls() ([]ToolCallFile, error) {
	entries, err := os.ReadDir(filepath.Join(b.dir, "tool_calls"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}

	files := make([]ToolCallFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, tool, ok := parseToolCallName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, ToolCallFile{
			Seq:   seq,
			Tool:  tool,
			Path:  filepath.Join(b.dir, "tool_calls", e.Name()),
			Bytes: info.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Seq < files[j].Seq })
	return files, nil
}

// ReadToolCall reads one recorded tool output by sequence number.
func (b *Bundle) ReadToolCall(seq int) (string, error) {
	files, err := b.ListToolCalls()
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if f.Seq == seq {
			data, err := os.ReadFile(f.Path)
			if err != nil {
				return "", fmt.Errorf("failed to read tool call %d: %w", seq, err)
			}
			return string(data), nil
		}
	}
	return "", fmt.Errorf("tool call %d not recorded", seq)
}

// WriteResult writes result.txt.
func (b *Bundle) WriteResult(result string) error {
	if err := os.WriteFile(filepath.Join(b.dir, "result.txt"), []byte(result), 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

// ReadResult reads result.txt.
func (b *Bundle) ReadResult() (string, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, "result.txt"))
	if err != nil {
		return "", fmt.Errorf("failed to read result: %w", err)
	}
	return string(data), nil
}

// WriteSummary writes summary.json.
func (b *Bundle) WriteSummary(sum Summary) error {
	if sum.Version == 0 {
		sum.Version = SummaryVersion
	}
	if sum.GeneratedAt.IsZero() {
		sum.GeneratedAt = time.Now().UTC()
	}
	return b.writeJSON("summary.json", sum)
}

// ReadSummary reads summary.json.
func (b *Bundle) ReadSummary() (Summary, error) {
	var sum Summary
	data, err := os.ReadFile(filepath.Join(b.dir, "summary.json"))
	if err != nil {
		return sum, fmt.Errorf("failed to read summary: %w", err)
	}
	if err := json.Unmarshal(data, &sum); err != nil {
		return sum, fmt.Errorf("failed to decode summary: %w", err)
	}
	return sum, nil
}

// WriteMonitoringCheck writes one periodic snapshot under monitoring/,
// named by elapsed seconds (check_0004s.json).
func (b *Bundle) WriteMonitoringCheck(elapsedSeconds int, snapshot any) error {
	name := fmt.Sprintf("check_%04ds.json", elapsedSeconds)
	return b.writeJSON(filepath.Join("monitoring", name), snapshot)
}

// AppendMetric appends one line to metrics.jsonl.
func (b *Bundle) AppendMetric(metric map[string]any) error {
	if metric == nil {
		metric = map[string]any{}
	}
	if _, ok := metric["recorded_at"]; !ok {
		metric["recorded_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	return b.appendJSONL("metrics.jsonl", metric)
}

func (b *Bundle) writeStatus(st Status) error {
	return b.writeJSON("status.json", st)
}

func (b *Bundle) writeJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", rel, err)
	}
	if err := os.WriteFile(filepath.Join(b.dir, rel), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}

func (b *Bundle) appendJSONL(rel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s line: %w", rel, err)
	}
	f, err := os.OpenFile(filepath.Join(b.dir, rel), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", rel, err)
	}
	return nil
}

func sanitizeToolName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return "tool"
	}
	return sb.String()
}

// parseToolCallName splits "003_shell_exec.txt" into (3, "shell_exec").
func parseToolCallName(name string) (int, string, bool) {
	if !strings.HasSuffix(name, ".txt") {
		return 0, "", false
	}
	trimmed := strings.TrimSuffix(name, ".txt")
	idx := strings.Index(trimmed, "_")
	if idx <= 0 {
		return 0, "", false
	}
	seq, err := strconv.Atoi(trimmed[:idx])
	if err != nil {
		return 0, "", false
	}
	return seq, trimmed[idx+1:], true
}
