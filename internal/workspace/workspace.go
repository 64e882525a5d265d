// Package workspace manages the on-disk directories of chat sessions:
// uploaded inputs, files produced by agents and per-turn logs.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
)

const (
	inputDir     = "input"
	workspaceDir = "workspace"
	logsDir      = "logs"
	logExt       = ".log"
)

var (
	// ErrNotFound is returned for sessions without a directory.
	ErrNotFound = errors.New("session directory not found")
	// ErrInvalidPath is returned for names that escape their directory.
	ErrInvalidPath = errors.New("invalid path")
	// ErrTooLarge is returned when an upload exceeds its limit.
	ErrTooLarge = errors.New("file too large")
)

// Manager lays out sessions as <root>/<agent_type>/<session_id>/{input,workspace,logs}.
type Manager struct {
	root string
	now  func() time.Time
}

// New creates a manager rooted at root, creating it if needed.
func New(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs, now: time.Now}, nil
}

// Root returns the absolute root directory.
func (m *Manager) Root() string { return m.root }

// Path returns the directory of a session. It does not check existence.
func (m *Manager) Path(agentType, sessionID string) (string, error) {
	if !validName(agentType) || !validName(sessionID) {
		return "", fmt.Errorf("session %q/%q: %w", agentType, sessionID, ErrInvalidPath)
	}
	return filepath.Join(m.root, agentType, sessionID), nil
}

// Create makes the directory tree of a new session and returns its path.
func (m *Manager) Create(agentType, sessionID string) (string, error) {
	dir, err := m.Path(agentType, sessionID)
	if err != nil {
		return "", err
	}
	for _, sub := range []string{inputDir, workspaceDir, logsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return dir, nil
}

// Remove deletes a session directory. Missing directories are not an error.
func (m *Manager) Remove(agentType, sessionID string) error {
	dir, err := m.Path(agentType, sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

// WorkDir returns the directory agents read and write files in.
func (m *Manager) WorkDir(agentType, sessionID string) (string, error) {
	dir, err := m.existing(agentType, sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, workspaceDir), nil
}

// ResolveFile maps a path given by an agent to a file inside the session's
// workspace directory. Absolute paths and ".." segments that would leave it
// are rejected.
func (m *Manager) ResolveFile(agentType, sessionID, rel string) (string, error) {
	base, err := m.WorkDir(agentType, sessionID)
	if err != nil {
		return "", err
	}
	rel = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(rel)), "./")
	rel = strings.TrimPrefix(rel, workspaceDir+"/")
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("file %q: %w", rel, ErrInvalidPath)
	}
	full := filepath.Join(base, filepath.FromSlash(rel))
	if !within(base, full) {
		return "", fmt.Errorf("file %q: %w", rel, ErrInvalidPath)
	}
	return full, nil
}

// SaveUpload stores an uploaded file in the session's input directory and
// returns its path. At most limit bytes are accepted; zero means no limit.
func (m *Manager) SaveUpload(agentType, sessionID, filename string, r io.Reader, limit int64) (string, error) {
	dir, err := m.existing(agentType, sessionID)
	if err != nil {
		return "", err
	}
	name := filepath.Base(filepath.Clean("/" + filename))
	if !validName(name) {
		return "", fmt.Errorf("upload name %q: %w", filename, ErrInvalidPath)
	}
	dest := filepath.Join(dir, inputDir, name)

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(dest)
		return "", fmt.Errorf("write upload file: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(dest)
		return "", fmt.Errorf("close upload file: %w", closeErr)
	case limit > 0 && n > limit:
		_ = os.Remove(dest)
		return "", fmt.Errorf("upload %s: %w", name, ErrTooLarge)
	}
	return dest, nil
}

// ListFiles returns the uploaded inputs and, recursively, the workspace
// files of a session. Paths are relative to the session directory.
func (m *Manager) ListFiles(agentType, sessionID string) (domain.SessionFiles, error) {
	dir, err := m.existing(agentType, sessionID)
	if err != nil {
		return domain.SessionFiles{}, err
	}
	files := domain.SessionFiles{
		SessionID:      sessionID,
		InputFiles:     []domain.FileInfo{},
		WorkspaceFiles: []domain.FileInfo{},
	}

	entries, err := os.ReadDir(filepath.Join(dir, inputDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.SessionFiles{}, fmt.Errorf("read input dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files.InputFiles = append(files.InputFiles, fileInfo(dir, filepath.Join(dir, inputDir, e.Name()), info))
	}

	walkErr := filepath.WalkDir(filepath.Join(dir, workspaceDir), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files.WorkspaceFiles = append(files.WorkspaceFiles, fileInfo(dir, path, info))
		return nil
	})
	if walkErr != nil {
		return domain.SessionFiles{}, fmt.Errorf("walk workspace dir: %w", walkErr)
	}
	return files, nil
}

// WriteLog stores data as a JSON log file named <kind>_<timestamp>.log.
// A "timestamp" key is added when data does not carry one.
func (m *Manager) WriteLog(agentType, sessionID, kind string, data map[string]any) (string, error) {
	dir, err := m.existing(agentType, sessionID)
	if err != nil {
		return "", err
	}
	if !validName(kind) {
		return "", fmt.Errorf("log kind %q: %w", kind, ErrInvalidPath)
	}
	now := m.now()
	record := make(map[string]any, len(data)+1)
	for k, v := range data {
		record[k] = v
	}
	if _, ok := record["timestamp"]; !ok {
		record["timestamp"] = now.Format(time.RFC3339Nano)
	}
	body, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode log: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(dir, logsDir), 0o755); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s%s", kind, now.UTC().Format("20060102T150405.000000000"), logExt)
	path := filepath.Join(dir, logsDir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write log: %w", err)
	}
	return path, nil
}

// Logs returns the JSON log files of a session, newest first. Files that do
// not parse are skipped.
func (m *Manager) Logs(agentType, sessionID string) ([]domain.LogEntry, error) {
	dir, err := m.existing(agentType, sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, logsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return []domain.LogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read logs dir: %w", err)
	}

	type dated struct {
		entry domain.LogEntry
		mod   time.Time
	}
	var found []dated
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != logExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, logsDir, e.Name()))
		if err != nil {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		entry := domain.LogEntry{Filename: e.Name(), Type: logType(e.Name()), Data: data}
		if ts, ok := data["timestamp"].(string); ok {
			entry.Timestamp = ts
		}
		found = append(found, dated{entry: entry, mod: info.ModTime()})
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].mod.Equal(found[j].mod) {
			return found[i].entry.Filename > found[j].entry.Filename
		}
		return found[i].mod.After(found[j].mod)
	})

	logs := make([]domain.LogEntry, 0, len(found))
	for _, d := range found {
		logs = append(logs, d.entry)
	}
	return logs, nil
}

func (m *Manager) existing(agentType, sessionID string) (string, error) {
	dir, err := m.Path(agentType, sessionID)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return dir, nil
}

func fileInfo(sessionDir, path string, info fs.FileInfo) domain.FileInfo {
	rel, err := filepath.Rel(sessionDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return domain.FileInfo{
		Name:     info.Name(),
		Size:     info.Size(),
		Modified: float64(info.ModTime().UnixNano()) / float64(time.Second),
		Path:     filepath.ToSlash(rel),
	}
}

func logType(name string) string {
	if strings.Contains(name, "agent") {
		return "agent"
	}
	return "code_exec"
}

// validName accepts a single path element.
func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`) && !strings.ContainsRune(s, 0)
}

func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
