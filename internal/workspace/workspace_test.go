package workspace

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	return m
}

func TestCreateLayout(t *testing.T) {
	m := newTestManager(t)
	dir, err := m.Create("coder", "s1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "coder", "s1"), dir)

	for _, sub := range []string{"input", "workspace", "logs"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	require.NoError(t, m.Remove("coder", "s1"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, m.Remove("coder", "s1"))
}

func TestPathRejectsTraversal(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", ".", "..", "../x", `a\b`} {
		_, err := m.Path("coder", id)
		assert.ErrorIs(t, err, ErrInvalidPath, id)
	}
}

func TestUploadAndListFiles(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("coder", "s1")
	require.NoError(t, err)

	path, err := m.SaveUpload("coder", "s1", "../../data.csv", strings.NewReader("a,b\n1,2\n"), 1024)
	require.NoError(t, err)
	assert.Equal(t, "data.csv", filepath.Base(path))

	target, err := m.ResolveFile("coder", "s1", "src/main.py")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("print(1)"), 0o644))

	files, err := m.ListFiles("coder", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", files.SessionID)
	require.Len(t, files.InputFiles, 1)
	assert.Equal(t, "data.csv", files.InputFiles[0].Name)
	assert.Equal(t, int64(8), files.InputFiles[0].Size)
	assert.Equal(t, "input/data.csv", files.InputFiles[0].Path)
	require.Len(t, files.WorkspaceFiles, 1)
	assert.Equal(t, "workspace/src/main.py", files.WorkspaceFiles[0].Path)
	assert.Greater(t, files.WorkspaceFiles[0].Modified, float64(0))
}

func TestUploadLimit(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("coder", "s1")
	require.NoError(t, err)

	_, err = m.SaveUpload("coder", "s1", "big.bin", bytes.NewReader(make([]byte, 11)), 10)
	assert.ErrorIs(t, err, ErrTooLarge)

	files, err := m.ListFiles("coder", "s1")
	require.NoError(t, err)
	assert.Empty(t, files.InputFiles)
}

func TestUploadUnknownSession(t *testing.T) {
	m := newTestManager(t)
	_, err := m.SaveUpload("coder", "nope", "a.txt", strings.NewReader("x"), 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.ListFiles("coder", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveFileStaysInWorkspace(t *testing.T) {
	m := newTestManager(t)
	dir, err := m.Create("coder", "s1")
	require.NoError(t, err)

	got, err := m.ResolveFile("coder", "s1", "./workspace/a.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "workspace", "a.py"), got)

	for _, bad := range []string{"", "/etc/passwd", "../history.json", "a/../../b"} {
		_, err := m.ResolveFile("coder", "s1", bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestWriteAndReadLogs(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("coder", "s1")
	require.NoError(t, err)

	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	_, err = m.WriteLog("coder", "s1", "code_exec", map[string]any{"exit_code": 0})
	require.NoError(t, err)
	_, err = m.WriteLog("coder", "s1", "agent", map[string]any{"timestamp": "fixed", "response": "hi"})
	require.NoError(t, err)

	dir, _ := m.Path("coder", "s1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "broken.log"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "notes.txt"), []byte("{}"), 0o644))

	logs, err := m.Logs("coder", "s1")
	require.NoError(t, err)
	require.Len(t, logs, 2)

	types := map[string]string{}
	for _, l := range logs {
		types[l.Type] = l.Timestamp
	}
	assert.Equal(t, "fixed", types["agent"])
	assert.Equal(t, "2025-03-01T12:00:01Z", types["code_exec"])
}

func TestTurnLoggerWritesOnClose(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("dialog", "s1")
	require.NoError(t, err)

	tl := NewTurnLogger(m, 4, nil)
	tl.Log(TurnRecord{
		AgentType:   "dialog",
		SessionID:   "s1",
		UserMessage: "hi",
		Response:    "Hello",
		Started:     time.Now(),
	})
	require.NoError(t, tl.Close())
	require.NoError(t, tl.Close())
	tl.Log(TurnRecord{AgentType: "dialog", SessionID: "s1"})

	logs, err := m.Logs("dialog", "s1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "agent", logs[0].Type)
	assert.Equal(t, "Hello", logs[0].Data["response"])
}
