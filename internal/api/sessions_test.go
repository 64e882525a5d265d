package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/identity"
)

func (e *testEnv) upload(t *testing.T, path, field, filename, content string) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(identity.UserHeaderName, testUser)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out.Bytes()
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t, envConfig{upload: 16})
	sess := env.createSession(t, "coder")
	path := "/api/upload/coder/" + sess.ID

	code, body := env.upload(t, path, "file", "data.csv", "a,b\n1,2\n")
	require.Equal(t, http.StatusOK, code, string(body))
	assert.JSONEq(t, `{"filename":"data.csv","path":"input/data.csv"}`, string(body))

	code, body = env.do(t, http.MethodGet, "/api/sessions/coder/"+sess.ID+"/files", testUser, nil)
	require.Equal(t, http.StatusOK, code)
	var files domain.SessionFiles
	require.NoError(t, json.Unmarshal(body, &files))
	require.Len(t, files.InputFiles, 1)
	assert.Equal(t, "input/data.csv", files.InputFiles[0].Path)
	assert.EqualValues(t, 8, files.InputFiles[0].Size)
}

func TestUploadRejects(t *testing.T) {
	env := newTestEnv(t, envConfig{upload: 16})
	sess := env.createSession(t, "coder")
	path := "/api/upload/coder/" + sess.ID

	code, _ := env.upload(t, path, "file", "big.bin", strings.Repeat("x", 64))
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)

	code, _ = env.upload(t, path, "attachment", "a.txt", "hi")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.upload(t, "/api/upload/coder/missing", "file", "a.txt", "hi")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPost, path, testUser, "not multipart")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := env.do(t, http.MethodGet, "/api/sessions/coder/"+sess.ID+"/files", testUser, nil)
	require.Equal(t, http.StatusOK, code)
	var files domain.SessionFiles
	require.NoError(t, json.Unmarshal(body, &files))
	assert.Empty(t, files.InputFiles)
}
