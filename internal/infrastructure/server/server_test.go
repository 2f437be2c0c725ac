package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/api/ws"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/document"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.Workspace.Root = filepath.Join(root, "workspace")
	cfg.Workspace.NotebooksDir = filepath.Join(root, "notebooks")
	cfg.Workspace.EnvironmentsFile = filepath.Join(root, "environments.toml")
	cfg.Sandbox.FetchEnabled = false
	cfg.Sandbox.LogFlushInterval = 5 * time.Millisecond
	cfg.RateLimit.Enabled = false

	docs := document.NewFileStore(cfg.Workspace.NotebooksDir)
	require.NoError(t, docs.Save(context.Background(), types.Document{
		ID: "doc1",
		Cells: []types.Cell{
			{ID: "a", Language: types.LanguageTypeScript, Content: "export const a = 20", Timestamp: time.Now()},
			{ID: "note", Language: types.LanguageMarkdown, Content: "# a note", Timestamp: time.Now()},
			{ID: "b", Language: types.LanguageTypeScript, Content: "a + 1 + 1", Timestamp: time.Now()},
		},
	}))

	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	s, err := NewServer(cfg, Options{
		Logger:    logging.NewNop(),
		Metrics:   metrics,
		Documents: docs,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.watcher.Run(ctx)
	}()

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		assert.NoError(t, s.Close())
	})
	return s, srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		_ = json.NewDecoder(resp.Body).Decode(v)
	}
	return resp.StatusCode
}

func TestEvaluateEndToEnd(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/documents/doc1/cells/b/evaluate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var meta types.ExecutionMeta
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, "b", meta.CellID)
	require.Len(t, meta.LinkedExecutionIDs, 1)

	var state result.Result
	require.Eventually(t, func() bool {
		state = result.Result{}
		code := getJSON(t, srv.URL+"/documents/doc1/executions/"+meta.ExecutionID.String(), &state)
		return code == http.StatusOK && state.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	require.Nil(t, state.Error)
	require.NotNil(t, state.Success)
	assert.Equal(t, "22", state.Success.SerializedExports["default"])

	var latest struct {
		Executions []types.ExecutionMeta `json:"executions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/documents/doc1/executions", &latest))
	assert.Len(t, latest.Executions, 2)

	var runtimes struct {
		Count int `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runtimes", &runtimes))
	assert.Equal(t, 1, runtimes.Count)
}

func TestEvaluateRejectsMarkdown(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/documents/doc1/cells/note/evaluate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/documents/missing/cells/a/evaluate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamDeliversLiveArtifacts(t *testing.T) {
	_, srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/documents/doc1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello ws.Message
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "system", hello.Type)

	resp, err := http.Post(srv.URL+"/documents/doc1/cells/a/evaluate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		var msg ws.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != "artifact" || msg.Artifact == nil || msg.Artifact.Success == nil {
			continue
		}
		assert.Equal(t, "doc1", msg.DocumentID)
		assert.Equal(t, "20", msg.Artifact.Success.SerializedExports["a"])
		return
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := newTestServer(t)

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	assert.Equal(t, "healthy", health["status"])

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/metrics", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/metrics/json", nil))
}

func TestInvalidRuntimeMode(t *testing.T) {
	cfg := config.Default()
	cfg.Workspace.Root = t.TempDir()
	cfg.Runtime.Mode = "cluster"

	_, err := NewServer(cfg, Options{Logger: logging.NewNop(), Metrics: monitoring.NewMetricsWith(prometheus.NewRegistry())})
	assert.Error(t, err)
}
