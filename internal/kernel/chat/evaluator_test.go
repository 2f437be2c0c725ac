package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/artifact"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/httpclient"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/serialize"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

const docID = "doc1"

type completionServer struct {
	*httptest.Server
	requests []completionRequest
	auth     []string
}

func newCompletionServer(t *testing.T, status int, reply string) *completionServer {
	t.Helper()
	s := &completionServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req completionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.requests = append(s.requests, req)
		s.auth = append(s.auth, r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": reply}}},
		})
	}))
	t.Cleanup(s.Close)
	return s
}

func newEvaluator(t *testing.T, srv *completionServer) (*Evaluator, workspace.Layout) {
	t.Helper()
	layout := workspace.New(t.TempDir())
	e := New(layout, httpclient.New(httpclient.Options{Timeout: 5 * time.Second}), nil, nil)
	e.SetEnv(map[string]string{
		EnvEndpoint:     srv.URL + "/v1",
		EnvAPIKey:       "secret",
		EnvModel:        "test-model",
		EnvSystemPrompt: "be brief",
	})
	return e, layout
}

func request(t *testing.T, layout workspace.Layout, prompt string, linked ...id.ExecutionID) types.ExecutionMeta {
	t.Helper()
	meta := types.NewExecutionMeta(docID, types.Cell{ID: "c", Language: types.LanguageChat, Content: prompt}, linked)
	require.NoError(t, layout.WriteMeta(meta))
	require.NoError(t, workspace.WriteFileAtomic(layout.RawSourcePath(docID, meta.ExecutionID, types.LanguageChat), []byte(prompt), 0o644))
	return meta
}

func folded(t *testing.T, layout workspace.Layout, exec id.ExecutionID) result.Result {
	t.Helper()
	history, err := artifact.ReadHistory(layout.ExecutionDir(docID, exec), nil)
	require.NoError(t, err)
	return result.Fold(history)
}

func TestEvaluateExportsResponse(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK, "4")
	e, layout := newEvaluator(t, srv)
	meta := request(t, layout, "2+2?")

	require.NoError(t, e.Evaluate(context.Background(), meta, "2+2?"))

	state := folded(t, layout, meta.ExecutionID)
	require.NotNil(t, state.Success)
	assert.Equal(t, serialize.Encode(serialize.String("4")), state.Success.SerializedExports[ResponseKey])

	require.Len(t, srv.requests, 1)
	assert.Equal(t, "test-model", srv.requests[0].Model)
	assert.Equal(t, []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "2+2?"},
	}, srv.requests[0].Messages)
	assert.Equal(t, "Bearer secret", srv.auth[0])

	stored, err := workspace.ReadMeta(layout.MetaPath(docID, meta.ExecutionID))
	require.NoError(t, err)
	assert.Equal(t, []string{ResponseKey}, stored.ExportKeys)
}

func TestEvaluateSendsLinkedHistory(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK, "ok")
	e, layout := newEvaluator(t, srv)

	first := request(t, layout, "hello")
	require.NoError(t, e.Evaluate(context.Background(), first, "hello"))

	second := request(t, layout, "again", first.ExecutionID)
	require.NoError(t, e.Evaluate(context.Background(), second, "again"))

	require.Len(t, srv.requests, 2)
	assert.Equal(t, []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "again"},
	}, srv.requests[1].Messages)
}

func TestEvaluateUpstreamError(t *testing.T) {
	srv := newCompletionServer(t, http.StatusTooManyRequests, "")
	e, layout := newEvaluator(t, srv)
	meta := request(t, layout, "hi")

	err := e.Evaluate(context.Background(), meta, "hi")
	require.Error(t, err)
	assert.True(t, result.IsKind(err, result.KindEvaluation))
	assert.Contains(t, err.Error(), "quota exceeded")

	state := folded(t, layout, meta.ExecutionID)
	assert.Nil(t, state.Success)
	require.NotNil(t, state.Error)
}

func TestEvaluateUnresolvedHistory(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK, "ok")
	e, layout := newEvaluator(t, srv)

	pending := request(t, layout, "never answered")
	meta := request(t, layout, "follow up", pending.ExecutionID)

	err := e.Evaluate(context.Background(), meta, "follow up")
	require.Error(t, err)
	assert.True(t, result.IsKind(err, result.KindLink))
	assert.Empty(t, srv.requests)
}

func TestSettingsFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    Settings
		wantErr bool
	}{
		{
			name: "defaults",
			env:  map[string]string{},
			want: Settings{Endpoint: DefaultEndpoint, Model: DefaultModel},
		},
		{
			name: "temperature",
			env:  map[string]string{EnvTemperature: "0.5", EnvEndpoint: "http://local/"},
			want: Settings{Endpoint: "http://local/", Model: DefaultModel, Temperature: ptr(0.5)},
		},
		{
			name:    "bad temperature",
			env:     map[string]string{EnvTemperature: "warm"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SettingsFromEnv(tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	s := Settings{Endpoint: "http://local/"}
	assert.Equal(t, "http://local/chat/completions", s.CompletionsURL())
}

func ptr(f float64) *float64 { return &f }
