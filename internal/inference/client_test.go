package inference

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeployd/forge/internal/logger"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	return New(Options{BaseURL: baseURL, OutputDir: t.TempDir(), MaxRetries: 2}, log)
}

func TestSubmit_ReturnsPromptID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/prompt", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "abc-123"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.Submit(t.Context(), map[string]any{"1": map[string]any{}}, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
}

func TestSubmit_MissingPromptIDFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Submit(t.Context(), map[string]any{}, "client-1")
	assert.Error(t, err)
}

func TestStatus_CompletedWithOutputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/queue":
			_ = json.NewEncoder(w).Encode(map[string]any{"queue_running": [][]any{}, "queue_pending": [][]any{}})
		case "/history/abc-123":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"abc-123": map[string]any{
					"status":  map[string]any{"completed": true, "status_str": "success"},
					"outputs": map[string]any{"9": map[string]any{"images": []map[string]any{{"filename": "out.png"}}}},
				},
			})
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.Status(t.Context(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []string{"out.png"}, result.Outputs)
}

func TestWaitForCompletion_DownloadsImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/queue":
			_ = json.NewEncoder(w).Encode(map[string]any{"queue_running": [][]any{}, "queue_pending": [][]any{}})
		case "/history/abc-123":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"abc-123": map[string]any{
					"status":  map[string]any{"completed": true, "status_str": "success"},
					"outputs": map[string]any{"9": map[string]any{"images": []map[string]any{{"filename": "out.png"}}}},
				},
			})
		case "/view":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("fake-png-bytes"))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.WaitForCompletion(t.Context(), "abc-123", 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	require.Len(t, result.Images, 1)
	assert.Equal(t, "/api/images/out.png", result.Images[0])
	assert.FileExists(t, filepath.Join(c.outputDir, "out.png"))
}

func TestWaitForCompletion_TimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"queue_running": [][]any{}, "queue_pending": [][]any{{1, "abc-123"}}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	polled := 0
	_, err := c.WaitForCompletion(t.Context(), "abc-123", 1500*time.Millisecond, func(st StatusResult) {
		polled++
		assert.Equal(t, StatusPending, st.Status)
	})
	assert.Error(t, err)
	assert.Greater(t, polled, 0)
}
