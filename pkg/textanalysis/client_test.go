package textanalysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/attributes"
	"github.com/Ramsey-B/clover/pkg/logging"
	"github.com/Ramsey-B/clover/pkg/models"
)

func completionServer(t *testing.T, status int, content string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream down","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(url string) *Client {
	return NewClient(Config{APIKey: "test", BaseURL: url + "/v1", MinInterval: time.Millisecond}, nil, logging.Nop())
}

func placeRequest(text string) Request {
	keys := attributes.DefaultSchema().Keys(models.EntityKindPlace)
	return Request{Kind: models.EntityKindPlace, Text: text, Schema: keys}
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name          string
		content       string
		wantSignal    bool
		wantKeys      []string
		wantDiscarded []string
	}{
		{
			name:       "recognized keys",
			content:    `{"attributes":[{"attribute_key":"cats_trapped","value":4,"confidence":0.9,"evidence":"trapped four"}]}`,
			wantSignal: true,
			wantKeys:   []string{"cats_trapped"},
		},
		{
			name:          "unknown keys discarded",
			content:       `{"attributes":[{"attribute_key":"favorite_color","value":"blue","confidence":0.9},{"attribute_key":"has_kittens","value":true,"confidence":0.8,"evidence":"saw kittens"}]}`,
			wantSignal:    true,
			wantKeys:      []string{"has_kittens"},
			wantDiscarded: []string{"favorite_color"},
		},
		{
			name:       "empty result is no signal",
			content:    `{"attributes":[]}`,
			wantSignal: false,
		},
		{
			name:       "fenced json",
			content:    "```json\n{\"attributes\":[{\"attribute_key\":\"cats_remaining\",\"value\":2,\"confidence\":0.7}]}\n```",
			wantSignal: true,
			wantKeys:   []string{"cats_remaining"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := completionServer(t, http.StatusOK, tt.content, nil)
			resp, err := newTestClient(srv.URL).Analyze(context.Background(), placeRequest("colony behind the barn"))
			require.NoError(t, err)

			assert.Equal(t, tt.wantSignal, resp.Signal)
			var keys []string
			for _, o := range resp.Observations {
				keys = append(keys, o.Key)
			}
			assert.Equal(t, tt.wantKeys, keys)
			assert.Equal(t, tt.wantDiscarded, resp.Discarded)
		})
	}
}

func TestAnalyze_Malformed(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "the colony has four cats", nil)

	_, err := newTestClient(srv.URL).Analyze(context.Background(), placeRequest("notes"))
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestAnalyze_ServiceError(t *testing.T) {
	srv := completionServer(t, http.StatusInternalServerError, "", nil)

	_, err := newTestClient(srv.URL).Analyze(context.Background(), placeRequest("notes"))
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestAnalyze_BlankTextSkipsService(t *testing.T) {
	var calls int32
	srv := completionServer(t, http.StatusOK, `{"attributes":[]}`, &calls)

	resp, err := newTestClient(srv.URL).Analyze(context.Background(), placeRequest("   "))
	require.NoError(t, err)
	assert.False(t, resp.Signal)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

type fakeShared struct {
	calls int
	err   error
}

func (f *fakeShared) Wait(ctx context.Context, key string, interval time.Duration) error {
	f.calls++
	return f.err
}

func TestAnalyze_SharedLimiter(t *testing.T) {
	srv := completionServer(t, http.StatusOK, `{"attributes":[]}`, nil)
	shared := &fakeShared{}
	client := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", MinInterval: time.Millisecond}, shared, logging.Nop())

	_, err := client.Analyze(context.Background(), placeRequest("notes"))
	require.NoError(t, err)
	_, err = client.Analyze(context.Background(), placeRequest("more notes"))
	require.NoError(t, err)
	assert.Equal(t, 2, shared.calls)

	shared.err = assert.AnError
	_, err = client.Analyze(context.Background(), placeRequest("notes"))
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestAnalyze_CanceledWhileWaiting(t *testing.T) {
	srv := completionServer(t, http.StatusOK, `{"attributes":[]}`, nil)
	client := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", MinInterval: time.Hour}, nil, logging.Nop())

	_, err := client.Analyze(context.Background(), placeRequest("first"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = client.Analyze(ctx, placeRequest("second"))
	require.Error(t, err)
}
