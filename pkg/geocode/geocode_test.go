package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/logging"
)

func TestReverse(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr error
	}{
		{
			name:   "street address",
			status: http.StatusOK,
			body:   `{"display_name":"12, Oak Street, Santa Rosa","address":{"house_number":"12","road":"Oak Street","city":"Santa Rosa"}}`,
			want:   "12 Oak Street",
		},
		{
			name:   "display name fallback",
			status: http.StatusOK,
			body:   `{"display_name":"Laguna Park, Santa Rosa","address":{}}`,
			want:   "Laguna Park, Santa Rosa",
		},
		{
			name:    "no result",
			status:  http.StatusOK,
			body:    `{"error":"Unable to geocode"}`,
			wantErr: ErrNoResult,
		},
		{
			name:    "not found",
			status:  http.StatusNotFound,
			body:    `{}`,
			wantErr: ErrNoResult,
		},
		{
			name:    "server failure",
			status:  http.StatusBadGateway,
			body:    `oops`,
			wantErr: ErrServiceError,
		},
		{
			name:    "malformed body",
			status:  http.StatusOK,
			body:    `{"display_name":`,
			wantErr: ErrServiceError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/reverse", r.URL.Path)
				assert.Equal(t, "38.4400000", r.URL.Query().Get("lat"))
				assert.Equal(t, "clover-test", r.Header.Get("User-Agent"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient(Config{BaseURL: srv.URL + "/", UserAgent: "clover-test"}, logging.Nop())
			got, err := client.Reverse(context.Background(), 38.44, -122.71)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReverseUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, logging.Nop())
	_, err := client.Reverse(context.Background(), 1, 2)
	require.ErrorIs(t, err, ErrServiceError)
}
