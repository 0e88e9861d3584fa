package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		checks     map[string]Pinger
		wantStatus int
		wantBody   string
	}{
		{"no checks", nil, http.StatusOK, "ok"},
		{"healthy store", map[string]Pinger{"database": ok}, http.StatusOK, "ok"},
		{"store down", map[string]Pinger{"database": down}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("v0.1.0", tt.checks)
			rr := httptest.NewRecorder()
			h.Handle(rr, httptest.NewRequest("GET", "/health", nil))

			assert.Equal(t, tt.wantStatus, rr.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantBody, resp.Status)
			assert.Equal(t, "v0.1.0", resp.Version)
			if tt.checks != nil {
				assert.Len(t, resp.Services, len(tt.checks))
			}
		})
	}
}

func TestHealthHandler_SQLiteStore(t *testing.T) {
	f := newAPIFixture(t, "x")
	h := NewHealthHandler("dev", map[string]Pinger{"database": f.store})

	rr := httptest.NewRecorder()
	h.Handle(rr, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
