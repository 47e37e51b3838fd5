package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/edgedav/pkg/api"
	"github.com/marmos91/edgedav/pkg/connectivity"
)

func writeEnvelope(w http.ResponseWriter, code int, status, errMsg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"data":      data,
		"error":     errMsg,
	})
}

func TestNew(t *testing.T) {
	client := New("http://localhost:8080/")
	assert.Equal(t, "http://localhost:8080", client.BaseURL())
	assert.Equal(t, DefaultTimeout, client.httpClient.Timeout)

	short := client.WithTimeout(time.Second)
	assert.Equal(t, time.Second, short.httpClient.Timeout)
	assert.Equal(t, client.BaseURL(), short.BaseURL())
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		writeEnvelope(w, http.StatusOK, "healthy", "", map[string]string{"service": "edgedav"})
	}))
	defer server.Close()

	require.NoError(t, New(server.URL).Health(context.Background()))
}

func TestReady(t *testing.T) {
	t.Run("Associated", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, "healthy", "", map[string]any{
				"state": "associated", "failures": 0, "address": "192.168.4.2",
			})
		}))
		defer server.Close()

		r, err := New(server.URL).Ready(context.Background())
		require.NoError(t, err)
		assert.True(t, r.Ready)
		assert.Equal(t, "associated", r.State)
		assert.Equal(t, "192.168.4.2", r.Address)
	})

	t.Run("NotAssociated", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusServiceUnavailable, "unhealthy", "uplink not associated",
				map[string]any{"state": "connecting", "failures": 3})
		}))
		defer server.Close()

		r, err := New(server.URL).Ready(context.Background())
		require.NoError(t, err)
		assert.False(t, r.Ready)
		assert.Equal(t, "connecting", r.State)
		assert.Equal(t, 3, r.Failures)
		assert.Equal(t, "uplink not associated", r.Reason)
	})

	t.Run("ServerError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := New(server.URL).Ready(context.Background())
		require.Error(t, err)

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		assert.Equal(t, "boom", apiErr.Message)
		assert.False(t, apiErr.IsUnavailable())
	})
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		writeEnvelope(w, http.StatusOK, "ok", "", api.Status{
			Service: "edgedav",
			Version: "1.2.3",
			Ready:   true,
			Connectivity: connectivity.Snapshot{
				State:    connectivity.Associated,
				SSID:     "field-ap",
				Failures: 0,
			},
			Volume: &api.VolumeStatus{Root: "/vfat", Driver: "local"},
		})
	}))
	defer server.Close()

	status, err := New(server.URL).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "edgedav", status.Service)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, connectivity.Associated, status.Connectivity.State)
	require.NotNil(t, status.Volume)
	assert.Equal(t, "/vfat", status.Volume.Root)
	assert.Nil(t, status.Memory)
}

func TestStatusNotInitialized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusServiceUnavailable, "unhealthy", "node not initialized", nil)
	}))
	defer server.Close()

	_, err := New(server.URL).Status(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "node not initialized")
}

func TestDoRejectsNonEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer server.Close()

	err := New(server.URL).Health(context.Background())
	assert.Error(t, err)
}

func TestDoHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := New(server.URL).Health(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestAPIErrorMessage(t *testing.T) {
	assert.Equal(t, "API returned 404 Not Found", (&APIError{StatusCode: 404}).Error())
	assert.True(t, (&APIError{StatusCode: 404}).IsNotFound())
	assert.Equal(t, "API returned 503: down", (&APIError{StatusCode: 503, Message: "down"}).Error())
}
