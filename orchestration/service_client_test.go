package orchestration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentgate/intentgate/core"
)

func TestHTTPServiceClientCall(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"balance": 42.0})
	}))
	defer server.Close()

	client := NewHTTPServiceClient(map[string]string{"balances": server.URL}, nil)
	value, err := client.Call(context.Background(), "balances", "get",
		map[string]interface{}{"account": "acc-1"}, "tok-123")
	require.NoError(t, err)

	assert.Equal(t, "/api/functions/get", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "acc-1", gotBody["account"])
	assert.Equal(t, 42.0, value.(map[string]interface{})["balance"])
}

func TestHTTPServiceClientPropagatesCorrelationID(t *testing.T) {
	var gotCorrelation string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(core.HeaderCorrelationID)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPServiceClient(map[string]string{"s": server.URL}, nil)
	ctx := core.WithCorrelationID(context.Background(), "corr-7")
	_, err := client.Call(ctx, "s", "f", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "corr-7", gotCorrelation)
}

func TestHTTPServiceClientErrorCarriesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewHTTPServiceClient(map[string]string{"s": server.URL}, nil)
	_, err := client.Call(context.Background(), "s", "f", nil, "")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, core.StatusOf(err))
	assert.Equal(t, core.CategoryTransient, core.ClassifyError(err.Error(), core.StatusOf(err)))
}

func TestHTTPServiceClientUnknownService(t *testing.T) {
	client := NewHTTPServiceClient(map[string]string{}, nil)
	_, err := client.Call(context.Background(), "ghost", "f", nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrServiceNotFound)
	assert.Equal(t, core.CategoryPermanent, core.ClassifyError(err.Error(), core.StatusOf(err)))
}

func TestHTTPServiceClientConnectionRefused(t *testing.T) {
	client := NewHTTPServiceClient(map[string]string{"down": "http://127.0.0.1:1"}, nil)
	_, err := client.Call(context.Background(), "down", "f", nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConnectionFailed)
	assert.Equal(t, core.CategoryTransient, core.ClassifyError(err.Error(), 0))
}
