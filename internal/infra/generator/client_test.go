package generator

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

	"github.com/contentpilot/tokenmeter/internal/domain/costs"
)

func TestGenerate(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "acc-1", req.AccountID)
		assert.NotEmpty(t, req.RequestID)
		_ = json.NewEncoder(w).Encode(Response{Content: "a post", RequestID: req.RequestID})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	out, err := c.Generate(context.Background(), Request{
		AccountID: "acc-1",
		Action:    costs.ActionGeneration,
		Prompt:    "write a post",
	})
	require.NoError(t, err)
	assert.Equal(t, "a post", out.Content)
	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, "/generate/generation", gotPath)
}

func TestGenerateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Response{Content: "eventually"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	out, err := c.Generate(context.Background(), Request{Action: costs.ActionHook, Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "eventually", out.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Generate(context.Background(), Request{Action: costs.ActionHook, Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
