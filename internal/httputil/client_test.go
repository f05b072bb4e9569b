package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardClient(t *testing.T) {
	assert.Equal(t, http.DefaultClient, NewStandardClient(nil).Client)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	var c HTTPClient = NewStandardClient(srv.Client())
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "/api/status", string(body))
}

func TestMockHTTPClient_QueuedResponses(t *testing.T) {
	m := NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"state":"connected"}`).
		AddErrorResponse(errors.New("connection refused")).
		AddResponse(http.StatusNotFound, "")

	req, _ := http.NewRequest(http.MethodGet, "http://receiver/api/status", nil)

	resp, err := m.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"state":"connected"}`, string(body))

	_, err = m.Do(req)
	assert.EqualError(t, err, "connection refused")

	resp, err = m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Exhausted queue answers 200.
	resp, err = m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 4, m.RequestCount())
	assert.Same(t, req, m.GetRequest(0))
	assert.Nil(t, m.GetRequest(4))
}

func TestMockHTTPClient_DoFunc(t *testing.T) {
	m := NewMockHTTPClient()
	m.DoFunc = func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusTeapot, Body: http.NoBody}, nil
	}
	req, _ := http.NewRequest(http.MethodGet, "http://receiver/health", nil)
	resp, err := m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, 1, m.RequestCount())
}
