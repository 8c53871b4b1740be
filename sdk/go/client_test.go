package clinicrmsdk

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

func TestClientSendsActorHeadersUnderBasePath(t *testing.T) {
	var got *http.Request
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"lead":{"id":"lead-1","step_id":"new"},"job_id":"job-1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "dr-ana"
	c.CompanyID = "clinic-1"
	res, err := c.CreateLead(context.Background(), "Maria", "new", nil)
	require.NoError(t, err)

	assert.Equal(t, "/v1/leads", got.URL.Path)
	assert.Equal(t, "dr-ana", got.Header.Get("X-Actor-Id"))
	assert.Equal(t, "clinic-1", got.Header.Get("X-Company-Id"))
	assert.Equal(t, "Maria", body["name"])
	assert.NotContains(t, body, "responsible_id")
	assert.Equal(t, "lead-1", res.Lead.ID)
	assert.Equal(t, "job-1", res.JobID)
}

func TestClientPrefersBearerToken(t *testing.T) {
	var auth, actor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		actor = r.Header.Get("X-Actor-Id")
		assert.Equal(t, "PENDING", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"items":[{"id":"t1","status":"PENDING"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	c.ActorID = "ignored"
	tasks, err := c.MyTasks(context.Background(), "PENDING")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Bearer tok", auth)
	assert.Empty(t, actor)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition","message":"task t1: COMPLETED -> CANCELLED"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).CancelTask(context.Background(), "t1", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)
}
