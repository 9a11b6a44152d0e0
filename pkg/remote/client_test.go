package remote_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciwatch/testgate/pkg/remote"
	"github.com/ciwatch/testgate/pkg/store"
)

func newTestClient(t *testing.T) remote.Client {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return remote.NewClient(log)
}

func TestClient_BuildNumbers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t,
				"/api/jobs/ci/feature/builds", r.URL.Path)
			assert.Equal(t, "12", r.URL.Query().Get("limit"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"builds": [110, 109, 108]}`))
		},
	))
	defer srv.Close()

	c := newTestClient(t)
	job := store.JobRef{Workflow: "ci", Branch: "feature"}

	numbers, err := c.BuildNumbers(context.Background(), srv.URL, job, 12)
	require.NoError(t, err)
	assert.Equal(t, []int64{110, 109, 108}, numbers)
}

func TestClient_Build(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t,
				"/api/jobs/nightly/release%2F6.0/builds/42",
				r.URL.EscapedPath())

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"build_number": 42,
				"timestamp": 1700000000,
				"completed": true,
				"planned_tests": 2,
				"labels": ["full"],
				"tests": [
					{
						"name": "TestCrash",
						"failed": true,
						"timestamp_seconds": 1700000000,
						"error_details": "segfault"
					},
					{
						"name": "TestQuiet",
						"timestamp_seconds": 1700000000
					}
				]
			}`))
		},
	))
	defer srv.Close()

	c := newTestClient(t)
	job := store.JobRef{Workflow: "nightly", Branch: "release/6.0"}

	payload, err := c.Build(context.Background(), srv.URL, job, 42)
	require.NoError(t, err)

	assert.EqualValues(t, 42, payload.BuildNumber)
	assert.True(t, payload.Completed)
	assert.Equal(t, 2, payload.PlannedTests)
	assert.Equal(t, []string{"full"}, payload.Labels)

	require.Len(t, payload.Tests, 2)
	assert.Equal(t, "TestCrash", payload.Tests[0].Name)
	assert.True(t, payload.Tests[0].Failed)
	assert.Equal(t, "segfault", payload.Tests[0].ErrorDetails)
}

func TestClient_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"missing build", http.StatusNotFound, remote.ErrNotFound},
		{"server failure", http.StatusInternalServerError,
			remote.ErrUnavailable},
		{"bad gateway", http.StatusBadGateway, remote.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(
				func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tt.status)
				},
			))
			defer srv.Close()

			c := newTestClient(t)
			job := store.JobRef{Workflow: "ci", Branch: "main"}

			_, err := c.Build(context.Background(), srv.URL, job, 1)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		},
	))
	defer srv.Close()

	c := newTestClient(t)
	job := store.JobRef{Workflow: "ci", Branch: "main"}

	_, err := c.BuildNumbers(context.Background(), srv.URL, job, 5)
	require.Error(t, err)
	assert.NotErrorIs(t, err, remote.ErrNotFound)
	assert.NotErrorIs(t, err, remote.ErrUnavailable)
}

func TestClient_UnconfiguredEndpoint(t *testing.T) {
	c := newTestClient(t)
	job := store.JobRef{Workflow: "ci", Branch: "main"}

	_, err := c.BuildNumbers(context.Background(), "", job, 5)
	assert.ErrorIs(t, err, remote.ErrUnconfigured)

	_, err = c.Build(context.Background(), "", job, 1)
	assert.ErrorIs(t, err, remote.ErrUnconfigured)
}

func TestClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {},
	))
	srv.Close()

	c := newTestClient(t)
	job := store.JobRef{Workflow: "ci", Branch: "main"}

	_, err := c.BuildNumbers(context.Background(), srv.URL, job, 5)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestHintFor(t *testing.T) {
	dnsErr := &net.DNSError{
		Err:  "no such host",
		Name: "build.nowhere.example",
	}

	hint := remote.HintFor(dnsErr)
	assert.Contains(t, hint, "build.nowhere.example")
	assert.Contains(t, hint, "remote_endpoint")

	assert.Empty(t, remote.HintFor(context.Canceled))
	assert.Empty(t, remote.HintFor(nil))
}
