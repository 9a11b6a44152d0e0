// Package remote talks to the remote build server a workflow's builds
// are ingested from.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ciwatch/testgate/pkg/store"
)

// Error taxonomy for remote failures.
var (
	// ErrUnconfigured marks a workflow without a remote endpoint.
	ErrUnconfigured = errors.New("workflow has no remote endpoint")

	// ErrUnavailable marks a network or host failure.
	ErrUnavailable = errors.New("build server unavailable")

	// ErrNotFound marks a remote build or job that does not exist.
	ErrNotFound = errors.New("not found on build server")
)

const (
	requestTimeout = 30 * time.Second

	// Client-side throttle against the build server.
	requestsPerSecond = 10
	requestBurst      = 20
)

// BuildPayload is a remote build with its test outcomes.
type BuildPayload struct {
	BuildNumber  int64         `json:"build_number"`
	Timestamp    int64         `json:"timestamp"`
	URL          string        `json:"url"`
	Completed    bool          `json:"completed"`
	Labels       []string      `json:"labels,omitempty"`
	PlannedTests int           `json:"planned_tests"`
	Tests        []TestPayload `json:"tests"`
}

// TestPayload is one test outcome within a remote build.
type TestPayload struct {
	Name             string `json:"name"`
	Variant          string `json:"variant,omitempty"`
	Failed           bool   `json:"failed"`
	Skipped          bool   `json:"skipped"`
	TimestampSeconds int64  `json:"timestamp_seconds"`
	URL              string `json:"url,omitempty"`
	ErrorDetails     string `json:"error_details,omitempty"`
	StackTrace       string `json:"stack_trace,omitempty"`
	Stdout           string `json:"stdout,omitempty"`
	Stderr           string `json:"stderr,omitempty"`
}

// Client fetches build data from a workflow's build server.
type Client interface {
	BuildNumbers(
		ctx context.Context,
		endpoint string,
		job store.JobRef,
		limit int,
	) ([]int64, error)
	Build(
		ctx context.Context,
		endpoint string,
		job store.JobRef,
		buildNumber int64,
	) (*BuildPayload, error)
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a build-server client with a shared HTTP client
// and a client-side rate limiter.
func NewClient(log logrus.FieldLogger) Client {
	return &client{
		log:     log.WithField("component", "remote"),
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(requestsPerSecond, requestBurst),
	}
}

// BuildNumbers returns the job's most recent build numbers, newest
// first, capped at limit.
func (c *client) BuildNumbers(
	ctx context.Context,
	endpoint string,
	job store.JobRef,
	limit int,
) ([]int64, error) {
	if endpoint == "" {
		return nil, ErrUnconfigured
	}

	u := fmt.Sprintf(
		"%s/api/jobs/%s/%s/builds?limit=%d",
		endpoint,
		url.PathEscape(job.Workflow),
		url.PathEscape(job.Branch),
		limit,
	)

	var body struct {
		Builds []int64 `json:"builds"`
	}

	if err := c.getJSON(ctx, u, &body); err != nil {
		return nil, fmt.Errorf("fetching build list for %s: %w", job, err)
	}

	return body.Builds, nil
}

// Build fetches one build with its test outcomes.
func (c *client) Build(
	ctx context.Context,
	endpoint string,
	job store.JobRef,
	buildNumber int64,
) (*BuildPayload, error) {
	if endpoint == "" {
		return nil, ErrUnconfigured
	}

	u := fmt.Sprintf(
		"%s/api/jobs/%s/%s/builds/%s",
		endpoint,
		url.PathEscape(job.Workflow),
		url.PathEscape(job.Branch),
		strconv.FormatInt(buildNumber, 10),
	)

	var payload BuildPayload
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return nil, fmt.Errorf(
			"fetching build %d for %s: %w", buildNumber, job, err,
		)
	}

	return &payload, nil
}

// getJSON performs a throttled GET and decodes the JSON response.
func (c *client) getJSON(ctx context.Context, u string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).
		Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// HintFor returns an actionable hint for well-known failure shapes,
// or an empty string.
func HintFor(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Sprintf(
			"host %q could not be resolved; "+
				"check the workflow's remote_endpoint and DNS",
			dnsErr.Name,
		)
	}

	return ""
}
