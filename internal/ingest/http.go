package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/protocol"
	"github.com/aquamans/pondwatch/internal/retry"
)

// DefaultHTTPTimeout bounds each request of the HTTP port
const DefaultHTTPTimeout = 5 * time.Second

// HTTPPort posts results to the API of the process that owns the store.
// Each request is retried on its own for 429, 5xx and transport errors.
type HTTPPort struct {
	baseURL string
	client  *retryablehttp.Client
	log     zerolog.Logger
}

// NewHTTPPort creates a networked port against baseURL
func NewHTTPPort(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPPort {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	log = log.With().Str("component", "ingest").Str("mode", "http").Logger()

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = timeout
	client.RetryMax = 2
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Backoff = jitteredBackoff
	client.CheckRetry = retryablehttp.DefaultRetryPolicy
	// hand the last response back instead of a generic "giving up" error
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = leveledLogger{log}

	return &HTTPPort{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

// jitteredBackoff spreads the default exponential delay by half either way
// unless the server asked for a specific Retry-After.
func jitteredBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	d := retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
	if d <= 0 || (resp != nil && resp.Header.Get("Retry-After") != "") {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)+1))
}

// leveledLogger routes retryablehttp logging into zerolog
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Trace().Fields(kv).Msg(msg) }

// StatusError is a non-2xx API response
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

func isTransient(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// UpdateCounts implements Port
func (p *HTTPPort) UpdateCounts(ctx context.Context, live, dead int) error {
	body := protocol.UpdateDetectionRequest{Catfish: &live, DeadCatfish: &dead}
	_, err := p.post(ctx, "/update_detection", body)
	return err
}

// WriteEvidence implements Port
func (p *HTTPPort) WriteEvidence(ctx context.Context, ev Evidence) (int64, error) {
	body := protocol.EvidenceRequest{
		Catfish:     ev.Live,
		DeadCatfish: ev.Dead,
		CapturedAt:  ev.CapturedAt,
		Image:       ev.JPEG,
	}
	resp, err := p.post(ctx, "/detection_evidence", body)
	if err != nil {
		return 0, err
	}

	var created protocol.EvidenceCreated
	raw, err := json.Marshal(resp.Data)
	if err == nil {
		err = json.Unmarshal(raw, &created)
	}
	if err != nil {
		// the row exists on the other side, so another attempt would duplicate it
		p.log.Error().Err(err).Msg("evidence stored but response carried no id")
		return 0, retry.Permanent(fmt.Errorf("invalid evidence response: %w", err))
	}
	return created.ID, nil
}

func (p *HTTPPort) post(ctx context.Context, path string, body interface{}) (*protocol.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to encode request: %w", err))
	}

	requestID := uuid.NewString()
	out, err := p.do(ctx, path, requestID, payload)
	if err != nil {
		p.log.Debug().Err(err).Str("path", path).Str("request_id", requestID).Msg("request failed")
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, retry.Permanent(ErrNoSnapshot)
		}
		if errors.As(err, &se) && !isTransient(se.Code) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	return out, nil
}

func (p *HTTPPort) do(ctx context.Context, path, requestID string, payload []byte) (*protocol.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, payload)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	decoded, decodeErr := protocol.DecodeResponse(data)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode}
		if decodeErr == nil {
			se.Message = decoded.Message
		}
		return nil, se
	}
	if decodeErr != nil {
		return nil, retry.Permanent(decodeErr)
	}
	return decoded, nil
}
