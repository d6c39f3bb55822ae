// Package proxy fetches remote URLs as background jobs so the caller's
// requests to one origin are paced by a shared rate limiter.
package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/olamilekan000/readerq/readerq"
	"github.com/olamilekan000/readerq/readerq/errors"
	"github.com/olamilekan000/readerq/readerq/job"
	"github.com/olamilekan000/readerq/readerq/ratelimit"
	"github.com/olamilekan000/readerq/readerq/server"
)

const JobType = "proxy"

// Request is the job payload. The job id is the URL, so concurrent fetches
// of the same URL share one job.
type Request struct {
	URL               string `json:"url"`
	RateLimit         int    `json:"rate_limit"`
	MaxBytesPerSecond int64  `json:"max_bytes_per_second,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
}

// Response is the job result. Body is base64 encoded.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type Worker struct {
	limiter    *ratelimit.Limiter
	httpClient *http.Client
}

func NewWorker(limiter *ratelimit.Limiter, httpClient *http.Client) *Worker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Worker{limiter: limiter, httpClient: httpClient}
}

// Register installs the proxy handler on c. Fetches are latency sensitive,
// so the type polls faster than the default.
func (w *Worker) Register(c *readerq.Client) {
	c.Handle(JobType, readerq.EachJob(w.process), readerq.WithPollInterval(100*time.Millisecond))
}

func (w *Worker) process(ctx context.Context, m *readerq.Manager, id string) (any, error) {
	var req Request
	if err := m.Read(ctx, id, &req); err != nil {
		return nil, err
	}

	key, err := ratelimit.Key(req.URL)
	if err != nil {
		return nil, err
	}

	logger := log.Ctx(ctx).With().Str("origin", key).Logger()
	logger.Debug().Str("url", req.URL).Msg("fetching")

	lim := ratelimit.Limit{PerSecond: req.RateLimit, BytesPerSecond: req.MaxBytesPerSecond}
	if err := w.limiter.WaitUntilAllowed(ctx, key, lim); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		w.limiter.Record(key, 0)
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	w.limiter.Record(key, int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", req.URL, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	logger.Info().Int("status", resp.StatusCode).Int("bytes", len(body)).Msg("fetched")
	return Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       base64.StdEncoding.EncodeToString(body),
	}, nil
}

// Enqueue inserts a fetch of req.URL and returns the job id.
func Enqueue(ctx context.Context, c *readerq.Client, req Request) (string, error) {
	if req.URL == "" {
		return "", &errors.ValidationError{Field: "url", Message: "is required"}
	}
	if _, err := ratelimit.Key(req.URL); err != nil {
		return "", &errors.ValidationError{Field: "url", Message: err.Error()}
	}

	if _, err := c.Queue(JobType).Insert(ctx, req.URL, req); err != nil {
		return "", err
	}
	return req.URL, nil
}

// Fetch enqueues req and blocks until its result is stored.
func Fetch(ctx context.Context, c *readerq.Client, req Request, timeout time.Duration) (*Response, error) {
	id, err := Enqueue(ctx, c, req)
	if err != nil {
		return nil, err
	}

	m := c.Queue(JobType)
	result, failure, err := m.Wait(ctx, id, readerq.WaitOptions{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	if failure != nil {
		f, err := readerq.Decode[job.Failure](failure)
		if err != nil {
			return nil, err
		}
		return nil, &errors.WorkerFailureError{JobType: JobType, JobID: id, Err: stderrors.New(f.Error)}
	}

	return readerq.Decode[*Response](result)
}

// Handler serves GET ?url=&rate_limit=&max_bytes_per_second=&user_agent=
// by relaying the fetched response.
func Handler(c *readerq.Client, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := Request{
			URL:       q.Get("url"),
			RateLimit: 1,
			UserAgent: q.Get("user_agent"),
		}
		if raw := q.Get("rate_limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				server.WriteError(w, &errors.ValidationError{Field: "rate_limit", Message: "must be a non-negative integer"})
				return
			}
			req.RateLimit = n
		}
		if raw := q.Get("max_bytes_per_second"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				server.WriteError(w, &errors.ValidationError{Field: "max_bytes_per_second", Message: "must be a non-negative integer"})
				return
			}
			req.MaxBytesPerSecond = n
		}

		resp, err := Fetch(r.Context(), c, req, timeout)
		if err != nil {
			if errors.IsWorkerFailure(err) {
				writeBadGateway(w, err)
				return
			}
			server.WriteError(w, err)
			return
		}

		body, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			writeBadGateway(w, err)
			return
		}
		if ct, ok := resp.Headers["Content-Type"]; ok {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
	}
}

func writeBadGateway(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
