package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// Built-in job types
const (
	TypeEcho    = "echo"
	TypeSleep   = "sleep"
	TypeFail    = "fail"
	TypeWebhook = "webhook"
)

// RegisterBuiltins registers the built-in handlers on r
func RegisterBuiltins(r *Registry, client *http.Client) {
	r.Register(TypeEcho, Echo)
	r.Register(TypeSleep, Sleep)
	r.Register(TypeFail, Fail)
	r.Register(TypeWebhook, Webhook(client))
}

// Echo returns the payload as the result
func Echo(_ context.Context, job *domain.Job) (any, error) {
	if len(job.Payload) == 0 {
		return nil, nil
	}
	return job.Payload, nil
}

type sleepPayload struct {
	DurationMS int64 `json:"duration_ms"`
}

// Sleep waits for duration_ms or until the job is canceled
func Sleep(ctx context.Context, job *domain.Job) (any, error) {
	var p sleepPayload
	if err := decodePayload(job, &p); err != nil {
		return nil, err
	}

	select {
	case <-time.After(time.Duration(p.DurationMS) * time.Millisecond):
		return map[string]any{"slept_ms": p.DurationMS}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failPayload struct {
	Message   string `json:"message"`
	Permanent bool   `json:"permanent"`
}

// Fail always fails, permanently when the payload asks for it
func Fail(_ context.Context, job *domain.Job) (any, error) {
	var p failPayload
	if err := decodePayload(job, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		p.Message = "job failed"
	}

	err := errors.New(p.Message)
	if p.Permanent {
		return nil, domain.Permanent(err)
	}
	return nil, err
}

type webhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// Webhook returns a handler that sends payload.body to payload.url. 5xx responses and
// transport errors are retried; 4xx responses are permanent.
func Webhook(client *http.Client) Handler {
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context, job *domain.Job) (any, error) {
		var p webhookPayload
		if err := decodePayload(job, &p); err != nil {
			return nil, err
		}
		if p.URL == "" {
			return nil, fmt.Errorf("%w: url is required", domain.ErrInvalidPayload)
		}
		if p.Method == "" {
			p.Method = http.MethodPost
		}

		req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bytes.NewReader(p.Body))
		if err != nil {
			return nil, domain.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Job-ID", job.ID)
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

		switch {
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, domain.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}

		return map[string]any{"status_code": resp.StatusCode}, nil
	}
}

// decodePayload unmarshals the job payload into v; bad JSON is a permanent failure
func decodePayload(job *domain.Job, v any) error {
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}
