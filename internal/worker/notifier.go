package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/job"
)

// Notifier reports a completed stage to the orchestrator.
type Notifier interface {
	Notify(ctx context.Context, stage job.Stage, jobID string) error
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(ctx context.Context, stage job.Stage, jobID string) error

// Notify implements [Notifier].
func (f NotifierFunc) Notify(ctx context.Context, stage job.Stage, jobID string) error {
	return f(ctx, stage, jobID)
}

// HTTPNotifier posts to the gateway's completion webhook at
// {BaseURL}/webhook/{stage}/{job_id}.
type HTTPNotifier struct {
	BaseURL string

	// Client defaults to [http.DefaultClient].
	Client *http.Client
}

// Notify implements [Notifier]. Any non-2xx answer is a
// [*job.WebhookDeliveryError].
func (n *HTTPNotifier) Notify(ctx context.Context, stage job.Stage, jobID string) error {
	u := strings.TrimRight(n.BaseURL, "/") + "/webhook/" + url.PathEscape(string(stage)) + "/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, http.NoBody)
	if err != nil {
		return &job.WebhookDeliveryError{Stage: stage, JobID: jobID, Err: err}
	}
	observe.InjectHeader(ctx, req.Header)

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &job.WebhookDeliveryError{Stage: stage, JobID: jobID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &job.WebhookDeliveryError{
			Stage:      stage,
			JobID:      jobID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
