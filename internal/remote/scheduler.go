// internal/remote/scheduler.go
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// SchedulerClient talks to the remote scheduling collaborator that runs
// script checks on agents. Calls are fire-and-forget: failures are the
// caller's to log and swallow.
type SchedulerClient interface {
	CancelScheduledTask(ctx context.Context, agentID, taskRef string) error
}

type HTTPSchedulerClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPSchedulerClient(baseURL string) *HTTPSchedulerClient {
	return &HTTPSchedulerClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type cancelRequest struct {
	AgentID string `json:"agent_id"`
	TaskRef string `json:"task_ref"`
}

func (c *HTTPSchedulerClient) CancelScheduledTask(ctx context.Context, agentID, taskRef string) error {
	if c.baseURL == "" {
		logrus.WithFields(logrus.Fields{
			"agent_id": agentID,
			"task_ref": taskRef,
		}).Debug("No scheduler endpoint configured, skipping task cancellation")
		return nil
	}

	body, err := json.Marshal(&cancelRequest{AgentID: agentID, TaskRef: taskRef})
	if err != nil {
		return fmt.Errorf("failed to marshal cancel request: %w", err)
	}

	url := c.baseURL + "/tasks/cancel"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("scheduler returned status %d", resp.StatusCode)
	}
	return nil
}
