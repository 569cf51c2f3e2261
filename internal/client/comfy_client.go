package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/storyreel/api/internal/config"
	"github.com/storyreel/api/internal/workflow"
)

// ErrPollTimeout means the engine produced no history entry within the
// poll window. This is a normal (if undesirable) completion state that the
// retry controller treats as worth retrying, not a hard failure.
var ErrPollTimeout = errors.New("engine produced no result before the poll timeout")

// SubmissionError is a failed POST to the engine queue: network error or a
// non-200 response (graph validation failure, body may carry detail).
type SubmissionError struct {
	Status int
	Body   string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("workflow submission failed: %v", e.Err)
	}
	return fmt.Sprintf("workflow submission rejected (status %d): %s", e.Status, e.Body)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Engine defines the generative-engine operations the orchestrator needs
type Engine interface {
	Ping(ctx context.Context) bool
	QueuePrompt(ctx context.Context, graph workflow.Graph) (string, error)
	WaitForOutputs(ctx context.Context, promptID string, timeout time.Duration) (Outputs, error)
	Download(ctx context.Context, ref ArtifactRef) ([]byte, error)
	ObjectInfo(ctx context.Context) (map[string]json.RawMessage, error)
}

// ComfyClient drives a ComfyUI-compatible engine over its HTTP job-queue
// API. The engine is single-tenant: one job at a time, no observable
// intermediate state — history appears only once a job finishes.
type ComfyClient struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
}

// ArtifactRef is the engine's pointer to one produced file
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the declared result lists of one node, keyed by kind
// (images, videos, gifs, audio) plus whatever metadata the node emits.
type NodeOutput map[string]json.RawMessage

// Refs decodes the artifact references under one kind key. Non-ref
// metadata (timestamps and the like) decodes to nil.
func (n NodeOutput) Refs(key string) []ArtifactRef {
	raw, ok := n[key]
	if !ok {
		return nil
	}
	var refs []ArtifactRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil
	}
	return refs
}

// Outputs maps node id to that node's declared results
type Outputs map[string]NodeOutput

// NewComfyClient creates an engine client with a stable per-process
// client id.
func NewComfyClient(cfg *config.EngineConfig) *ComfyClient {
	return &ComfyClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL:  cfg.BaseURL(),
		clientID: uuid.New().String(),
	}
}

// Ping probes the engine's liveness endpoint
func (c *ComfyClient) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// QueuePrompt posts a graph to the engine queue and returns the job id
func (c *ComfyClient) QueuePrompt(ctx context.Context, graph workflow.Graph) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":    graph,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal prompt: %w", err)
	}

	log.Printf("[Engine API] → POST %s/prompt (%d nodes)", c.baseURL, len(graph))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Engine API] ✗ POST /prompt — request failed: %v", err)
		return "", &SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &SubmissionError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Engine API] ← %d POST /prompt — %s", resp.StatusCode, string(respBody))
		return "", &SubmissionError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", &SubmissionError{Err: fmt.Errorf("failed to unmarshal queue response: %w", err)}
	}
	if result.PromptID == "" {
		return "", &SubmissionError{Status: resp.StatusCode, Body: "queue response carried no prompt_id"}
	}

	log.Printf("[Engine API] ← 200 POST /prompt — prompt_id=%s", result.PromptID)
	return result.PromptID, nil
}

// WaitForOutputs polls the history endpoint until the job id appears or
// the timeout elapses. The engine returns history only once a job is
// finished; there is no observable "running" state. The poll interval
// escalates: 3s for the first minute, 5s to five minutes, 10s beyond.
func (c *ComfyClient) WaitForOutputs(ctx context.Context, promptID string, timeout time.Duration) (Outputs, error) {
	start := time.Now()
	attempt := 0

	for time.Since(start) < timeout {
		attempt++
		outputs, done, err := c.history(ctx, promptID)
		if err != nil {
			// Transient history failures are absorbed; the deadline is the
			// only thing that stops the loop.
			log.Printf("[Engine API] poll #%d (prompt=%s) — error: %v", attempt, promptID, err)
		} else if done {
			log.Printf("[Engine API] poll #%d (prompt=%s) — finished, %d output node(s)", attempt, promptID, len(outputs))
			return outputs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval(time.Since(start))):
		}
	}

	log.Printf("[Engine API] poll (prompt=%s) — timed out after %v", promptID, timeout)
	return nil, ErrPollTimeout
}

func pollInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < time.Minute:
		return 3 * time.Second
	case elapsed < 5*time.Minute:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

func (c *ComfyClient) history(ctx context.Context, promptID string) (Outputs, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("history returned status %d", resp.StatusCode)
	}

	var history map[string]struct {
		Outputs Outputs `json:"outputs"`
	}
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal history: %w", err)
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, false, nil
	}
	return entry.Outputs, true, nil
}

// Download fetches one produced artifact's raw bytes via the view endpoint
func (c *ComfyClient) Download(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	params := url.Values{}
	params.Set("filename", ref.Filename)
	params.Set("subfolder", ref.Subfolder)
	params.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	log.Printf("[Engine API] → GET /view filename=%s", ref.Filename)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", ref.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download of %s returned status %d", ref.Filename, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ref.Filename, err)
	}
	return data, nil
}

// ObjectInfo fetches the engine's node-type capability metadata. Used only
// diagnostically.
func (c *ComfyClient) ObjectInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/object_info", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch object info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("object info returned status %d", resp.StatusCode)
	}

	var info map[string]json.RawMessage
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal object info: %w", err)
	}
	return info, nil
}
