package tui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"manimate/types"
)

// Client is a thin HTTP client for the manimate server
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no timeout; an SSE response never ends on its own
	stream *http.Client
}

// SubmitResponse is the body of an async /submit
type SubmitResponse struct {
	Success bool     `json:"success"`
	Tokens  []string `json:"tokens"`
	ChatID  string   `json:"chatID"`
	Message string   `json:"message"`
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stream: &http.Client{},
	}
}

// Submit starts an async generation and returns the issued tokens
func (c *Client) Submit(ctx context.Context, text, uid, chatID string) (*SubmitResponse, error) {
	payload, err := json.Marshal(map[string]string{
		"text":   text,
		"uid":    uid,
		"chatID": chatID,
		"mode":   "async",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit: %w", err)
	}
	defer resp.Body.Close()

	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, out.Message)
	}
	return &out, nil
}

// Stream reads the session's event stream and calls fn for every event
// until ctx ends or the server closes the connection.
func (c *Client) Stream(ctx context.Context, chatID string, fn func(types.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events/"+chatID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents decodes "data:" frames; comments and other fields are skipped.
// A frame spanning several data lines is joined with newlines.
func readEvents(r io.Reader, fn func(types.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var data []string
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		var ev types.Event
		err := json.Unmarshal([]byte(strings.Join(data, "\n")), &ev)
		data = data[:0]
		if err != nil {
			return fmt.Errorf("malformed event: %w", err)
		}
		fn(ev)
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
