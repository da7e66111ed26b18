package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"manimate/types"
)

// TokenList accepts either a JSON array of tokens or a single token string
type TokenList []string

// UnmarshalJSON implements json.Unmarshaler
func (t *TokenList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*t = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("tokens: expected string or array: %w", err)
	}
	if one == "" {
		*t = nil
		return nil
	}
	*t = TokenList{one}
	return nil
}

// IssueResponse is the body of POST /api/generate_scripts
type IssueResponse struct {
	Topic  string    `json:"topic"`
	Tokens TokenList `json:"tokens"`
	Count  int       `json:"count"`
}

// ScriptUpdate is the body of POST /api/script/{token}
type ScriptUpdate struct {
	Token   string          `json:"token"`
	Script  json.RawMessage `json:"script"`
	Message string          `json:"message"`
}

// IssueTokens asks the generation service to start script jobs for a topic
func (c *Client) IssueTokens(ctx context.Context, cfg types.GenerationConfig) ([]string, error) {
	var resp IssueResponse
	if err := c.doJSONRequest(ctx, http.MethodPost, "/api/generate_scripts", cfg, &resp); err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}
	if len(resp.Tokens) == 0 {
		return nil, errors.New("issue tokens: generation service returned no tokens")
	}
	return resp.Tokens, nil
}

// PollToken fetches the script for a token.
// A token the service does not know yet is reported as (nil, nil): not ready.
func (c *Client) PollToken(ctx context.Context, token string) (*types.Script, error) {
	var script types.Script
	err := c.doJSONRequest(ctx, http.MethodGet, "/api/script/"+url.PathEscape(token), nil, &script)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll token %s: %w", token, err)
	}
	return &script, nil
}

// UpdateScript forwards an edited script to the generation service
func (c *Client) UpdateScript(ctx context.Context, token string, script json.RawMessage) (*ScriptUpdate, error) {
	var resp ScriptUpdate
	if err := c.doJSONRequest(ctx, http.MethodPost, "/api/script/"+url.PathEscape(token), script, &resp); err != nil {
		return nil, fmt.Errorf("update script %s: %w", token, err)
	}
	if resp.Token == "" {
		resp.Token = token
	}
	return &resp, nil
}
