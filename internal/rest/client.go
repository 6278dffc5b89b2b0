// Package rest talks to the marketplace HTTP API. The engine uses it as a
// fallback when the gateway socket is unavailable: history fetches and
// manual resends still work over plain requests.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KLOUTZINMODZ/zenithchat/internal/model"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL, token string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

// apiResponse is the envelope every API route uses.
type apiResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

// Conversations fetches the conversation list.
func (c *Client) Conversations(ctx context.Context) ([]model.RawConversation, error) {
	var out struct {
		Conversations []model.RawConversation `json:"conversations"`
	}
	if err := c.get(ctx, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Messages fetches recent messages for a conversation, newest last. A
// non-empty before cursor pages further back.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int, before string) ([]model.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	var out struct {
		Messages []model.RawMessage `json:"messages"`
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, path, q, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts a message over HTTP. Used when the socket path is
// down; the response carries the confirmed message.
func (c *Client) SendMessage(ctx context.Context, conversationID, tempID, content, msgType string) (model.RawMessage, error) {
	body := map[string]string{
		"conversationId": conversationID,
		"tempId":         tempID,
		"content":        content,
		"type":           msgType,
	}
	var out struct {
		Message model.RawMessage `json:"message"`
	}
	if err := c.post(ctx, "/api/messages", body, &out); err != nil {
		return model.RawMessage{}, err
	}
	return out.Message, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", req.URL.Path, err)
	}

	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding %s response (status %d): %w", req.URL.Path, resp.StatusCode, err)
	}
	if !env.OK {
		if env.Error != nil {
			return env.Error
		}
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding %s data: %w", req.URL.Path, err)
		}
	}
	return nil
}
