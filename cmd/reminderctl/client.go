package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reminderd/internal/api"
	"reminderd/internal/reminder"
)

// client talks to one scheduler instance over the daemon's HTTP API.
type client struct {
	base  string
	token string
	key   string
	hc    *http.Client
}

func newClient(addr, token, key string) (*client, error) {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		return nil, errors.New("addr is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if !reminder.ValidKey(key) {
		return nil, fmt.Errorf("invalid key %q", key)
	}
	return &client{base: addr, token: token, key: key, hc: &http.Client{Timeout: 15 * time.Second}}, nil
}

type createRequest struct {
	ReminderAt int64  `json:"reminderAt"`
	Content    string `json:"content"`
	UserID     string `json:"userId"`
}

func (c *client) Create(ctx context.Context, at time.Time, content, userID string) (string, error) {
	var out api.CreateResponse
	err := c.do(ctx, http.MethodPost, "create", createRequest{ReminderAt: at.UnixMilli(), Content: content, UserID: userID}, &out)
	return out.TaskID, err
}

func (c *client) Delete(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "delete/"+url.PathEscape(taskID), nil, &api.DeleteResponse{})
}

func (c *client) List(ctx context.Context) ([]reminder.Task, error) {
	var out api.ListResponse
	if err := c.do(ctx, http.MethodGet, "list", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// apiError is a non-2xx reply.
type apiError struct {
	Status int
	Code   api.ErrorCode
	Msg    string
	TaskID string
}

func (e *apiError) Error() string {
	s := fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Msg)
	if e.TaskID != "" {
		s += " (task " + e.TaskID + ")"
	}
	return s
}

func (c *client) do(ctx context.Context, method, op string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := fmt.Sprintf("%s/v1/%s/%s", c.base, url.PathEscape(c.key), op)
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var er api.ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error.Code != "" {
			return &apiError{Status: resp.StatusCode, Code: er.Error.Code, Msg: er.Error.Message, TaskID: er.Error.TaskID}
		}
		return &apiError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
