package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/session"
)

// HTTP is a Service client for the dev server.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates a client for the server at baseURL. A nil client uses a
// default with a 30s timeout.
func NewHTTP(baseURL string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// PushMutation implements Service.
func (h *HTTP) PushMutation(ctx context.Context, m model.Mutation, creds session.Credentials) (model.Ack, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return model.Ack{}, fmt.Errorf("push seq %d: encode: %w", m.Seq, err)
	}
	var ack model.Ack
	if err := h.do(ctx, http.MethodPost, PathMutations, bytes.NewReader(body), creds, &ack); err != nil {
		return model.Ack{}, err
	}
	return ack, nil
}

// PullChanges implements Service.
func (h *HTTP) PullChanges(ctx context.Context, cursor string, limit int, creds session.Credentials) (model.PullResult, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := PathChanges
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var res model.PullResult
	if err := h.do(ctx, http.MethodGet, path, nil, creds, &res); err != nil {
		return model.PullResult{}, err
	}
	return res, nil
}

func (h *HTTP) do(ctx context.Context, method, path string, body io.Reader, creds session.Credentials, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.NewTransientError(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&er); err != nil || er.Error.Code == "" {
			return &model.Error{Code: codeForStatus(resp.StatusCode), Message: resp.Status}
		}
		return er.Error.Err()
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.NewTransientError(fmt.Sprintf("%s %s: decode response", method, path), err)
	}
	return nil
}

var _ Service = (*HTTP)(nil)
