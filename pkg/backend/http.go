package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-go-golems/chatstate/pkg/directory"
	"github.com/pkg/errors"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return e.Method + " " + e.Path + ": " + http.StatusText(e.StatusCode) + ": " + e.Body
	}
	return e.Method + " " + e.Path + ": " + http.StatusText(e.StatusCode)
}

// HTTPClient talks to a REST JSON conversation API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	header  http.Header
}

var _ directory.Backend = (*HTTPClient)(nil)

type HTTPOption func(*HTTPClient)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithHeader adds a header sent with every request, e.g. an auth cookie.
func WithHeader(key, value string) HTTPOption {
	return func(c *HTTPClient) {
		c.header.Add(key, value)
	}
}

func NewHTTPClient(baseURL string, timeout time.Duration, options ...HTTPOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("http backend: empty base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, "http backend: invalid base url")
	}

	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		header:  http.Header{},
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

func (c *HTTPClient) ListConversations(ctx context.Context) ([]directory.ConversationRecord, error) {
	out := []directory.ConversationRecord{}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) ListFolders(ctx context.Context) ([]directory.Folder, error) {
	out := []directory.Folder{}
	if err := c.do(ctx, http.MethodGet, "/api/folders", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, conversationID string) ([]directory.MessageRecord, error) {
	out := []directory.MessageRecord{}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) CreateConversation(ctx context.Context, title string) (directory.ConversationRecord, error) {
	var out directory.ConversationRecord
	body := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return directory.ConversationRecord{}, err
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in interface{}, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrapf(err, "http backend: %s %s", method, path)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "http backend: %s %s", method, path)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "http backend: decode %s %s", method, path)
	}
	return nil
}
