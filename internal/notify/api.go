package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-chat-realtime/internal/types"
)

const apiTimeout = 15 * time.Second

type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

type ListOptions struct {
	Page   int
	Limit  int
	Filter string
	Type   types.NotificationType
	Search string
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Filter != "" {
		q.Set("filter", o.Filter)
	}
	if o.Type != "" {
		q.Set("type", string(o.Type))
	}
	if o.Search != "" {
		q.Set("search", o.Search)
	}
	return q
}

type ListResponse struct {
	Notifications []types.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

// API is the REST side of the notification service.
type API interface {
	List(ctx context.Context, opts ListOptions) (*ListResponse, error)
	Heartbeat(ctx context.Context) error
}

type HTTPClient struct {
	client  *http.Client
	baseURL string
	header  http.Header
}

// NewHTTPClient returns an API client rooted at baseURL. header is added to
// every request and usually carries the session cookie.
func NewHTTPClient(client *http.Client, baseURL string, header http.Header) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: apiTimeout}
	}
	return &HTTPClient{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  header,
	}
}

func (c *HTTPClient) List(ctx context.Context, opts ListOptions) (*ListResponse, error) {
	u := c.baseURL + "/notification/list"
	if q := opts.query(); len(q) > 0 {
		u += "?" + q.Encode()
	}

	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, u, &resp); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return &resp, nil
}

func (c *HTTPClient) Heartbeat(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/notification/heartbeat", nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.ToLower(http.StatusText(resp.StatusCode))
	}
	return apiErr
}
