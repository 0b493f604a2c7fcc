package leadlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"leadline/internal/domain"
)

// Client is a minimal Leadline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration

	mu        sync.Mutex
	endpoints map[string]string
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/api.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Field, Step and RequestType mirror the request type listing.
type Field struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Kind     string   `json:"kind"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	Message  string   `json:"message,omitempty"`
}

type Step struct {
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
}

type RequestType struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Endpoint    string `json:"endpoint"`
	Fallback    bool   `json:"fallback"`
	Steps       []Step `json:"steps"`
}

// File is one attachment for Upload.
type File struct {
	Name   string
	Reader io.Reader
}

// APIError wraps non-2xx responses that do not map to a domain error.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

var endpointRoutes = map[string]string{
	domain.EndpointContact:  "contact",
	domain.EndpointSchedule: "schedule-pickup",
	domain.EndpointQuote:    "quote",
}

// RequestTypes lists every request type the server knows.
func (c *Client) RequestTypes(ctx context.Context) ([]RequestType, error) {
	var resp struct {
		Items []RequestType `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "request-types", nil, &resp)
	return resp.Items, err
}

// RequestType fetches one request type; unknown keys return the fallback.
func (c *Client) RequestType(ctx context.Context, key string) (RequestType, error) {
	var resp RequestType
	err := c.do(ctx, http.MethodGet, "request-types/"+url.PathEscape(key), nil, &resp)
	return resp, err
}

// Submit posts values to the endpoint serving requestType and returns the
// submission id. Field errors come back as domain.ValidationError and
// throttling as domain.RateLimitError.
func (c *Client) Submit(ctx context.Context, requestType string, values map[string]any) error {
	_, err := c.SubmitID(ctx, requestType, values)
	return err
}

func (c *Client) SubmitID(ctx context.Context, requestType string, values map[string]any) (string, error) {
	endpoint, err := c.endpointFor(ctx, requestType)
	if err != nil {
		return "", err
	}
	route, ok := endpointRoutes[endpoint]
	if !ok {
		return "", fmt.Errorf("request type %s is served by %s, not a form endpoint", requestType, endpoint)
	}
	body := make(map[string]any, len(values)+1)
	for k, v := range values {
		body[k] = v
	}
	if endpoint == domain.EndpointQuote {
		body["request_type"] = requestType
	}
	var resp struct {
		OK bool   `json:"ok"`
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, route, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Upload sends files as one multipart request.
func (c *Client) Upload(ctx context.Context, files []File) (domain.UploadResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.Name)
		if err != nil {
			return domain.UploadResult{}, err
		}
		if _, err := io.Copy(part, f.Reader); err != nil {
			return domain.UploadResult{}, err
		}
	}
	if err := w.Close(); err != nil {
		return domain.UploadResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("upload"), &buf)
	if err != nil {
		return domain.UploadResult{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	var resp domain.UploadResult
	err = c.send(req, &resp)
	return resp, err
}

func (c *Client) endpointFor(ctx context.Context, requestType string) (string, error) {
	c.mu.Lock()
	endpoint, ok := c.endpoints[requestType]
	c.mu.Unlock()
	if ok {
		return endpoint, nil
	}
	rt, err := c.RequestType(ctx, requestType)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.endpoints == nil {
		c.endpoints = map[string]string{}
	}
	c.endpoints[requestType] = rt.Endpoint
	c.mu.Unlock()
	return rt.Endpoint, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, resp.Header, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type errorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

// decodeError maps the server's error envelope back onto domain errors.
func decodeError(status int, header http.Header, body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Code == "" {
		return &APIError{StatusCode: status, Body: string(body)}
	}
	switch env.Error.Code {
	case "validation_failed":
		var d struct {
			Fields map[string]string `json:"fields"`
		}
		if json.Unmarshal(env.Error.Details, &d) == nil && len(d.Fields) > 0 {
			return domain.ValidationError{Fields: d.Fields}
		}
	case "rate_limited":
		secs, _ := strconv.Atoi(header.Get("Retry-After"))
		return domain.RateLimitError{RetryAfter: time.Duration(secs) * time.Second}
	case "no_files":
		return domain.ErrNoFiles
	case "upload_rejected", "upload_failed":
		var d struct {
			Failed []domain.FailedFile `json:"failed"`
		}
		if json.Unmarshal(env.Error.Details, &d) == nil {
			rejected := env.Error.Code == "upload_rejected"
			for i := range d.Failed {
				d.Failed[i].Rejected = rejected
			}
			return domain.UploadFailedError{Result: domain.UploadResult{Failed: d.Failed}}
		}
	}
	apiErr := &APIError{StatusCode: status, Code: env.Error.Code, Message: env.Error.Message, Body: string(body)}
	_ = json.Unmarshal(env.Error.Details, &apiErr.Details)
	return apiErr
}

func (c *Client) url(p string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(p, "/")
}
