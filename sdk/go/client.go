package formbridgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Formbridge HTTP API client. Domain and Language
// scope the public form endpoints; APIKey or BearerToken is only needed
// for the admin calls.
type Client struct {
	BaseURL     string
	Domain      string
	Language    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, domain, language string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Domain:   domain,
		Language: language,
		Timeout:  10 * time.Second,
	}
}

// FormDefinition is the render model for a localized form.
type FormDefinition struct {
	FormID     string            `json:"form_id"`
	Domain     string            `json:"domain"`
	Language   string            `json:"language"`
	PathPrefix string            `json:"path_prefix"`
	Fields     []FormField       `json:"fields"`
	Extras     map[string]string `json:"extras,omitempty"`
}

type FormField struct {
	Key         string           `json:"key"`
	Label       string           `json:"label"`
	InputType   string           `json:"input_type,omitempty"`
	Required    bool             `json:"required"`
	Options     []FieldOption    `json:"options,omitempty"`
	Validations []ValidationSpec `json:"validations,omitempty"`
}

type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type ValidationSpec struct {
	Name string `json:"name"`
	Min  *int   `json:"min,omitempty"`
	Max  *int   `json:"max,omitempty"`
}

// SubmitResult is the accept acknowledgement.
type SubmitResult struct {
	Success string `json:"success"`
	ID      string `json:"id,omitempty"`
}

// Submission is a stored submission as listed by the admin API.
type Submission struct {
	ID           string            `json:"id"`
	LocalFormID  string            `json:"form_id"`
	Domain       string            `json:"domain"`
	LanguageCode string            `json:"language"`
	RemoteFormID int               `json:"remote_form_id"`
	FieldData    map[string]string `json:"fields"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    string            `json:"created_at"`
	DeliveredAt  *string           `json:"delivered_at,omitempty"`
}

// DeliveryReport summarizes one delivery pass.
type DeliveryReport struct {
	Success   bool `json:"success"`
	Scanned   int  `json:"scanned"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
}

// FieldFailure is one entry of a validation rejection.
type FieldFailure struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError wraps non-2xx responses. For validation rejections Code is
// "error.form.validation" and Fields carries the per-field messages.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Fields     []FieldFailure
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// FormDefinition fetches the render model for a local form.
func (c *Client) FormDefinition(ctx context.Context, formID string) (FormDefinition, error) {
	var resp FormDefinition
	endpoint := c.sitePath("eloquaforms/" + url.PathEscape(formID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Submit posts one form submission.
func (c *Client) Submit(ctx context.Context, formID string, fields map[string]string) (SubmitResult, error) {
	body := map[string]any{
		"form_id": formID,
		"fields":  fields,
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, c.sitePath("eloquaforms"), body, &resp)
	return resp, err
}

// Deliver runs one delivery pass (admin).
func (c *Client) Deliver(ctx context.Context) (DeliveryReport, error) {
	var resp DeliveryReport
	err := c.do(ctx, http.MethodPost, "api/v1/admin/deliver", nil, &resp)
	return resp, err
}

// Purge removes delivered submissions (admin).
func (c *Client) Purge(ctx context.Context) (int64, error) {
	var resp struct {
		Purged int64 `json:"purged"`
	}
	err := c.do(ctx, http.MethodPost, "api/v1/admin/purge", nil, &resp)
	return resp.Purged, err
}

// Submissions lists stored submissions, optionally filtered by status
// (admin).
func (c *Client) Submissions(ctx context.Context, status string) ([]Submission, error) {
	endpoint := "api/v1/admin/submissions"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Submission `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Fields  []FieldFailure `json:"fields"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Fields = envelope.Error.Fields
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sitePath(p string) string {
	return fmt.Sprintf("api/v1/%s/%s/%s",
		url.PathEscape(c.Domain), url.PathEscape(c.Language), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
