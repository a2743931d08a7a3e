package eloqua

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const apiBase = "/api/REST/2.0"

// ClientError is a remote-side rejection: the API was reached and
// answered with a non-2xx status.
type ClientError struct {
	StatusCode int
	Body       string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("eloqua: status %d: %s", e.StatusCode, e.Body)
}

// ConnectError is a transport-level failure: the API could not be
// reached at all, or the request timed out.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("eloqua: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Client talks to the Eloqua form REST API with HTTP Basic auth
// (site\user scheme). It is safe for concurrent use.
type Client struct {
	host       string
	authHeader string
	httpClient *http.Client
	logger     *slog.Logger
}

// New builds a client for the given host and credentials. httpClient
// may be nil, in which case a 30s-timeout default is used.
func New(host, siteName, userName, password string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	token := base64.StdEncoding.EncodeToString([]byte(siteName + "\\" + userName + ":" + password))
	return &Client{
		host:       strings.TrimRight(host, "/"),
		authHeader: "Basic " + token,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "eloqua_client")),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = strings.NewReader(string(data))
	}
	reqURL := c.host + apiBase + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectError{URL: reqURL, Err: err}
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, &ConnectError{URL: reqURL, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &ClientError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// Wire shapes of the remote API. Ids come back as strings.

type formListResource struct {
	Elements []formResource `json:"elements"`
}

type formResource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type formDetailResource struct {
	Elements []elementResource `json:"elements"`
}

type elementResource struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	HTMLName    string              `json:"htmlName"`
	DisplayType string              `json:"displayType"`
	OptionList  *optionListResource `json:"optionList,omitempty"`
	Validations []validationResource `json:"validations,omitempty"`
}

type optionListResource struct {
	Elements []optionResource `json:"elements"`
}

type optionResource struct {
	Value       string `json:"value"`
	DisplayName string `json:"displayName"`
}

type validationResource struct {
	Condition conditionResource `json:"condition"`
	Message   string            `json:"message"`
}

type conditionResource struct {
	Type    string `json:"type"`
	Minimum string `json:"minimum,omitempty"`
	Maximum string `json:"maximum,omitempty"`
}

// Forms lists the remote forms visible to the configured credentials.
func (c *Client) Forms(ctx context.Context) ([]Form, error) {
	data, err := c.do(ctx, http.MethodGet, "/assets/forms", nil)
	if err != nil {
		return nil, err
	}
	var list formListResource
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode form list: %w", err)
	}
	forms := make([]Form, 0, len(list.Elements))
	for _, el := range list.Elements {
		id, err := strconv.Atoi(el.ID)
		if err != nil {
			continue
		}
		forms = append(forms, Form{ID: id, Name: el.Name})
	}
	return forms, nil
}

// FormFields returns the ordered field elements of one remote form,
// including each field's validation rules.
func (c *Client) FormFields(ctx context.Context, formID int) ([]FieldElement, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/assets/form/%d?depth=complete", formID), nil)
	if err != nil {
		return nil, err
	}
	var detail formDetailResource
	if err := json.Unmarshal(data, &detail); err != nil {
		return nil, fmt.Errorf("decode form %d: %w", formID, err)
	}
	fields := make([]FieldElement, 0, len(detail.Elements))
	for _, el := range detail.Elements {
		field := FieldElement{
			ID:          el.ID,
			Name:        el.Name,
			HTMLName:    el.HTMLName,
			DisplayType: el.DisplayType,
		}
		if el.OptionList != nil {
			for _, opt := range el.OptionList.Elements {
				field.Options = append(field.Options, Option{Value: opt.Value, DisplayName: opt.DisplayName})
			}
		}
		for _, v := range el.Validations {
			rule := Validation{Kind: v.Condition.Type, Message: v.Message}
			if rule.Kind == RuleTextLength {
				rule.Min, _ = strconv.Atoi(v.Condition.Minimum)
				rule.Max, _ = strconv.Atoi(v.Condition.Maximum)
			}
			field.Validations = append(field.Validations, rule)
		}
		fields = append(fields, field)
	}
	return fields, nil
}

type fieldValueResource struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type formSubmitResource struct {
	FieldValues []fieldValueResource `json:"fieldValues"`
}

// Submit posts one set of field values (remote field id -> value) to a
// remote form. The caller bounds the call through ctx.
func (c *Client) Submit(ctx context.Context, formID int, values map[string]string) error {
	if len(values) == 0 {
		return errors.New("eloqua: no field values to submit")
	}
	payload := formSubmitResource{FieldValues: make([]fieldValueResource, 0, len(values))}
	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		payload.FieldValues = append(payload.FieldValues, fieldValueResource{ID: id, Value: values[id]})
	}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/data/form/%d", formID), payload)
	if err != nil {
		return err
	}
	c.logger.Debug("form data posted", slog.Int("form_id", formID), slog.Int("fields", len(values)))
	return nil
}

// ValidateCredentials performs the cheapest authenticated call and
// reports the failure, if any. Used by the settings screen.
func (c *Client) ValidateCredentials(ctx context.Context) error {
	_, err := c.Forms(ctx)
	return err
}
