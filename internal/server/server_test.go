package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"formbridge/internal/config"
	"formbridge/internal/db"
	"formbridge/internal/domain"
	"formbridge/internal/eloqua"
	"formbridge/internal/engine"
	"formbridge/internal/migrate"
)

const testToken = "operator-token"

type stubDirectory struct {
	fields    map[int][]eloqua.FieldElement
	submitErr error
	submits   int
}

func (d *stubDirectory) Forms(ctx context.Context) ([]eloqua.Form, error) {
	return []eloqua.Form{{ID: 101, Name: "Contact Us"}}, nil
}

func (d *stubDirectory) FormFields(ctx context.Context, formID int) ([]eloqua.FieldElement, error) {
	fields, ok := d.fields[formID]
	if !ok {
		return nil, &eloqua.ClientError{StatusCode: 404}
	}
	return fields, nil
}

func (d *stubDirectory) Submit(ctx context.Context, formID int, values map[string]string) error {
	if d.submitErr != nil {
		return d.submitErr
	}
	d.submits++
	return nil
}

type testServer struct {
	URL    string
	client *http.Client
	eng    engine.Engine
	store  *config.Store
	dir    *stubDirectory
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := config.OpenStore(db.MappingPath(workspace))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	dir := &stubDirectory{fields: map[int][]eloqua.FieldElement{
		101: {
			{ID: "f1", Name: "Email Address", Validations: []eloqua.Validation{
				{Kind: eloqua.RuleRequired},
			}},
			{ID: "f2", Name: "Message", Validations: []eloqua.Validation{
				{Kind: eloqua.RuleTextLength, Min: 5, Max: 40},
			}},
		},
	}}
	store.Set("forms.acme.contact", 101)
	store.Set("fields.acme.contact.email", "f1")
	store.Set("fields.acme.contact.message", "f2")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, store, config.Catalog{}, dir, logger)
	e.Now = func() time.Time { return time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC) }

	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{APIToken: testToken},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		eng:    e,
		store:  store,
		dir:    dir,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Api-Key": testToken}
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestSubmitAccepted(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/acme/en/eloquaforms", map[string]any{
		"form_id": "contact",
		"fields": map[string]string{
			"email":   "ada@example.com",
			"message": "Please call me",
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var out SubmitResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID == "" || out.Success != "The data has been successfully submitted." {
		t.Fatalf("response = %+v", out)
	}
	if srv.dir.submits != 0 {
		t.Fatal("submit endpoint must not push to the remote api")
	}

	pending, err := srv.eng.Repo.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != out.ID {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestSubmitValidationEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/acme/en/eloquaforms", map[string]any{
		"form_id": "contact",
		"fields": map[string]string{
			"message": "ok", // too short, and email missing
		},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "error.form.validation" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
	if envelope.Error.Message != "Not all fields are filled correctly." {
		t.Fatalf("message = %q", envelope.Error.Message)
	}
	if len(envelope.Error.Fields) != 2 {
		t.Fatalf("fields = %+v", envelope.Error.Fields)
	}
}

func TestSubmitUnconfiguredForm(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/acme/en/eloquaforms", map[string]any{
		"form_id": "nope",
		"fields":  map[string]string{"email": "a@b.c"},
	}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "error.form" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
	if envelope.Error.Message != "Please contact the site administrator to configure the forms. The form submitted is not configured." {
		t.Fatalf("message = %q", envelope.Error.Message)
	}
}

func TestFormDefinitionEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.store.Set("form_extras.acme.contact.en_intro", "Say hello")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/acme/en/eloquaforms/contact", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var def domain.FormDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(def.Fields) != 2 {
		t.Fatalf("fields = %+v", def.Fields)
	}
	if def.Extras["intro"] != "Say hello" {
		t.Fatalf("extras = %v", def.Extras)
	}
}

func TestAdminRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/admin/deliver", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no auth status = %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/admin/deliver", nil,
		map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", res.StatusCode)
	}
}

func TestAdminDeliverAndPurge(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/acme/en/eloquaforms", map[string]any{
		"form_id": "contact",
		"fields":  map[string]string{"email": "ada@example.com", "message": "Please call me"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/admin/deliver", nil, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deliver status %d: %s", res.StatusCode, string(data))
	}
	var report domain.DeliveryReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !report.Success || report.Delivered != 1 {
		t.Fatalf("report = %+v", report)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/admin/submissions?status=delivered", nil, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list SubmissionListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Status != domain.StatusDelivered {
		t.Fatalf("items = %+v", list.Items)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/admin/purge", nil, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("purge status %d: %s", res.StatusCode, string(data))
	}
	var purged PurgeResponse
	if err := json.Unmarshal(data, &purged); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if purged.Purged != 1 {
		t.Fatalf("purged = %+v", purged)
	}
}

func TestValidateCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	// Rebuild the handler with a fake validator to avoid a live call.
	var got config.Credentials
	handler, err := New(Config{
		Engine: srv.eng,
		Auth:   AuthConfig{APIToken: testToken},
		ValidateCreds: func(ctx context.Context, c config.Credentials) error {
			got = c
			if c.Password == "bad" {
				return errors.New("credentials rejected")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &http.Server{Handler: handler}
	go s.Serve(ln)
	defer func() {
		s.Shutdown(context.Background())
		ln.Close()
	}()
	base := "http://" + ln.Addr().String()

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/api/v1/admin/credentials/validate", map[string]string{
		"site_name": "acme", "user_name": "ops", "password": "s3cret", "host": "https://secure.example",
	}, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var out CredentialsCheckResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Valid || got.SiteName != "acme" {
		t.Fatalf("out = %+v, got creds = %+v", out, got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/api/v1/admin/credentials/validate", map[string]string{
		"site_name": "acme", "user_name": "ops", "password": "bad", "host": "https://secure.example",
	}, adminHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Valid {
		t.Fatalf("out = %+v", out)
	}
}
