package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"formbridge/internal/config"
	"formbridge/internal/domain"
	"formbridge/internal/eloqua"
	"formbridge/internal/engine"
	"formbridge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// ValidateCreds checks remote API credentials. Defaults to a live
	// call against the remote form listing; tests substitute a fake.
	ValidateCreds func(ctx context.Context, c config.Credentials) error
}

type apiErrorBody struct {
	Code    string                `json:"code" example:"error.form.validation"`
	Message string                `json:"message" example:"Not all fields are filled correctly."`
	Fields  []domain.FieldFailure `json:"fields,omitempty"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the formbridge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.ValidateCreds == nil {
		cfg.ValidateCreds = func(ctx context.Context, c config.Credentials) error {
			client := eloqua.New(c.Host, c.SiteName, c.UserName, c.Password, nil, cfg.Engine.Logger)
			return client.ValidateCredentials(ctx)
		}
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema-level request errors surface as plain bad requests.
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Formbridge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerFormDefinition(group, cfg.Engine)
	registerSubmit(group, cfg.Engine)
	registerAdmin(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, fields []domain.FieldFailure) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Fields:  fields,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "error.form.validation",
			"Not all fields are filled correctly.", verr.Failures)
	}
	if errors.Is(err, engine.ErrNotConfigured) {
		return newAPIError(http.StatusForbidden, "error.form",
			"Please contact the site administrator to configure the forms. The form submitted is not configured.", nil)
	}
	if errors.Is(err, engine.ErrEmptySubmission) {
		return newAPIError(http.StatusForbidden, "error.form",
			"No fields have been submitted.", nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var cerr *eloqua.ClientError
	var nerr *eloqua.ConnectError
	if errors.As(err, &cerr) || errors.As(err, &nerr) {
		return newAPIError(http.StatusBadGateway, "error.remote",
			"The remote form API is unavailable.", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "error.form"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerFormDefinition(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-form-definition",
		Method:      http.MethodGet,
		Path:        "/{domain}/{language}/eloquaforms/{form_id}",
		Summary:     "Form definition",
		Errors: []int{
			http.StatusForbidden,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Domain   string `path:"domain"`
		Language string `path:"language"`
		FormID   string `path:"form_id"`
	}) (*struct {
		Body domain.FormDefinition `json:"body"`
	}, error) {
		def, err := e.FormDefinition(ctx, input.Domain, input.Language, input.FormID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FormDefinition `json:"body"`
		}{Body: def}, nil
	})
}

func registerSubmit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-form",
		Method:      http.MethodPost,
		Path:        "/{domain}/{language}/eloquaforms",
		Summary:     "Submit a form",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Domain   string        `path:"domain"`
		Language string        `path:"language"`
		Body     SubmitRequest `json:"body"`
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		if input.Body.FormID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "form_id is required", nil)
		}
		sub, err := e.AcceptSubmission(ctx, engine.AcceptOptions{
			Domain:       input.Domain,
			LanguageCode: input.Language,
			LocalFormID:  input.Body.FormID,
			Fields:       input.Body.Fields,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: SubmitResponse{
			Success: "The data has been successfully submitted.",
			ID:      sub.ID,
		}}, nil
	})
}

func registerAdmin(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "run-delivery",
		Method:      http.MethodPost,
		Path:        "/admin/deliver",
		Summary:     "Deliver pending submissions",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.DeliveryReport `json:"body"`
	}, error) {
		report, err := e.DeliverPending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DeliveryReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-delivered",
		Method:      http.MethodPost,
		Path:        "/admin/purge",
		Summary:     "Purge delivered submissions",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PurgeResponse `json:"body"`
	}, error) {
		count, err := e.PurgeDelivered(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PurgeResponse `json:"body"`
		}{Body: PurgeResponse{Purged: count}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/admin/submissions",
		Summary:     "List submissions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body SubmissionListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSubmissions(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Submission{}
		}
		return &struct {
			Body SubmissionListResponse `json:"body"`
		}{Body: SubmissionListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-credentials",
		Method:      http.MethodPost,
		Path:        "/admin/credentials/validate",
		Summary:     "Validate remote API credentials",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CredentialsRequest `json:"body"`
	}) (*struct {
		Body CredentialsCheckResponse `json:"body"`
	}, error) {
		creds := config.Credentials{
			SiteName: input.Body.SiteName,
			UserName: input.Body.UserName,
			Password: input.Body.Password,
			Host:     input.Body.Host,
		}
		if creds == (config.Credentials{}) {
			creds = e.Store.Credentials()
		}
		if err := cfg.ValidateCreds(ctx, creds); err != nil {
			return &struct {
				Body CredentialsCheckResponse `json:"body"`
			}{Body: CredentialsCheckResponse{Valid: false, Message: err.Error()}}, nil
		}
		return &struct {
			Body CredentialsCheckResponse `json:"body"`
		}{Body: CredentialsCheckResponse{Valid: true}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// applyAuthSecurity marks the admin operations as authenticated in the
// generated document; the public form endpoints stay open.
func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	adminPrefix := path.Join(basePath, "admin")
	for route, item := range oas.Paths {
		if !strings.HasPrefix(route, adminPrefix) {
			continue
		}
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Formbridge API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Admin endpoints authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
