package server

import "formbridge/internal/domain"

// SubmitRequest is the inbound submission body posted by frontends.
type SubmitRequest struct {
	FormID string            `json:"form_id" example:"contact"`
	Fields map[string]string `json:"fields"`
}

type SubmitResponse struct {
	Success string `json:"success" example:"The data has been successfully submitted."`
	ID      string `json:"id,omitempty"`
}

type PurgeResponse struct {
	Purged int64 `json:"purged"`
}

type SubmissionListResponse struct {
	Items []domain.Submission `json:"items"`
}

// CredentialsRequest carries remote API credentials to validate. All
// fields empty means "validate what is currently stored".
type CredentialsRequest struct {
	SiteName string `json:"site_name,omitempty"`
	UserName string `json:"user_name,omitempty"`
	Password string `json:"password,omitempty"`
	Host     string `json:"host,omitempty"`
}

type CredentialsCheckResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}
