package domain

const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
)

// Submission is one accepted form submission awaiting delivery to the
// remote marketing API. FieldData keeps the raw values keyed by local
// HTML field name; remote field ids are re-derived from the mapping at
// delivery time.
type Submission struct {
	ID           string            `json:"id"`
	LocalFormID  string            `json:"form_id"`
	Domain       string            `json:"domain"`
	LanguageCode string            `json:"language"`
	RemoteFormID int               `json:"remote_form_id"`
	FieldData    map[string]string `json:"fields"`
	Status       string            `json:"status" enum:"pending,delivered"`
	Attempts     int               `json:"attempts"`
	SubmittedBy  *string           `json:"submitted_by,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	DeliveredAt  *string           `json:"delivered_at,omitempty" format:"date-time"`
}

// FieldFailure is a user-facing validation error for one submitted field.
type FieldFailure struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Resolution is the outcome of mapping a (domain, local form) pair to its
// remote counterpart. FieldMap may legitimately be empty.
type Resolution struct {
	RemoteFormID int
	FieldMap     map[string]string
}

// DeliveryReport summarizes one reconciliation pass over pending
// submissions. Success covers the pass itself; individual remote
// failures are counted, not fatal.
type DeliveryReport struct {
	Success   bool `json:"success"`
	Scanned   int  `json:"scanned"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
}

// FormDefinition is the immutable render model for one localized form:
// everything a frontend needs to draw the form and mirror the remote
// validation rules client-side.
type FormDefinition struct {
	FormID     string            `json:"form_id"`
	Domain     string            `json:"domain"`
	Language   string            `json:"language"`
	PathPrefix string            `json:"path_prefix"`
	Fields     []FormField       `json:"fields"`
	Extras     map[string]string `json:"extras,omitempty"`
}

// FormField describes one renderable field of a FormDefinition.
type FormField struct {
	Key         string           `json:"key"`
	Label       string           `json:"label"`
	InputType   string           `json:"input_type,omitempty"`
	Required    bool             `json:"required"`
	Options     []FieldOption    `json:"options,omitempty"`
	Validations []ValidationSpec `json:"validations,omitempty"`
}

// FieldOption is one choice of a radio or select field.
type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ValidationSpec exposes a remote validation rule to renderers.
type ValidationSpec struct {
	Name string `json:"name"`
	Min  *int   `json:"min,omitempty"`
	Max  *int   `json:"max,omitempty"`
}

// Event is one row of the delivery diagnostics log.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	Domain       string `json:"domain,omitempty"`
	LocalFormID  string `json:"form_id,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
	Payload      string `json:"payload_json"`
}
