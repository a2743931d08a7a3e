package eloqua

import (
	"strings"
	"unicode/utf8"
)

// Validation rule kinds the pipeline understands. The remote API may
// declare kinds beyond these; Check treats them as satisfied so a new
// remote rule never blocks submissions until it is implemented here.
const (
	RuleRequired   = "IsRequiredCondition"
	RuleTextLength = "TextLengthCondition"
)

// Form is one remote form as listed by the directory.
type Form struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// FieldElement is one field of a remote form definition.
type FieldElement struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	HTMLName    string       `json:"html_name"`
	DisplayType string       `json:"display_type"`
	Options     []Option     `json:"options,omitempty"`
	Validations []Validation `json:"validations,omitempty"`
}

// Option is one choice of a radio or select field element.
type Option struct {
	Value       string `json:"value"`
	DisplayName string `json:"display_name"`
}

// Validation is a remote-declared rule on a field element. Kind is the
// remote condition type; Min/Max are populated for text length rules.
type Validation struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Min     int    `json:"min,omitempty"`
	Max     int    `json:"max,omitempty"`
}

// IsRequired reports whether the rule is the presence condition, which
// callers evaluate separately from content rules.
func (v Validation) IsRequired() bool {
	return v.Kind == RuleRequired
}

// Check reports whether a submitted value satisfies the rule.
// Unrecognized kinds pass.
func (v Validation) Check(value string) bool {
	switch v.Kind {
	case RuleRequired:
		return strings.TrimSpace(value) != ""
	case RuleTextLength:
		n := utf8.RuneCountInString(value)
		if v.Min > 0 && n < v.Min {
			return false
		}
		if v.Max > 0 && n > v.Max {
			return false
		}
		return true
	default:
		return true
	}
}

// FailureMessage is the user-facing message for a failed rule.
func (v Validation) FailureMessage() string {
	if v.Message != "" {
		return v.Message
	}
	switch v.Kind {
	case RuleRequired:
		return "This field is required."
	case RuleTextLength:
		return "The value has an invalid length."
	default:
		return "The value is not valid."
	}
}
