package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"formbridge/internal/config"
	"formbridge/internal/domain"
	"formbridge/internal/eloqua"
	"formbridge/internal/events"
	"formbridge/internal/repo"
)

const defaultSubmitTimeout = 10 * time.Second

// FormDirectory is the remote form API capability the engine consumes:
// form discovery, field/rule lookup, and the submit call.
type FormDirectory interface {
	Forms(ctx context.Context) ([]eloqua.Form, error)
	FormFields(ctx context.Context, formID int) ([]eloqua.FieldElement, error)
	Submit(ctx context.Context, formID int, values map[string]string) error
}

// ErrNotConfigured means no remote form is mapped for a (domain, local
// form) pair. Callers reject the submission; it is not a transient
// failure.
var ErrNotConfigured = errors.New("form not configured")

// ErrEmptySubmission means no submitted field survived the mapping.
var ErrEmptySubmission = errors.New("no fields submitted")

// ValidationError aggregates every failing field of one submission.
type ValidationError struct {
	Failures []domain.FieldFailure
}

func (e *ValidationError) Error() string {
	return "not all fields are filled correctly"
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Store     *config.Store
	Catalog   config.Catalog
	Directory FormDirectory
	Logger    *slog.Logger
	Now       func() time.Time

	// SubmitTimeout bounds one remote push during delivery.
	SubmitTimeout time.Duration
	// MaxAttempts caps delivery retries per submission; 0 retries forever.
	MaxAttempts int

	deliverMu *sync.Mutex
}

func New(db *sql.DB, store *config.Store, catalog config.Catalog, directory FormDirectory, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		DB:            db,
		Repo:          repo.Repo{DB: db},
		Events:        events.Writer{DB: db},
		Store:         store,
		Catalog:       catalog,
		Directory:     directory,
		Logger:        logger,
		Now:           time.Now,
		SubmitTimeout: defaultSubmitTimeout,
		deliverMu:     &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Resolve maps (domain, local form) to its remote form and field map.
// It reads the mapping store directly on every call: configuration may
// change between accept and delivery, and stale mappings would cause
// silent misdelivery.
func (e Engine) Resolve(dom, localFormID string) (domain.Resolution, error) {
	formID, ok := e.Store.RemoteFormID(dom, localFormID)
	if !ok {
		return domain.Resolution{}, ErrNotConfigured
	}
	return domain.Resolution{
		RemoteFormID: formID,
		FieldMap:     e.Store.FieldMap(dom, localFormID),
	}, nil
}

// AcceptOptions are the parameters of one inbound submission.
type AcceptOptions struct {
	Domain       string
	LanguageCode string
	LocalFormID  string
	Fields       map[string]string
	SubmittedBy  string
}

// AcceptSubmission validates an inbound submission against the current
// mapping and the remote form's validation rules, and persists it as
// pending. Nothing is pushed to the remote system here.
//
// Fields not present in the mapping are silently dropped. If no field
// maps at all the submission is rejected as empty. If any mapped field
// fails a rule the whole submission is rejected with every failure
// collected; no partial accept.
func (e Engine) AcceptSubmission(ctx context.Context, opts AcceptOptions) (domain.Submission, error) {
	res, err := e.Resolve(opts.Domain, opts.LocalFormID)
	if err != nil {
		return domain.Submission{}, err
	}
	if len(opts.Fields) == 0 {
		return domain.Submission{}, ErrEmptySubmission
	}

	elements, err := e.Directory.FormFields(ctx, res.RemoteFormID)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("fetch remote form %d: %w", res.RemoteFormID, err)
	}
	rules := rulesByFieldID(elements)

	// The mapping store lowercases key paths, so payload keys are
	// matched case-insensitively against the field map.
	submitted := make(map[string]string, len(opts.Fields))
	for key := range opts.Fields {
		submitted[strings.ToLower(key)] = key
	}

	accepted := map[string]string{}
	var failures []domain.FieldFailure
	for key, value := range opts.Fields {
		fieldID, ok := res.FieldMap[strings.ToLower(key)]
		if !ok {
			// Not configured to be sent; dropped, not an error.
			continue
		}
		accepted[key] = value
		failures = append(failures, checkContentRules(key, value, rules[fieldID])...)
	}
	if len(accepted) == 0 {
		return domain.Submission{}, ErrEmptySubmission
	}

	// Presence of required fields is checked across the whole mapping,
	// so a required field missing from the payload entirely still fails.
	for mapKey, fieldID := range res.FieldMap {
		req, ok := requiredRule(rules[fieldID])
		if !ok {
			continue
		}
		key := mapKey
		if orig, ok := submitted[mapKey]; ok {
			key = orig
		}
		if v, present := opts.Fields[key]; !present || strings.TrimSpace(v) == "" {
			failures = append(failures, domain.FieldFailure{Field: key, Message: req.FailureMessage()})
		}
	}
	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].Field < failures[j].Field })
		return domain.Submission{}, &ValidationError{Failures: failures}
	}

	sub := domain.Submission{
		ID:           uuid.NewString(),
		LocalFormID:  opts.LocalFormID,
		Domain:       opts.Domain,
		LanguageCode: opts.LanguageCode,
		RemoteFormID: res.RemoteFormID,
		FieldData:    accepted,
		Status:       domain.StatusPending,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	if opts.SubmittedBy != "" {
		by := opts.SubmittedBy
		sub.SubmittedBy = &by
	}
	if err := e.Repo.InsertSubmission(ctx, sub); err != nil {
		return domain.Submission{}, err
	}
	if err := e.Events.Append(ctx, "submission.accepted", sub.Domain, sub.LocalFormID, sub.ID,
		events.EventPayload{"remote_form_id": sub.RemoteFormID, "fields": len(sub.FieldData)}); err != nil {
		e.Logger.Warn("event append failed", slog.String("submission_id", sub.ID), slog.Any("error", err))
	}
	return sub, nil
}

func rulesByFieldID(elements []eloqua.FieldElement) map[string][]eloqua.Validation {
	rules := make(map[string][]eloqua.Validation, len(elements))
	for _, el := range elements {
		rules[el.ID] = el.Validations
	}
	return rules
}

// checkContentRules runs every non-presence rule and collects every
// failure, so the caller can report all problems at once.
func checkContentRules(localKey, value string, rules []eloqua.Validation) []domain.FieldFailure {
	var failures []domain.FieldFailure
	for _, rule := range rules {
		if rule.IsRequired() {
			continue
		}
		if !rule.Check(value) {
			failures = append(failures, domain.FieldFailure{Field: localKey, Message: rule.FailureMessage()})
		}
	}
	return failures
}

func requiredRule(rules []eloqua.Validation) (eloqua.Validation, bool) {
	for _, rule := range rules {
		if rule.IsRequired() {
			return rule, true
		}
	}
	return eloqua.Validation{}, false
}

type deliveryOutcome int

const (
	outcomeDelivered deliveryOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// DeliverPending runs one reconciliation pass over all pending
// submissions. Every submission is processed independently: a remote
// failure is logged and left pending for the next pass, never aborting
// the batch. Only a store-level failure fails the pass. Passes are
// serialized so no two of them touch the same submission concurrently.
func (e Engine) DeliverPending(ctx context.Context) (domain.DeliveryReport, error) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	pending, err := e.Repo.ListPending(ctx)
	if err != nil {
		return domain.DeliveryReport{}, fmt.Errorf("list pending submissions: %w", err)
	}
	report := domain.DeliveryReport{Success: true, Scanned: len(pending)}
	for _, sub := range pending {
		if ctx.Err() != nil {
			report.Success = false
			return report, ctx.Err()
		}
		switch e.deliverOne(ctx, sub) {
		case outcomeDelivered:
			report.Delivered++
		case outcomeSkipped:
			report.Skipped++
		case outcomeFailed:
			report.Failed++
		}
	}
	return report, nil
}

func (e Engine) deliverOne(ctx context.Context, sub domain.Submission) deliveryOutcome {
	log := e.Logger.With(
		slog.String("submission_id", sub.ID),
		slog.String("domain", sub.Domain),
		slog.String("form_id", sub.LocalFormID),
		slog.Int("remote_form_id", sub.RemoteFormID),
	)

	if e.MaxAttempts > 0 && sub.Attempts >= e.MaxAttempts {
		log.Warn("delivery attempts exhausted, leaving pending", slog.Int("attempts", sub.Attempts))
		return outcomeSkipped
	}

	// The mapping is re-resolved on every pass: admins may have remapped
	// fields since the submission was accepted.
	res, err := e.Resolve(sub.Domain, sub.LocalFormID)
	if err != nil {
		log.Warn("mapping no longer configured, leaving pending")
		return outcomeSkipped
	}
	if res.RemoteFormID != sub.RemoteFormID {
		// The local form now targets a different remote form. Current
		// field ids belong to the new form and the stored target to the
		// old one; posting either combination would misdeliver.
		log.Warn("remote form target changed since accept, leaving pending",
			slog.Int("configured_remote_form_id", res.RemoteFormID))
		return outcomeSkipped
	}

	payload := map[string]string{}
	for key, value := range sub.FieldData {
		if fieldID, ok := res.FieldMap[strings.ToLower(key)]; ok {
			payload[fieldID] = value
		}
	}
	if len(payload) == 0 {
		log.Warn("no fields map under current configuration, leaving pending")
		return outcomeSkipped
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout())
	defer cancel()
	if err := e.Directory.Submit(submitCtx, sub.RemoteFormID, payload); err != nil {
		log.Error("remote submit failed, leaving pending",
			slog.Int("attempts", sub.Attempts+1),
			slog.Any("error", err),
		)
		if ierr := e.Repo.IncrementAttempts(ctx, sub.ID); ierr != nil {
			log.Error("increment attempts failed", slog.Any("error", ierr))
		}
		if eerr := e.Events.Append(ctx, "submission.delivery_failed", sub.Domain, sub.LocalFormID, sub.ID,
			events.EventPayload{"error": err.Error()}); eerr != nil {
			log.Warn("event append failed", slog.Any("error", eerr))
		}
		return outcomeFailed
	}

	deliveredAt := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkDelivered(ctx, sub.ID, deliveredAt); err != nil {
		log.Error("mark delivered failed", slog.Any("error", err))
		return outcomeFailed
	}
	if err := e.Events.Append(ctx, "submission.delivered", sub.Domain, sub.LocalFormID, sub.ID,
		events.EventPayload{"fields": len(payload)}); err != nil {
		log.Warn("event append failed", slog.Any("error", err))
	}
	log.Info("submission delivered", slog.Int("fields", len(payload)))
	return outcomeDelivered
}

func (e Engine) submitTimeout() time.Duration {
	if e.SubmitTimeout > 0 {
		return e.SubmitTimeout
	}
	return defaultSubmitTimeout
}

// PurgeDelivered removes delivered submissions, returning the count.
func (e Engine) PurgeDelivered(ctx context.Context) (int64, error) {
	count, err := e.Repo.PurgeDelivered(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		if err := e.Events.Append(ctx, "submissions.purged", "", "", "", events.EventPayload{"count": count}); err != nil {
			e.Logger.Warn("event append failed", slog.Any("error", err))
		}
	}
	return count, nil
}

// FormDefinition resolves the mapping and the remote form once and
// builds the complete render model for a localized form in a single
// pass. The returned record is not shared or mutated afterwards.
func (e Engine) FormDefinition(ctx context.Context, dom, languageCode, localFormID string) (domain.FormDefinition, error) {
	res, err := e.Resolve(dom, localFormID)
	if err != nil {
		return domain.FormDefinition{}, err
	}
	elements, err := e.Directory.FormFields(ctx, res.RemoteFormID)
	if err != nil {
		return domain.FormDefinition{}, fmt.Errorf("fetch remote form %d: %w", res.RemoteFormID, err)
	}
	byID := make(map[string]eloqua.FieldElement, len(elements))
	for _, el := range elements {
		byID[el.ID] = el
	}
	// Catalog keys keep their YAML casing while field map keys are
	// lowercased by the store; index the catalog to match.
	localFields := make(map[string]config.LocalField)
	for k, f := range e.Catalog.FormFields(localFormID) {
		localFields[strings.ToLower(k)] = f
	}

	keys := make([]string, 0, len(res.FieldMap))
	for key := range res.FieldMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	def := domain.FormDefinition{
		FormID:     localFormID,
		Domain:     dom,
		Language:   languageCode,
		PathPrefix: dom + "/" + languageCode,
		Extras:     e.Store.Extras(dom, localFormID, languageCode),
	}
	for _, key := range keys {
		el, ok := byID[res.FieldMap[key]]
		if !ok {
			// Mapped to a field the remote form no longer declares.
			continue
		}
		_, required := requiredRule(el.Validations)
		field := domain.FormField{
			Key:       key,
			Label:     el.Name,
			InputType: localFields[key].Type,
			Required:  required,
		}
		if el.DisplayType == "radio" {
			for _, opt := range el.Options {
				field.Options = append(field.Options, domain.FieldOption{Value: opt.Value, Label: opt.DisplayName})
			}
		}
		for _, rule := range el.Validations {
			spec := domain.ValidationSpec{Name: rule.Kind}
			if rule.Kind == eloqua.RuleTextLength {
				min, max := rule.Min, rule.Max
				spec.Min = &min
				spec.Max = &max
			}
			field.Validations = append(field.Validations, spec)
		}
		def.Fields = append(def.Fields, field)
	}
	return def, nil
}
