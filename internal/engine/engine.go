package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"intakeline/internal/branching"
	"intakeline/internal/domain"
	"intakeline/internal/events"
	"intakeline/internal/formdef"
	"intakeline/internal/notify"
	"intakeline/internal/repo"
)

// Engine is the facade the HTTP server and CLI drive. Its notification
// collaborators are shared pointers, so copies of an Engine observe the
// same hub and debounce state.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Resolver   *branching.Resolver
	Aggregator *notify.Aggregator
	Hub        *notify.Hub
	Logger     *zap.Logger
	Now        func() time.Time
}

func New(db *sql.DB, resolver *branching.Resolver, aggregator *notify.Aggregator, hub *notify.Hub, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Resolver:   resolver,
		Aggregator: aggregator,
		Hub:        hub,
		Logger:     logger,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// FormView is a form with its fields and every rule, active or not.
type FormView struct {
	Form   domain.Form        `json:"form"`
	Fields []domain.Field     `json:"fields"`
	Rules  []domain.LogicRule `json:"rules"`
}

// ImportForm stores a validated definition. An existing form with the same
// id is replaced when replace is set and rejected otherwise.
func (e Engine) ImportForm(ctx context.Context, def formdef.Definition, replace bool, actorID string) (FormView, error) {
	if err := def.Validate(); err != nil {
		return FormView{}, err
	}
	form, fields, rules := def.Form(e.now().UTC().Format(time.RFC3339))
	for i, f := range fields {
		other, err := e.Repo.GetField(ctx, f.ID)
		if err == nil && other.FormID != form.ID {
			return FormView{}, &domain.ValidationError{Field: fmt.Sprintf("fields[%d].id", i), Reason: fmt.Sprintf("field id %s is used by form %s", f.ID, other.FormID)}
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return FormView{}, domain.Storage("load field", err)
		}
	}
	existing, existsErr := e.Repo.GetForm(ctx, form.ID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return FormView{}, domain.Storage("begin import", err)
	}
	defer tx.Rollback()

	switch err := existsErr; {
	case err == nil:
		if !replace {
			return FormView{}, &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("form %s already exists", form.ID)}
		}
		// Submissions stay attached to the form; only its structure is swapped.
		form.CreatedAt = existing.CreatedAt
		if err := e.Repo.UpdateForm(ctx, tx, form); err != nil {
			return FormView{}, domain.Storage("update form", err)
		}
		if err := e.Repo.DeleteFields(ctx, tx, form.ID); err != nil {
			return FormView{}, domain.Storage("delete fields", err)
		}
	case errors.Is(err, repo.ErrNotFound):
		if err := e.Repo.InsertForm(ctx, tx, form); err != nil {
			return FormView{}, domain.Storage("insert form", err)
		}
	default:
		return FormView{}, domain.Storage("load form", err)
	}
	for _, f := range fields {
		if err := e.Repo.InsertField(ctx, tx, f); err != nil {
			return FormView{}, domain.Storage("insert field", err)
		}
	}
	for _, r := range rules {
		if err := e.Repo.InsertRule(ctx, tx, r); err != nil {
			return FormView{}, domain.Storage("insert rule", err)
		}
	}
	payload := events.EventPayload{"fields": len(fields), "rules": len(rules), "replace": replace}
	if err := e.Events.Append(ctx, tx, events.TypeFormImported, form.ID, "form", form.ID, actorID, payload); err != nil {
		return FormView{}, domain.Storage("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return FormView{}, domain.Storage("commit import", err)
	}
	e.logger().Info("form imported",
		zap.String("form_id", form.ID),
		zap.Int("fields", len(fields)),
		zap.Int("rules", len(rules)),
	)
	return FormView{Form: form, Fields: fields, Rules: rules}, nil
}

func (e Engine) GetForm(ctx context.Context, formID string) (FormView, error) {
	form, err := e.Repo.GetForm(ctx, formID)
	if err != nil {
		return FormView{}, domain.Storage("load form", err)
	}
	fields, err := e.Repo.ListFields(ctx, formID)
	if err != nil {
		return FormView{}, domain.Storage("list fields", err)
	}
	view := FormView{Form: form, Fields: fields, Rules: []domain.LogicRule{}}
	for _, f := range fields {
		rules, err := e.Repo.RulesForField(ctx, f.ID, true)
		if err != nil {
			return FormView{}, domain.Storage("list rules", err)
		}
		view.Rules = append(view.Rules, rules...)
	}
	return view, nil
}

// ResolveNextField returns the navigation decision after answering fieldID.
func (e Engine) ResolveNextField(ctx context.Context, formID, fieldID string, answer *string) (domain.NavigationDecision, error) {
	return e.Resolver.Resolve(ctx, formID, fieldID, answer)
}

// NotifySubmission records a submission event for ownerID and schedules the
// debounced publish.
func (e Engine) NotifySubmission(ctx context.Context, ownerID, formID, formTitle, submissionID string) (domain.NotificationAggregate, error) {
	if ownerID == "" || formID == "" || submissionID == "" {
		return domain.NotificationAggregate{}, &domain.ValidationError{Reason: "owner id, form id and submission id are required"}
	}
	agg, err := e.Aggregator.RecordSubmission(ctx, ownerID, formID, formTitle, submissionID)
	if err != nil {
		return domain.NotificationAggregate{}, err
	}
	payload := events.EventPayload{"notification_id": agg.ID, "count": agg.Count, "submission_id": submissionID}
	if err := e.Events.Append(ctx, nil, events.TypeNotificationAggregated, formID, "notification", agg.ID, ownerID, payload); err != nil {
		e.logger().Warn("append notification event", zap.String("notification_id", agg.ID), zap.Error(err))
	}
	return agg, nil
}

// SubmitResult carries the stored submission and, when recording succeeded,
// the notification aggregate it was folded into.
type SubmitResult struct {
	Submission   domain.Submission             `json:"submission"`
	Notification *domain.NotificationAggregate `json:"notification,omitempty"`
}

// SubmitResponse persists a submission and then notifies the form owner. A
// notification failure is logged and leaves the stored submission intact.
func (e Engine) SubmitResponse(ctx context.Context, formID string, answers map[string]string, actorID string) (SubmitResult, error) {
	form, err := e.Repo.GetForm(ctx, formID)
	if err != nil {
		return SubmitResult{}, domain.Storage("load form", err)
	}
	if answers == nil {
		answers = map[string]string{}
	}
	fields, err := e.Repo.ListFields(ctx, formID)
	if err != nil {
		return SubmitResult{}, domain.Storage("list fields", err)
	}
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.ID] = true
	}
	for id := range answers {
		if !known[id] {
			return SubmitResult{}, &domain.ValidationError{Field: "answers." + id, Reason: "unknown field"}
		}
	}

	sub := domain.Submission{
		ID:        uuid.NewString(),
		FormID:    formID,
		Answers:   answers,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, domain.Storage("begin submission", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSubmission(ctx, tx, sub); err != nil {
		return SubmitResult{}, domain.Storage("insert submission", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeSubmissionRecorded, formID, "submission", sub.ID, actorID, events.EventPayload{"answers": len(answers)}); err != nil {
		return SubmitResult{}, domain.Storage("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, domain.Storage("commit submission", err)
	}

	res := SubmitResult{Submission: sub}
	agg, err := e.NotifySubmission(ctx, form.OwnerID, form.ID, form.Title, sub.ID)
	if err != nil {
		e.logger().Error("notification not recorded",
			zap.String("form_id", formID),
			zap.String("submission_id", sub.ID),
			zap.Error(err),
		)
		return res, nil
	}
	res.Notification = &agg
	return res, nil
}

func (e Engine) ListNotifications(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]domain.NotificationAggregate, error) {
	res, err := e.Repo.ListAggregates(ctx, ownerID, unreadOnly, limit)
	if err != nil {
		return nil, domain.Storage("list notifications", err)
	}
	if res == nil {
		res = []domain.NotificationAggregate{}
	}
	return res, nil
}

// MarkNotificationRead flags an aggregate as read so the next submission
// starts a new one. A non-empty ownerID must own the aggregate.
func (e Engine) MarkNotificationRead(ctx context.Context, notificationID, ownerID, actorID string) (domain.NotificationAggregate, error) {
	ts := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkAggregateRead(ctx, notificationID, ownerID, ts); err != nil {
		return domain.NotificationAggregate{}, domain.Storage("mark read", err)
	}
	agg, err := e.Repo.GetAggregate(ctx, notificationID)
	if err != nil {
		return domain.NotificationAggregate{}, domain.Storage("load notification", err)
	}
	if err := e.Events.Append(ctx, nil, events.TypeNotificationRead, agg.FormID, "notification", agg.ID, actorID, nil); err != nil {
		e.logger().Warn("append read event", zap.String("notification_id", agg.ID), zap.Error(err))
	}
	return agg, nil
}

func (e Engine) LatestEvents(ctx context.Context, limit int, formID, evtType string) ([]domain.Event, error) {
	res, err := e.Repo.LatestEvents(ctx, limit, formID, evtType)
	if err != nil {
		return nil, domain.Storage("list events", err)
	}
	return res, nil
}
