package server

import (
	"intakeline/internal/domain"
	"intakeline/internal/engine"
)

// Request payloads

type ResolveNextRequest struct {
	Answer *string `json:"answer,omitempty" doc:"Respondent answer; omit or null when the field was left unanswered"`
}

type SubmitRequest struct {
	Answers map[string]string `json:"answers,omitempty" doc:"Answers keyed by field id"`
}

type NotifySubmissionRequest struct {
	OwnerID      string `json:"ownerId" minLength:"1"`
	FormID       string `json:"formId" minLength:"1"`
	FormTitle    string `json:"formTitle,omitempty"`
	SubmissionID string `json:"submissionId" minLength:"1"`
}

// Response payloads

type FormResponse = engine.FormView

type SubmitResponse = engine.SubmitResult

type NotificationListResponse struct {
	Items []domain.NotificationAggregate `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}
