// Package handlers provides HTTP handlers for the directory API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/directory"
	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/pkg/option"
)

const maxBodyBytes = 1 << 16

// DirectoryService is what the handlers need from the directory
type DirectoryService interface {
	Patient(ctx context.Context, id patient.ID) option.Option[patient.Patient]
	LabAnswers(ctx context.Context, id patient.ID) option.Option[[]lab.Answer]
	Register(ctx context.Context, p patient.Patient) (bool, error)
	RecordLabAnswer(ctx context.Context, id patient.ID, answer lab.Answer) (directory.LabAnswerRecorded, error)
}

// DirectoryHandler serves patients and lab answers
type DirectoryHandler struct {
	svc    DirectoryService
	logger *zap.Logger
}

// NewDirectoryHandler creates a new handler
func NewDirectoryHandler(svc DirectoryService, logger *zap.Logger) *DirectoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *DirectoryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/patient/{id}", h.GetPatient)
	r.Post("/patient", h.RegisterPatient)
	r.Get("/labanswer/{id}", h.GetLabAnswers)
	r.Post("/labanswer/{id}", h.RecordLabAnswer)
	return r
}

// RegisterResponse is the response for registering a patient
type RegisterResponse struct {
	ID      patient.ID `json:"id"`
	Created bool       `json:"created"`
}

// GetPatient handles GET /patient/{id}
func (h *DirectoryHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("directory-handler").Start(r.Context(), "get_patient")
	defer span.End()

	id, ok := h.patientID(w, r)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("patient_id", int64(id)))

	result := h.svc.Patient(ctx, id)
	if result.IsNone() {
		span.SetAttributes(attribute.String("absence_reason", string(result.Reason())))
	}
	h.jsonResponse(w, statusFor(result.IsSome(), result.Reason()), result)
}

// GetLabAnswers handles GET /labanswer/{id}
func (h *DirectoryHandler) GetLabAnswers(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("directory-handler").Start(r.Context(), "get_lab_answers")
	defer span.End()

	id, ok := h.patientID(w, r)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("patient_id", int64(id)))

	result := h.svc.LabAnswers(ctx, id)
	h.jsonResponse(w, statusFor(result.IsSome(), result.Reason()), result)
}

// RegisterPatient handles POST /patient. An existing id is left untouched
// and answered with 200 instead of 201.
func (h *DirectoryHandler) RegisterPatient(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("directory-handler").Start(r.Context(), "register_patient")
	defer span.End()

	var p patient.Patient
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := p.Validate(); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int64("patient_id", int64(p.ID)))

	created, err := h.svc.Register(ctx, p)
	if err != nil {
		h.logger.Error("failed to register patient", zap.Int64("patient_id", int64(p.ID)), zap.Error(err))
		h.jsonError(w, "failed to register patient", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.jsonResponse(w, status, RegisterResponse{ID: p.ID, Created: created})
}

// RecordLabAnswer handles POST /labanswer/{id}
func (h *DirectoryHandler) RecordLabAnswer(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("directory-handler").Start(r.Context(), "record_lab_answer")
	defer span.End()

	id, ok := h.patientID(w, r)
	if !ok {
		return
	}

	var answer lab.Answer
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&answer); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := answer.Validate(); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ev, err := h.svc.RecordLabAnswer(ctx, id, answer)
	if err != nil {
		h.logger.Error("failed to record lab answer", zap.Int64("patient_id", int64(id)), zap.Error(err))
		h.jsonError(w, "failed to record lab answer", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.String("event_id", ev.EventID))
	h.jsonResponse(w, http.StatusCreated, ev)
}

func (h *DirectoryHandler) patientID(w http.ResponseWriter, r *http.Request) (patient.ID, bool) {
	id, err := patient.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// statusFor maps an absence reason to the HTTP status the directory answers with
func statusFor(present bool, reason option.Reason) int {
	if present {
		return http.StatusOK
	}
	switch reason {
	case option.ItemDoesNotExist:
		return http.StatusNotFound
	case option.ServiceNotYetInitialized, option.ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *DirectoryHandler) jsonResponse(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *DirectoryHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
