package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/longregen/promptlab/internal/adapters/http/dto"
	"github.com/longregen/promptlab/internal/domain"
)

const maxBodyBytes = 1024 * 1024

// respondJSON writes a JSON response with the given status code
func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, errorType string, message string, status int) {
	respondJSON(w, dto.NewErrorResponse(errorType, message, status), status)
}

// respondDomainError maps the domain error taxonomy onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	resp := dto.NewErrorResponse("internal_error", err.Error(), http.StatusInternalServerError)

	var schemaErr *domain.SchemaError
	var optErr *domain.OptimizationFailure
	switch {
	case errors.As(err, &schemaErr):
		resp.Error, resp.Code = "schema_error", http.StatusBadRequest
		resp.AtExample(schemaErr.Index, schemaErr.Field)
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrEmptyContent):
		resp.Error, resp.Code = "invalid_request", http.StatusBadRequest
	case errors.Is(err, domain.ErrLineageNotFound),
		errors.Is(err, domain.ErrVersionNotFound),
		errors.Is(err, domain.ErrNotFound):
		resp.Error, resp.Code = "not_found", http.StatusNotFound
	case errors.Is(err, domain.ErrIntegrity):
		resp.Error, resp.Code = "integrity_error", http.StatusConflict
	case errors.Is(err, domain.ErrConcurrencyConflict):
		resp.Error, resp.Code = "concurrency_conflict", http.StatusConflict
	case errors.As(err, &optErr):
		resp.Error, resp.Code = "optimization_failed", http.StatusBadGateway
		resp.Strategies = optErr.Strategies()
	default:
		log.Printf("internal error: %v", err)
		resp.Message = "internal server error"
	}

	respondJSON(w, resp, resp.Code)
}

// parseIntQuery parses an integer query parameter with a default value
func parseIntQuery(r *http.Request, name string, defaultValue int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// validateURLParam validates and returns a URL parameter
func validateURLParam(r *http.Request, w http.ResponseWriter, paramName, errorField string) (string, bool) {
	value := chi.URLParam(r, paramName)
	if value == "" {
		respondError(w, "invalid_request", errorField+" is required", http.StatusBadRequest)
		return "", false
	}
	return value, true
}

type validatable interface {
	Validate() error
}

// decodeJSON decodes and validates a JSON request body
func decodeJSON[T any, PT interface {
	*T
	validatable
}](r *http.Request, w http.ResponseWriter) (*T, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if err := PT(&req).Validate(); err != nil {
		respondError(w, "invalid_request", dto.ValidationMessage(err), http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}
