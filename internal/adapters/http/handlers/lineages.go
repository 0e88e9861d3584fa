package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/longregen/promptlab/internal/adapters/http/dto"
	"github.com/longregen/promptlab/internal/adapters/http/encoding"
	"github.com/longregen/promptlab/internal/application/services"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
)

type LineagesHandler struct {
	lineages *services.LineageService
	versions ports.VersionManager
}

func NewLineagesHandler(lineages *services.LineageService, versions ports.VersionManager) *LineagesHandler {
	return &LineagesHandler{lineages: lineages, versions: versions}
}

// Create handles POST /lineages
func (h *LineagesHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[dto.CreateLineageRequest](r, w)
	if !ok {
		return
	}

	if req.Generate {
		p, fallback, err := h.lineages.Generate(r.Context(), req.Task, req.Model)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		respondJSON(w, dto.CreateLineageResponse{Prompt: p, Generated: true, Fallback: fallback}, http.StatusCreated)
		return
	}

	p, err := h.lineages.CreateLineage(r.Context(), req.Task, req.PromptText, req.Model)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, dto.CreateLineageResponse{Prompt: p}, http.StatusCreated)
}

// List handles GET /lineages?limit=&offset=
func (h *LineagesHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50)
	offset := parseIntQuery(r, "offset", 0)

	summaries, err := h.lineages.ListLineages(r.Context(), limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if summaries == nil {
		summaries = []*models.LineageSummary{}
	}

	respondJSON(w, dto.LineageListResponse{
		Lineages: summaries,
		Count:    len(summaries),
		Limit:    limit,
		Offset:   offset,
	}, http.StatusOK)
}

// Get handles GET /lineages/{id}
func (h *LineagesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Lineage ID")
	if !ok {
		return
	}

	info, err := h.versions.GetLineageInfo(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	prompts, err := h.versions.GetLineage(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, dto.LineageResponse{
		Lineage:  info,
		Versions: prompts,
		Latest:   len(prompts),
	}, http.StatusOK)
}

// GetVersion handles GET /lineages/{id}/versions/{version}
func (h *LineagesHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Lineage ID")
	if !ok {
		return
	}
	raw, ok := validateURLParam(r, w, "version", "Version")
	if !ok {
		return
	}
	version, err := strconv.Atoi(raw)
	if err != nil || version <= 0 {
		respondError(w, "invalid_request", "Version must be a positive integer", http.StatusBadRequest)
		return
	}

	p, err := h.versions.GetVersion(r.Context(), id, version)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, p, http.StatusOK)
}

// Delete handles DELETE /lineages/{id}
func (h *LineagesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Lineage ID")
	if !ok {
		return
	}
	if err := h.versions.DeleteLineage(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterVersion handles POST /lineages/{id}/versions
func (h *LineagesHandler) RegisterVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Lineage ID")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.RegisterVersionRequest](r, w)
	if !ok {
		return
	}

	p, err := h.lineages.RegisterVersion(r.Context(), id, req.PromptText, req.Model, req.TrainingData)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, p, http.StatusCreated)
}

// Rollback handles POST /lineages/{id}/rollback
func (h *LineagesHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Lineage ID")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.RollbackRequest](r, w)
	if !ok {
		return
	}

	p, err := h.versions.Rollback(r.Context(), id, req.Version)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, p, http.StatusCreated)
}

// AddExamples handles POST /lineages/{id}/examples. The body is the raw
// training data array and is validated as a whole before anything is stored.
func (h *LineagesHandler) AddExamples(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Lineage ID")
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, "invalid_request", "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		respondError(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
		return
	}

	version, err := h.lineages.AddTrainingExamples(r.Context(), id, body)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, dto.ExamplesAddedResponse{LineageID: id, Version: version}, http.StatusOK)
}

// Correct handles POST /lineages/{id}/corrections
func (h *LineagesHandler) Correct(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Lineage ID")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.CorrectionRequest](r, w)
	if !ok {
		return
	}

	ex, err := h.lineages.RecordCorrection(r.Context(), id, req.Input, req.BadOutput, req.DesiredOutput, req.Critique)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, dto.CorrectionResponse{LineageID: id, Example: ex}, http.StatusCreated)
}

// Diff handles GET /lineages/{id}/diff?from=&to=
func (h *LineagesHandler) Diff(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Lineage ID")
	if !ok {
		return
	}
	from := parseIntQuery(r, "from", 0)
	to := parseIntQuery(r, "to", 0)
	if from <= 0 || to <= 0 {
		respondError(w, "invalid_request", "from and to must be positive versions", http.StatusBadRequest)
		return
	}

	d, err := h.lineages.Diff(r.Context(), id, from, to)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, d, http.StatusOK)
}

// Export handles GET /lineages/{id}/export, in JSON or MessagePack by Accept.
func (h *LineagesHandler) Export(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Lineage ID")
	if !ok {
		return
	}

	bundle, err := h.lineages.Export(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	encoding.Write(w, r, http.StatusOK, bundle)
}

// Import handles POST /lineages/import
func (h *LineagesHandler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 8*maxBodyBytes)

	var bundle models.Bundle
	if err := encoding.Read(r, &bundle); err != nil {
		respondError(w, "invalid_request", "Invalid bundle", http.StatusBadRequest)
		return
	}

	p, err := h.lineages.Import(r.Context(), &bundle)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, p, http.StatusCreated)
}

// Stats handles GET /stats?top=
func (h *LineagesHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.lineages.Stats(r.Context(), parseIntQuery(r, "top", 5))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, stats, http.StatusOK)
}
