package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/longregen/promptlab/internal/adapters/http/dto"
	"github.com/longregen/promptlab/internal/adapters/http/encoding"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createLineage(t *testing.T, f *apiFixture, task, text string) *models.Prompt {
	t.Helper()
	rr := f.do(t, "POST", "/api/v1/lineages", dto.CreateLineageRequest{Task: task, PromptText: text, Model: "m"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[dto.CreateLineageResponse](t, rr).Prompt
}

func TestLineagesHandler_Create(t *testing.T) {
	f := newAPIFixture(t, "Rewrite: {input}")

	p := createLineage(t, f, "rewrite text", "Rewrite: {input}")
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, "Rewrite: {input}", p.PromptText)

	rr := f.do(t, "POST", "/api/v1/lineages", dto.CreateLineageRequest{Task: "rewrite text", Generate: true})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	resp := decodeBody[dto.CreateLineageResponse](t, rr)
	assert.True(t, resp.Generated)
	assert.Equal(t, 1, resp.Prompt.Version)
}

func TestLineagesHandler_CreateValidation(t *testing.T) {
	f := newAPIFixture(t, "x")

	tests := []struct {
		name    string
		body    any
		wantMsg string
	}{
		{"malformed json", "{", "Invalid request body"},
		{"missing task", dto.CreateLineageRequest{PromptText: "p"}, "task is required"},
		{"missing prompt", dto.CreateLineageRequest{Task: "t"}, "prompt_text is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, "POST", "/api/v1/lineages", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, decodeBody[dto.ErrorResponse](t, rr).Message, tt.wantMsg)
		})
	}
}

func TestLineagesHandler_VersionsAndRollback(t *testing.T) {
	f := newAPIFixture(t, "x")
	p := createLineage(t, f, "classify", "Classify: {input}")
	base := "/api/v1/lineages/" + p.LineageID

	rr := f.do(t, "POST", base+"/versions", dto.RegisterVersionRequest{PromptText: "Label: {input}"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, 2, decodeBody[models.Prompt](t, rr).Version)

	rr = f.do(t, "POST", base+"/rollback", dto.RollbackRequest{Version: 1})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rolled := decodeBody[models.Prompt](t, rr)
	assert.Equal(t, 3, rolled.Version)
	assert.Equal(t, "Classify: {input}", rolled.PromptText)

	rr = f.do(t, "POST", base+"/rollback", dto.RollbackRequest{Version: 9})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, "POST", base+"/rollback", dto.RollbackRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, "GET", base, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	lineage := decodeBody[dto.LineageResponse](t, rr)
	assert.Equal(t, "classify", lineage.Lineage.TaskDescription)
	assert.Equal(t, 3, lineage.Latest)
	require.Len(t, lineage.Versions, 3)

	rr = f.do(t, "GET", base+"/versions/2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Label: {input}", decodeBody[models.Prompt](t, rr).PromptText)

	rr = f.do(t, "GET", base+"/versions/zero", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, "GET", base+"/diff?from=1&to=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	diff := decodeBody[models.VersionDiff](t, rr)
	assert.Equal(t, []string{"Label: {input}"}, diff.Added)
}

func TestLineagesHandler_Examples(t *testing.T) {
	f := newAPIFixture(t, "x")
	p := createLineage(t, f, "spell numbers", "Spell: {input}")
	base := "/api/v1/lineages/" + p.LineageID

	rr := f.do(t, "POST", base+"/examples", `[{"input":"1","output":"one"}]`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, decodeBody[dto.ExamplesAddedResponse](t, rr).Version)

	rr = f.do(t, "POST", base+"/examples", `[{"input":"2","output":"two"},{"input":"3"}]`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	errResp := decodeBody[dto.ErrorResponse](t, rr)
	assert.Equal(t, "schema_error", errResp.Error)
	require.NotNil(t, errResp.Index)
	assert.Equal(t, 1, *errResp.Index)

	rr = f.do(t, "POST", base+"/corrections", dto.CorrectionRequest{
		Input: "4", BadOutput: "for", DesiredOutput: "four", Critique: "homophone",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "Bad output was: 'for'. homophone", decodeBody[dto.CorrectionResponse](t, rr).Example.Critique)

	latest, err := f.versions.GetLatest(t.Context(), p.LineageID)
	require.NoError(t, err)
	assert.Len(t, latest.TrainingData, 2)
}

func TestLineagesHandler_NotFound(t *testing.T) {
	f := newAPIFixture(t, "x")

	for _, path := range []string{"/api/v1/lineages/lin_missing", "/api/v1/lineages/lin_missing/export"} {
		rr := f.do(t, "GET", path, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
		assert.Equal(t, "not_found", decodeBody[dto.ErrorResponse](t, rr).Error)
	}

	rr := f.do(t, "DELETE", "/api/v1/lineages/lin_missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLineagesHandler_ListStatsDelete(t *testing.T) {
	f := newAPIFixture(t, "x")
	a := createLineage(t, f, "task a", "A {input}")
	createLineage(t, f, "task b", "B {input}")

	rr := f.do(t, "GET", "/api/v1/lineages?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[dto.LineageListResponse](t, rr)
	assert.Equal(t, 2, list.Count)
	assert.Equal(t, 10, list.Limit)

	rr = f.do(t, "GET", "/api/v1/lineages?limit=100000", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, "GET", "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, decodeBody[models.LineageStats](t, rr).TotalLineages)

	rr = f.do(t, "DELETE", "/api/v1/lineages/"+a.LineageID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, "GET", "/api/v1/lineages/"+a.LineageID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLineagesHandler_ExportImportMsgpack(t *testing.T) {
	f := newAPIFixture(t, "x")
	p := createLineage(t, f, "summarize", "Summarize: {input}")

	req := httptest.NewRequest("GET", "/api/v1/lineages/"+p.LineageID+"/export", nil)
	req.Header.Set("Accept", encoding.ContentTypeMsgpack)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, encoding.ContentTypeMsgpack, rr.Header().Get("Content-Type"))

	req = httptest.NewRequest("POST", "/api/v1/lineages/import", bytes.NewReader(rr.Body.Bytes()))
	req.Header.Set("Content-Type", encoding.ContentTypeMsgpack)
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	imported := decodeBody[models.Prompt](t, rr)
	assert.NotEqual(t, p.LineageID, imported.LineageID)
	assert.Equal(t, models.SourceImport, imported.Metadata.Source)

	rr = f.do(t, "POST", "/api/v1/lineages/import", "not a bundle")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
