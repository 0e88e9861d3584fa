package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/longregen/promptlab/internal/adapters/http/dto"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimizationsHandler_CreateAndStream(t *testing.T) {
	f := newAPIFixture(t, "Answer concisely: {input}")
	p := createLineage(t, f, "answer questions", "Answer: {input}")

	rr := f.do(t, "POST", "/api/v1/lineages/"+p.LineageID+"/optimizations", dto.OptimizeRequest{Feedback: "be concise"})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	req := decodeBody[models.OptimizationRequest](t, rr)
	assert.Equal(t, "/api/v1/optimizations/"+req.ID, rr.Header().Get("Location"))
	assert.Equal(t, "be concise", req.Feedback)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/optimizations/" + req.ID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	var last models.OptimizationEvent
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var event models.OptimizationEvent
		if err := conn.ReadJSON(&event); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error: %v", err)
			break
		}
		assert.Equal(t, req.ID, event.RequestID)
		last = event
	}
	assert.Equal(t, "completed", last.Type)
	assert.Equal(t, models.OptimizationStateCommitted, last.State)
	assert.Equal(t, 2, last.Version)

	rr = f.do(t, "GET", "/api/v1/optimizations/"+req.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	final := decodeBody[models.OptimizationRequest](t, rr)
	assert.Equal(t, models.OptimizationStateCommitted, final.State)
	assert.Equal(t, models.StrategyDirectImprovement, final.SelectedStrategy)

	latest, err := f.versions.GetLatest(context.Background(), p.LineageID)
	require.NoError(t, err)
	assert.Equal(t, "Answer concisely: {input}", latest.PromptText)
}

func TestOptimizationsHandler_EmptyBody(t *testing.T) {
	f := newAPIFixture(t, "Answer: {input}")
	p := createLineage(t, f, "answer questions", "Answer: {input}")

	rr := f.do(t, "POST", "/api/v1/lineages/"+p.LineageID+"/optimizations", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	req := decodeBody[models.OptimizationRequest](t, rr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := f.optimizer.Wait(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OptimizationStateNoImprovement, final.State)
}

func TestOptimizationsHandler_Errors(t *testing.T) {
	f := newAPIFixture(t, "x")

	rr := f.do(t, "POST", "/api/v1/lineages/lin_missing/optimizations", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, "GET", "/api/v1/optimizations/opt_missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, "GET", "/api/v1/optimizations/opt_missing/ws", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	p := createLineage(t, f, "answer", "A {input}")
	rr = f.do(t, "POST", "/api/v1/lineages/"+p.LineageID+"/optimizations", dto.OptimizeRequest{Feedback: strings.Repeat("x", 6000)})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOptimizationsHandler_RejectsForeignOrigin(t *testing.T) {
	f := newAPIFixture(t, "Answer: {input}")
	p := createLineage(t, f, "answer", "Answer: {input}")
	req, err := f.optimizer.RequestOptimization(context.Background(), p.LineageID, "")
	require.NoError(t, err)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/optimizations/" + req.ID + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
