package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/longregen/promptlab/internal/adapters/http/dto"
	"github.com/longregen/promptlab/internal/ports"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
	wsWriteWait    = 10 * time.Second
)

type OptimizationsHandler struct {
	upgrader  websocket.Upgrader
	optimizer ports.Optimizer
}

func NewOptimizationsHandler(optimizer ports.Optimizer, allowedOrigins []string) *OptimizationsHandler {
	allowedOriginsMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedOriginsMap[origin] = true
	}

	return &OptimizationsHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return allowedOriginsMap[origin] || allowedOriginsMap["*"]
			},
		},
		optimizer: optimizer,
	}
}

// Create handles POST /lineages/{id}/optimizations. The run continues in
// the background; the response carries the request in its idle state.
// The body is optional.
func (h *OptimizationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	lineageID, ok := validateURLParam(r, w, "id", "Lineage ID")
	if !ok {
		return
	}
	var feedback string
	if r.ContentLength != 0 {
		req, ok := decodeJSON[dto.OptimizeRequest](r, w)
		if !ok {
			return
		}
		feedback = req.Feedback
	}

	optReq, err := h.optimizer.RequestOptimization(r.Context(), lineageID, feedback)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/optimizations/"+optReq.ID)
	respondJSON(w, optReq, http.StatusAccepted)
}

// Get handles GET /optimizations/{id}
func (h *OptimizationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Optimization ID")
	if !ok {
		return
	}
	optReq, err := h.optimizer.GetRequest(id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, optReq, http.StatusOK)
}

// Stream handles GET /optimizations/{id}/ws. Every state change is sent as
// a JSON text frame; the socket is closed after the completed event.
func (h *OptimizationsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Optimization ID")
	if !ok {
		return
	}
	if _, err := h.optimizer.GetRequest(id); err != nil {
		respondDomainError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket connection: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.optimizer.Subscribe(id)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		readPump(conn)
		cancel()
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "optimization finished"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				log.Printf("Failed to write optimization event for %s: %v", id, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}
	}
}
