// ABOUTME: Non-realtime HTTP endpoints: admin broadcast publishing and health.
// ABOUTME: External publishers inject envelopes onto the broadcast channel here.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/2389/pulse-gateway/internal/broker"
	"github.com/2389/pulse-gateway/internal/wire"
)

// publishResponse acknowledges an accepted admin publish.
type publishResponse struct {
	Status string `json:"status"`
	Target string `json:"target"`
}

// handlePublish accepts {"target":..., "payload":...} and publishes it
// verbatim to the broadcast channel. The target is validated here so
// malformed envelopes are rejected at the boundary instead of being
// dropped later by the relay bridge.
func (g *Gateway) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	env, err := wire.DecodeEnvelope(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid envelope: "+err.Error())
		return
	}
	if len(env.Payload) == 0 {
		writeJSONError(w, http.StatusBadRequest, "payload is required")
		return
	}

	data, err := env.Encode()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encoding envelope")
		return
	}

	if err := g.broker.Publish(r.Context(), g.config.Channels.Broadcast, data); err != nil {
		g.logger.Error("admin publish failed", "target", env.Target.String(), "error", err)
		if errors.Is(err, broker.ErrUnavailable) {
			writeJSONError(w, http.StatusServiceUnavailable, "broker unavailable")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(publishResponse{
		Status: "published",
		Target: env.Target.String(),
	})
}

// handleHealth reports liveness, including broker connectivity.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := g.broker.Ping(r.Context()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "broker unreachable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
