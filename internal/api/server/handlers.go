package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lanmesh/lanmesh/internal/mesh"
)

// statsResponse summarizes the node's mesh state.
type statsResponse struct {
	LocalIP         string `json:"local_ip"`
	KnownDevices    int    `json:"known_devices"`
	ConnectedPeers  int    `json:"connected_peers"`
	InboundClients  int    `json:"inbound_clients"`
	PendingRequests int    `json:"pending_requests"`
}

// sendRequestBody is the payload for POST /api/v1/request.
type sendRequestBody struct {
	TargetIP string          `json:"target_ip"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// broadcastBody is the payload for POST /api/v1/broadcast.
type broadcastBody struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, statsResponse{
		LocalIP:         a.coordinator.LocalIP(),
		KnownDevices:    a.coordinator.KnownDeviceCount(),
		ConnectedPeers:  a.coordinator.ConnectedPeerCount(),
		InboundClients:  a.coordinator.InboundClientCount(),
		PendingRequests: a.coordinator.PendingRequestCount(),
	})
}

func (a *API) handleDevices(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": a.coordinator.DiscoveredDevices(),
	})
}

func (a *API) handleConnections(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": a.coordinator.ConnectedDevices(),
	})
}

func (a *API) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	var body sendRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.TargetIP == "" || body.Action == "" {
		a.writeError(w, http.StatusBadRequest, "target_ip and action are required")
		return
	}

	data, err := a.coordinator.SendRequest(r.Context(), body.TargetIP, body.Action, body.Payload)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, mesh.ErrUnknownDevice):
			status = http.StatusNotFound
		case errors.Is(err, mesh.ErrRequestTimeout):
			status = http.StatusGatewayTimeout
		}
		a.writeError(w, status, err.Error())
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"target_ip": body.TargetIP,
		"data":      data,
	})
}

func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body broadcastBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Action == "" {
		a.writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	results := a.coordinator.BroadcastRequest(r.Context(), body.Action, body.Payload)
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
	})
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if ip == "" {
		a.writeError(w, http.StatusBadRequest, "ip is required")
		return
	}

	a.coordinator.DisconnectDevice(ip)
	a.writeJSON(w, http.StatusOK, map[string]string{"disconnected": ip})
}
