package call

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/silviot/voicecall/pkg/device"
)

// DeviceLister enumerates audio hardware. *device.AudioDevice implements it.
type DeviceLister interface {
	Devices() ([]device.Info, error)
}

// DeviceResponse is one entry of GET /api/v1/devices.
type DeviceResponse struct {
	Index             int    `json:"index"`
	Name              string `json:"name"`
	MaxInputChannels  int    `json:"maxInputChannels"`
	MaxOutputChannels int    `json:"maxOutputChannels"`
	DefaultSampleRate int    `json:"defaultSampleRate"`
	IsDefault         bool   `json:"isDefault"`
}

// RegisterRoutes mounts the call control API on mux.
func (m *Manager) RegisterRoutes(mux *http.ServeMux, devices DeviceLister) {
	mux.HandleFunc("GET /api/v1/calls", m.HandleListCalls)
	mux.HandleFunc("GET /api/v1/calls/{peerID}", m.HandleGetCall)
	mux.HandleFunc("POST /api/v1/calls/{peerID}", m.HandlePlaceCall)
	mux.HandleFunc("POST /api/v1/calls/{peerID}/accept", m.HandleAcceptCall)
	mux.HandleFunc("POST /api/v1/calls/{peerID}/reject", m.HandleRejectCall)
	mux.HandleFunc("DELETE /api/v1/calls/{peerID}", m.HandleEndCall)
	if devices != nil {
		mux.HandleFunc("GET /api/v1/devices", HandleListDevices(devices))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps call errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrNoCall):
		return http.StatusNotFound
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// HandleListCalls handles GET /api/v1/calls
func (m *Manager) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"calls": m.Calls(),
	})
}

// HandleGetCall handles GET /api/v1/calls/{peerID}
func (m *Manager) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	info, ok := m.Call(r.PathValue("peerID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrNoCall.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandlePlaceCall handles POST /api/v1/calls/{peerID}
func (m *Manager) HandlePlaceCall(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peerID")
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "peerID required")
		return
	}

	info, err := m.StartOutgoingCall(r.Context(), peerID)
	if err != nil {
		m.logger.Error("failed to place call", "peerID", peerID, "error", err)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// HandleAcceptCall handles POST /api/v1/calls/{peerID}/accept
func (m *Manager) HandleAcceptCall(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peerID")
	info, err := m.AcceptCall(r.Context(), peerID)
	if err != nil {
		m.logger.Error("failed to accept call", "peerID", peerID, "error", err)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleRejectCall handles POST /api/v1/calls/{peerID}/reject
func (m *Manager) HandleRejectCall(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peerID")
	if err := m.RejectCall(r.Context(), peerID); err != nil {
		m.logger.Error("failed to reject call", "peerID", peerID, "error", err)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "rejected",
		"peerId": peerID,
	})
}

// HandleEndCall handles DELETE /api/v1/calls/{peerID}
func (m *Manager) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peerID")
	if err := m.EndCall(r.Context(), peerID); err != nil {
		m.logger.Error("failed to end call", "peerID", peerID, "error", err)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ended",
		"peerId": peerID,
	})
}

// HandleListDevices handles GET /api/v1/devices
func HandleListDevices(devices DeviceLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := devices.Devices()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]DeviceResponse, len(infos))
		for i, d := range infos {
			out[i] = DeviceResponse{
				Index:             d.Index,
				Name:              d.Name,
				MaxInputChannels:  d.MaxInputChannels,
				MaxOutputChannels: d.MaxOutputChannels,
				DefaultSampleRate: d.DefaultSampleRate,
				IsDefault:         d.IsDefault,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": out})
	}
}
