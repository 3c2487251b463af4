package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
	"github.com/nerrad567/gray-logic-plugs/internal/schedule"
)

// powerRequest is the body of PUT /devices/{address}/power.
// Exactly one of On or Toggle must be set.
type powerRequest struct {
	On     *bool `json:"on"`
	Toggle bool  `json:"toggle"`
}

// scheduleRequest is the body of PUT /devices/{address}/schedule.
// Omitted fields keep their stored value; an empty time string clears it.
type scheduleRequest struct {
	Name            *string `json:"name"`
	ScheduleEnabled *bool   `json:"schedule_enabled"`
	OnTime          *string `json:"on_time"`
	OffTime         *string `json:"off_time"`
}

// addressParam parses the {address} URL parameter, writing a 400 on failure.
func addressParam(w http.ResponseWriter, r *http.Request) (plug.Address, bool) {
	addr, err := plug.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return 0, false
	}
	return addr, true
}

// handleListDevices returns every discovered or configured plug.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.svc.Devices()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single plug.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}

	view, err := s.svc.Device(addr)
	if err != nil {
		writeServiceError(w, err, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleSetPower switches a plug. The command is sent in the background,
// so a successful response means accepted rather than applied.
func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}

	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if (req.On == nil) == !req.Toggle {
		writeBadRequest(w, `exactly one of "on" or "toggle" is required`)
		return
	}

	var err error
	var res any
	if req.Toggle {
		res, err = s.svc.Toggle(r.Context(), addr)
	} else {
		res, err = s.svc.SetPower(r.Context(), addr, *req.On)
	}
	if err != nil {
		writeServiceError(w, err, "failed to send command")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// handleUpdateSchedule edits a plug's name and schedule. A record is
// created for plugs that have none yet.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	onTime, err := parseOptionalTime(req.OnTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "on_time: "+err.Error())
		return
	}
	offTime, err := parseOptionalTime(req.OffTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "off_time: "+err.Error())
		return
	}

	_, err = s.svc.UpdateMetadata(r.Context(), addr, func(m *schedule.Metadata) {
		if req.Name != nil {
			m.Name = *req.Name
		}
		if req.ScheduleEnabled != nil {
			m.ScheduleEnabled = *req.ScheduleEnabled
		}
		if req.OnTime != nil {
			m.OnTime = onTime
		}
		if req.OffTime != nil {
			m.OffTime = offTime
		}
	})
	if err != nil {
		writeServiceError(w, err, "failed to update schedule")
		return
	}

	view, err := s.svc.Device(addr)
	if err != nil {
		writeServiceError(w, err, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleDeleteSchedule removes a plug's stored name and schedule.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}

	if err := s.svc.DeleteMetadata(r.Context(), addr); err != nil {
		writeServiceError(w, err, "failed to delete schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDiscover broadcasts a discovery request.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Rediscover(r.Context()); err != nil {
		s.logger.Warn("discovery request failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "discovery broadcast failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "discovery_sent"})
}

// handleClearOverrides drops every manual override.
func (s *Server) handleClearOverrides(w http.ResponseWriter, r *http.Request) {
	s.svc.ClearOverrides(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// parseOptionalTime parses an "HH:MM" field. Nil and "" both yield nil.
func parseOptionalTime(s *string) (*schedule.TimeOfDay, error) {
	if s == nil || *s == "" {
		return nil, nil //nolint:nilnil // Absent time is not an error
	}
	t, err := schedule.ParseTimeOfDay(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
