package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"cardio2e-bridge/internal/panel"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write json response", "err", err)
	}
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":     s.version,
		"session":     s.panel.SessionState(),
		"diagnostics": s.panel.Diagnostics(),
	})
}

func (s *Server) handleAPIListAll(w http.ResponseWriter, r *http.Request) {
	out := make(map[panel.Class][]panel.Entity)
	for _, class := range s.panel.Cache().Classes() {
		out[class] = s.panel.Cache().List(class)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func parseClass(v string) (panel.Class, bool) {
	switch panel.Class(v) {
	case panel.ClassLight, panel.ClassSwitch, panel.ClassCover,
		panel.ClassHVAC, panel.ClassZone, panel.ClassAlarm:
		return panel.Class(v), true
	}
	return "", false
}

func (s *Server) handleAPIListClass(w http.ResponseWriter, r *http.Request) {
	class, ok := parseClass(r.PathValue("class"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown entity class"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.panel.Cache().List(class))
}

func (s *Server) handleAPIGetEntity(w http.ResponseWriter, r *http.Request) {
	class, ok := parseClass(r.PathValue("class"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown entity class"})
		return
	}
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid entity id"})
		return
	}
	e, found := s.panel.Cache().Get(class, id)
	if !found {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "entity not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

// commandRequest is the generic command body. Which fields matter depends on
// the entity class and action.
type commandRequest struct {
	Action   string  `json:"action"`             // on, off, level, position, stop, mode, fan, arm, disarm, bypass
	Level    *int    `json:"level,omitempty"`    // lights
	Position *int    `json:"position,omitempty"` // covers
	Mode     string  `json:"mode,omitempty"`     // hvac
	On       *bool   `json:"on,omitempty"`       // hvac fan, zone bypass
	Code     string  `json:"code,omitempty"`     // alarm
	Heat     float64 `json:"heat,omitempty"`     // hvac setpoints
	Cool     float64 `json:"cool,omitempty"`
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	class, ok := parseClass(r.PathValue("class"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown entity class"})
		return
	}
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid entity id"})
		return
	}

	var req commandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	d := s.panel.Dispatch()
	ctx := r.Context()
	var out panel.Outcome

	switch class {
	case panel.ClassLight:
		switch req.Action {
		case "on":
			out = d.SetLight(ctx, id, 100)
		case "off":
			out = d.SetLight(ctx, id, 0)
		case "level":
			if req.Level == nil {
				s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "level required"})
				return
			}
			out = d.SetLight(ctx, id, *req.Level)
		default:
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown light action"})
			return
		}
	case panel.ClassSwitch:
		switch req.Action {
		case "on":
			out = d.SetSwitch(ctx, id, true)
		case "off":
			out = d.SetSwitch(ctx, id, false)
		default:
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown switch action"})
			return
		}
	case panel.ClassCover:
		switch req.Action {
		case "position":
			if req.Position == nil {
				s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "position required"})
				return
			}
			out = d.SetCoverPosition(ctx, id, *req.Position)
		case "stop":
			out = d.StopCover(ctx, id)
		default:
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown cover action"})
			return
		}
	case panel.ClassHVAC:
		switch req.Action {
		case "mode":
			out = d.SetHVACMode(ctx, id, req.Mode)
		case "fan":
			if req.On == nil {
				s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "on required"})
				return
			}
			out = d.SetHVACFan(ctx, id, *req.On)
		case "setpoints":
			out = d.SetHVACSetpoints(ctx, id, req.Heat, req.Cool)
		default:
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown hvac action"})
			return
		}
	case panel.ClassAlarm:
		switch req.Action {
		case "arm":
			out = d.Arm(ctx, req.Code)
		case "disarm":
			out = d.Disarm(ctx, req.Code)
		default:
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown alarm action"})
			return
		}
	case panel.ClassZone:
		switch req.Action {
		case "bypass":
			if req.On == nil {
				s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "on required"})
				return
			}
			out = d.BypassZones(ctx, map[int]bool{id: *req.On})
		default:
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown zone action"})
			return
		}
	}

	s.panel.NoteCommand("api " + string(class) + "/" + r.PathValue("id") + " " + req.Action)

	status := http.StatusOK
	if !out.OK() {
		status = http.StatusBadGateway
		if out.Status == panel.StatusRejected {
			status = http.StatusConflict
		}
	}
	resp := map[string]any{"status": out.Status.String(), "reason": out.Reason.String()}
	if out.Err != nil {
		resp["error"] = out.Err.Error()
	}
	s.writeJSON(w, status, resp)
}
