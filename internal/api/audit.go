package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-plugs/internal/audit"
	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
)

// handleListAudit returns paginated audit entries, newest first.
//
// Query parameters:
//   - action: filter by action (power, metadata_update, discover, ...)
//   - address: filter by plug, in any accepted address form
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{Action: q.Get("action")}

	if v := q.Get("address"); v != "" {
		addr, err := plug.ParseAddress(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		filter.Address = addr.Compact()
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
