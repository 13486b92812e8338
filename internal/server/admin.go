package server

import (
	"fmt"
	"net/http"

	"graze/internal/apperr"
	"graze/internal/model"
)

func (s *Server) handleAdminInstances(w *response, r *http.Request, _ *model.User) error {
	instances, err := s.orch.Registry().Instances(r.Context())
	if err != nil {
		return err
	}
	return w.JSON(map[string]any{
		"count":     len(instances),
		"instances": instances,
	})
}

// handleAdminResources reports the cluster-wide resource registry plus
// the local orchestrator's view, full scope.
func (s *Server) handleAdminResources(w *response, r *http.Request, _ *model.User) error {
	registered, err := s.orch.Registry().RegisteredIngesters(r.Context())
	if err != nil {
		return err
	}

	local := make(map[string]any)
	for _, ing := range s.orch.Resources() {
		entry := ing.SchemaMap(model.ScopeAll)
		entry["id"] = ing.ID()
		if !ing.LastIngested.IsZero() {
			entry["last_ingested"] = ing.LastIngested.UTC()
		}
		local[ing.Name] = entry
	}

	return w.JSON(map[string]any{
		"registered": registered,
		"local":      local,
	})
}

func (s *Server) handleAdminGetUser(w *response, r *http.Request, _ *model.User) error {
	uid := r.PathValue("uid")
	target, err := s.orch.Users().GetUser(r.Context(), uid)
	if err != nil {
		return err
	}
	return w.JSON(target)
}

var validStatuses = map[model.UserStatus]bool{
	model.StatusAnonymous: true,
	model.StatusPublic:    true,
	model.StatusAdmin:     true,
	model.StatusBanned:    true,
}

// handleAdminUpdateUser patches a user's status and caps. Counters and
// session fields are not writable here.
func (s *Server) handleAdminUpdateUser(w *response, r *http.Request, _ *model.User) error {
	uid := r.PathValue("uid")
	target, err := s.orch.Users().GetUser(r.Context(), uid)
	if err != nil {
		return err
	}

	var req struct {
		Status *model.UserStatus `json:"status"`
		Caps   *model.LimitCaps  `json:"caps"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}

	if req.Status != nil {
		if !validStatuses[*req.Status] {
			return fmt.Errorf("%w: unknown status %q", apperr.ErrUser, *req.Status)
		}
		target.Status = *req.Status
	}
	if req.Caps != nil {
		target.Caps = *req.Caps
	}
	target.UpdatedAt = s.now().UTC()

	if err := s.orch.Users().SaveUser(r.Context(), target); err != nil {
		return err
	}
	return w.JSON(target)
}
