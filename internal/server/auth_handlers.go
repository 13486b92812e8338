package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"graze/internal/apperr"
	"graze/internal/auth"
	"graze/internal/model"
)

func decodeBody(r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("%w: malformed request body", apperr.ErrUser)
	}
	return nil
}

func (s *Server) handleAuthChallenge(w *response, r *http.Request) error {
	var req struct {
		Method    string `json:"method"`
		ClientUID string `json:"client_uid"`
		Address   string `json:"address"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Method == "" {
		return fmt.Errorf("%w: method required", apperr.ErrUser)
	}

	ch, err := s.auth.CreateChallenge(r.Context(), req.Method, req.ClientUID, req.Address)
	if err != nil {
		return err
	}
	return w.JSON(ch)
}

func (s *Server) handleAuthVerify(w *response, r *http.Request) error {
	var req struct {
		ChallengeID string `json:"challenge_id"`
		Token       string `json:"token"`
		Address     string `json:"address"`
		Signature   string `json:"signature"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.ChallengeID == "" {
		return fmt.Errorf("%w: challenge_id required", apperr.ErrUser)
	}

	user, token, err := s.auth.Authenticate(r.Context(), req.ChallengeID, auth.Credentials{
		Token:     req.Token,
		Address:   req.Address,
		Signature: req.Signature,
	})
	if err != nil {
		return err
	}
	return w.JSON(loginResponse(user, token))
}

// handleAuthLogin is the static-token shortcut: challenge creation and
// verification collapsed into one call.
func (s *Server) handleAuthLogin(w *response, r *http.Request) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Token == "" {
		return fmt.Errorf("%w: token required", apperr.ErrUser)
	}

	ch, err := s.auth.CreateChallenge(r.Context(), "static", "", "")
	if err != nil {
		return err
	}
	user, token, err := s.auth.Authenticate(r.Context(), ch.ID, auth.Credentials{Token: req.Token})
	if err != nil {
		return err
	}
	return w.JSON(loginResponse(user, token))
}

func (s *Server) handleAuthLogout(w *response, r *http.Request) error {
	user := s.auth.Principal(r.Context(), bearerToken(r), clientIP(r))
	if user.Status == model.StatusAnonymous || user.SessionToken == "" {
		return fmt.Errorf("%w: no active session", apperr.ErrAuth)
	}

	user.SessionToken = ""
	user.SessionExpiry = s.now().UTC()
	user.UpdatedAt = s.now().UTC()
	if err := s.orch.Users().SaveUser(r.Context(), user); err != nil {
		return err
	}
	return w.JSON(map[string]any{"uid": user.UID, "logged_out": true})
}

func loginResponse(user *model.User, token string) map[string]any {
	return map[string]any{
		"token":   token,
		"expires": user.SessionExpiry,
		"user": map[string]any{
			"uid":     user.UID,
			"status":  user.Status,
			"address": user.Address,
			"caps":    user.Caps,
		},
	}
}
