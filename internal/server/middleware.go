package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"graze/internal/apperr"
	"graze/internal/limiter"
	"graze/internal/model"
)

// response buffers a handler's output so the limiter can charge the
// actual byte size before anything reaches the wire.
type response struct {
	buf         bytes.Buffer
	contentType string
	status      int
}

func (w *response) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *response) SetContentType(ct string) { w.contentType = ct }

func (w *response) SetStatus(code int) { w.status = code }

func (w *response) Len() int64 { return int64(w.buf.Len()) }

// JSON encodes v into the buffer and marks the response as JSON.
func (w *response) JSON(v any) error {
	w.contentType = "application/json"
	enc := json.NewEncoder(&w.buf)
	return enc.Encode(v)
}

func (w *response) flush(hw http.ResponseWriter) {
	if w.contentType == "" {
		w.contentType = "application/json"
	}
	hw.Header().Set("Content-Type", w.contentType)
	if w.status == 0 {
		w.status = http.StatusOK
	}
	hw.WriteHeader(w.status)
	hw.Write(w.buf.Bytes()) //nolint:errcheck
}

type apiHandler func(w *response, r *http.Request, user *model.User) error

type openHandler func(w *response, r *http.Request) error

// api resolves the principal, runs the handler into a buffer, charges
// the limiter with the buffered size and only then flushes. A limiter
// rejection discards the buffered body.
func (s *Server) api(h apiHandler) http.HandlerFunc {
	return func(hw http.ResponseWriter, r *http.Request) {
		user := s.auth.Principal(r.Context(), bearerToken(r), clientIP(r))

		w := &response{}
		if err := h(w, r, user); err != nil {
			s.writeError(hw, r, err)
			return
		}

		status, err := s.lim.CheckAndIncrement(r.Context(), user, r.URL.Path, w.Len())
		if err != nil {
			s.writeError(hw, r, err)
			return
		}
		setLimitHeaders(hw, status)
		s.recordUsage(r.Context(), user, r.URL.Path, w.Len())
		w.flush(hw)
	}
}

// recordUsage folds the admitted request into the user's cumulative
// counters. Accounting must never fail a request.
func (s *Server) recordUsage(ctx context.Context, user *model.User, path string, responseBytes int64) {
	user.TotalRequests++
	user.TotalBytes += responseBytes
	user.TotalPoints += s.lim.RoutePoints(path)
	user.UpdatedAt = s.now().UTC()
	if err := s.orch.Users().SaveUser(ctx, user); err != nil {
		s.logger.Warn("usage accounting failed", "uid", user.UID, "error", err)
	}
}

// open skips principal resolution and the limiter; only the auth
// endpoints use it.
func (s *Server) open(h openHandler) http.HandlerFunc {
	return func(hw http.ResponseWriter, r *http.Request) {
		w := &response{}
		if err := h(w, r); err != nil {
			s.writeError(hw, r, err)
			return
		}
		w.flush(hw)
	}
}

func (s *Server) adminOnly(h apiHandler) apiHandler {
	return func(w *response, r *http.Request, user *model.User) error {
		if !user.IsAdmin() {
			return apperr.ErrForbidden
		}
		return h(w, r, user)
	}
}

// writeError maps the error taxonomy to HTTP statuses. Rate-limit
// rejections carry Retry-After; unclassified failures get a trace id
// so the log line can be found from the client report.
func (s *Server) writeError(hw http.ResponseWriter, r *http.Request, err error) {
	code := apperr.Status(err)
	body := map[string]any{"error": err.Error()}

	var rle *apperr.RateLimitError
	if errors.As(err, &rle) {
		seconds := int64(math.Ceil(rle.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		hw.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		body["metric"] = rle.Metric
		body["retry_after"] = seconds
	}

	if code >= http.StatusInternalServerError {
		traceID := uuid.NewString()
		body["error"] = "internal error"
		body["trace_id"] = traceID
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "trace_id", traceID, "error", err)
	} else {
		s.logger.Debug("request rejected",
			"method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}

	hw.Header().Set("Content-Type", "application/json")
	hw.WriteHeader(code)
	json.NewEncoder(hw).Encode(body) //nolint:errcheck
}

func setLimitHeaders(hw http.ResponseWriter, status *limiter.Status) {
	if status == nil {
		return
	}
	if status.Bypass {
		hw.Header().Set("X-RateLimit-Bypass", "true")
		return
	}
	for metric, left := range status.Remaining {
		hw.Header().Set("X-RateLimit-Remaining-"+strings.ToUpper(metric),
			strconv.FormatInt(left, 10))
	}
}

// bearerToken pulls the session token from the Authorization header,
// falling back to the token query parameter for browser clients.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

// clientIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseTime accepts RFC3339 or unix seconds.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, apperr.ErrUser
	}
	return t.UTC(), nil
}
