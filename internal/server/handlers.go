package server

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"graze/internal/apperr"
	"graze/internal/model"
)

const defaultHistoryWindow = 24 * time.Hour

func (s *Server) handlePing(w *response, _ *http.Request, _ *model.User) error {
	return w.JSON(map[string]any{"status": "ok", "ts": s.now().UTC()})
}

func (s *Server) handleInfo(w *response, r *http.Request, user *model.User) error {
	instances, err := s.orch.Registry().Instances(r.Context())
	if err != nil {
		return err
	}
	info := map[string]any{
		"engine":    s.cfg.Engine,
		"version":   s.cfg.Version,
		"instance":  s.orch.Instance(),
		"resources": len(s.orch.Resources()),
		"clients":   s.hub.ClientCount(),
	}
	if user.IsAdmin() {
		info["instances"] = instances
	} else {
		info["instances"] = len(instances)
	}
	return w.JSON(info)
}

// resolveResources expands the {resources} path segment into ingesters,
// applying the protection gate: non-admins never see protected or
// internal resources. Explicitly naming one they cannot see is an
// error; omitting the segment lists whatever they may see.
func (s *Server) resolveResources(r *http.Request, user *model.User) ([]*model.Ingester, error) {
	seg := r.PathValue("resources")
	if seg == "" {
		var out []*model.Ingester
		for _, ing := range s.orch.Resources() {
			if visible(ing, user) {
				out = append(out, ing)
			}
		}
		return out, nil
	}

	names := strings.Split(seg, ",")
	out := make([]*model.Ingester, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		ing := s.orch.Resource(name)
		if ing == nil {
			return nil, fmt.Errorf("%w: resource %q", apperr.ErrNotFound, name)
		}
		if !visible(ing, user) {
			return nil, fmt.Errorf("%w: resource %q is protected", apperr.ErrForbidden, name)
		}
		out = append(out, ing)
	}
	return out, nil
}

func visible(ing *model.Ingester, user *model.User) bool {
	if user.IsAdmin() {
		return true
	}
	if ing.Protected {
		return false
	}
	return !strings.HasPrefix(ing.Name, "sys.") && !strings.HasPrefix(ing.Name, "admin.")
}

func (s *Server) handleSchema(w *response, r *http.Request, user *model.User) error {
	ingesters, err := s.resolveResources(r, user)
	if err != nil {
		return err
	}

	q := r.URL.Query()
	scope := model.ScopeFromNames(map[string]bool{
		"transient":    q.Get("transient") == "true",
		"target":       q.Get("target") == "true",
		"selector":     q.Get("selector") == "true",
		"transformers": q.Get("transformers") == "true",
	})
	if !user.IsAdmin() {
		// Selectors and transformers reveal upstream wiring.
		scope &= model.ScopeDefault
		if scope == 0 {
			scope = model.ScopeDefault
		}
	}

	out := make(map[string]any, len(ingesters))
	for _, ing := range ingesters {
		out[ing.Name] = ing.SchemaMap(scope)
	}
	return w.JSON(out)
}

func (s *Server) handleLast(w *response, r *http.Request, user *model.User) error {
	ingesters, err := s.resolveResources(r, user)
	if err != nil {
		return err
	}
	names := make([]string, len(ingesters))
	for i, ing := range ingesters {
		names[i] = ing.Name
	}

	snapshots, err := s.orch.Registry().SnapshotBatch(r.Context(), names)
	if err != nil {
		return err
	}

	if quote := r.URL.Query().Get("quote"); quote != "" {
		rate, err := s.snapshotValue(r, user, quote)
		if err != nil {
			return err
		}
		for _, snap := range snapshots {
			requoteSnapshot(snap, rate)
		}
	}

	for name, snap := range snapshots {
		snapshots[name] = filterSnapshot(snap, user)
	}
	return w.JSON(snapshots)
}

// requoteSnapshot divides every plain numeric field by the quote rate.
// Timestamps, identifiers and underscored fields are left alone.
func requoteSnapshot(snap map[string]any, rate float64) {
	for k, v := range snap {
		if k == model.TimestampField || k == model.UIDField || k == "date" ||
			strings.HasPrefix(k, "_") {
			continue
		}
		if f, ok := toFloat(v); ok {
			snap[k] = f / rate
		}
	}
}

// filterSnapshot strips the keys hidden from non-admin principals.
func filterSnapshot(snap map[string]any, user *model.User) map[string]any {
	if user.IsAdmin() {
		return snap
	}
	out := make(map[string]any, len(snap))
	for k, v := range snap {
		if strings.HasPrefix(k, "_") || strings.HasSuffix(k, "_protected") {
			continue
		}
		switch k {
		case "admin", "internal", "system":
			continue
		}
		out[k] = v
	}
	return out
}

func (s *Server) handleHistory(w *response, r *http.Request, user *model.User) error {
	ingesters, err := s.resolveResources(r, user)
	if err != nil {
		return err
	}
	if len(ingesters) == 0 {
		return fmt.Errorf("%w: no resources", apperr.ErrNotFound)
	}

	q := r.URL.Query()
	to, err := parseTime(q.Get("to"))
	if err != nil {
		return fmt.Errorf("%w: bad to parameter", apperr.ErrUser)
	}
	if to.IsZero() {
		to = s.now().UTC()
	}
	from, err := parseTime(q.Get("from"))
	if err != nil {
		return fmt.Errorf("%w: bad from parameter", apperr.ErrUser)
	}
	if from.IsZero() {
		from = to.Add(-defaultHistoryWindow)
	}
	if !from.Before(to) {
		return fmt.Errorf("%w: from must precede to", apperr.ErrUser)
	}

	interval := ingesters[0].Interval
	if iv := q.Get("interval"); iv != "" {
		interval = model.Interval(iv)
		if !interval.Valid() {
			return fmt.Errorf("%w: unknown interval %q", apperr.ErrUser, iv)
		}
	}

	var fields []string
	if fs := q.Get("fields"); fs != "" {
		fields = strings.Split(fs, ",")
	}

	var (
		columns []string
		rows    [][]any
	)
	if len(ingesters) == 1 {
		columns, rows, err = s.orch.Store().Fetch(
			r.Context(), ingesters[0].Name, from, to, interval, fields, false)
	} else {
		tables := make([]string, len(ingesters))
		for i, ing := range ingesters {
			tables[i] = ing.Name
		}
		columns, rows, err = s.orch.Store().FetchBatch(
			r.Context(), tables, from, to, interval, fields)
	}
	if err != nil {
		return err
	}

	body, contentType, err := FormatTable(Table{Columns: columns, Rows: rows}, q.Get("format"))
	if err != nil {
		return err
	}
	w.SetContentType(contentType)
	_, err = w.Write(body)
	return err
}

// parsePair splits "BASE-QUOTE" where each side is Resource[.field],
// the field defaulting to "usd".
func parsePair(pair string) (baseRes, baseField, quoteRes, quoteField string, err error) {
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", "", fmt.Errorf("%w: pair must be BASE-QUOTE", apperr.ErrUser)
	}
	split := func(s string) (string, string) {
		if i := strings.IndexByte(s, '.'); i > 0 {
			return s[:i], s[i+1:]
		}
		return s, "usd"
	}
	baseRes, baseField = split(parts[0])
	quoteRes, quoteField = split(parts[1])
	return baseRes, baseField, quoteRes, quoteField, nil
}

// snapshotValue reads one numeric field ("Resource" or "Resource.field")
// from the registry snapshot, honoring the protection gate.
func (s *Server) snapshotValue(r *http.Request, user *model.User, ref string) (float64, error) {
	name, field := ref, "usd"
	if i := strings.IndexByte(ref, '.'); i > 0 {
		name, field = ref[:i], ref[i+1:]
	}
	ing := s.orch.Resource(name)
	if ing == nil {
		return 0, fmt.Errorf("%w: resource %q", apperr.ErrNotFound, name)
	}
	if !visible(ing, user) {
		return 0, fmt.Errorf("%w: resource %q is protected", apperr.ErrForbidden, name)
	}
	snap, err := s.orch.Registry().Snapshot(r.Context(), name)
	if err != nil {
		return 0, err
	}
	v, ok := snap[field]
	if !ok {
		return 0, fmt.Errorf("%w: field %q in resource %q", apperr.ErrNotFound, field, name)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: field %q is not numeric", apperr.ErrUser, field)
	}
	if f == 0 {
		return 0, fmt.Errorf("%w: field %q is zero", apperr.ErrUser, field)
	}
	return f, nil
}

// conversionRate computes base/quote from the two live snapshots.
func (s *Server) conversionRate(r *http.Request, user *model.User, pair string) (float64, error) {
	baseRes, baseField, quoteRes, quoteField, err := parsePair(pair)
	if err != nil {
		return 0, err
	}
	base, err := s.snapshotValue(r, user, baseRes+"."+baseField)
	if err != nil {
		return 0, err
	}
	quote, err := s.snapshotValue(r, user, quoteRes+"."+quoteField)
	if err != nil {
		return 0, err
	}
	return base / quote, nil
}

func (s *Server) handleConvert(w *response, r *http.Request, user *model.User) error {
	pair := r.PathValue("pair")
	rate, err := s.conversionRate(r, user, pair)
	if err != nil {
		return err
	}

	amount := 1.0
	if a := r.URL.Query().Get("amount"); a != "" {
		amount, err = strconv.ParseFloat(a, 64)
		if err != nil || amount < 0 {
			return fmt.Errorf("%w: bad amount", apperr.ErrUser)
		}
	}

	return w.JSON(map[string]any{
		"pair":      pair,
		"rate":      rate,
		"amount":    amount,
		"converted": amount * rate,
		"ts":        s.now().UTC(),
	})
}

func (s *Server) handlePegcheck(w *response, r *http.Request, user *model.User) error {
	pair := r.PathValue("pair")
	rate, err := s.conversionRate(r, user, pair)
	if err != nil {
		return err
	}

	tolerance := 0.01
	if t := r.URL.Query().Get("tolerance"); t != "" {
		tolerance, err = strconv.ParseFloat(t, 64)
		if err != nil || tolerance <= 0 || tolerance >= 1 {
			return fmt.Errorf("%w: tolerance must be in (0, 1)", apperr.ErrUser)
		}
	}

	deviation := math.Abs(rate - 1)
	return w.JSON(map[string]any{
		"pair":      pair,
		"rate":      rate,
		"deviation": deviation,
		"tolerance": tolerance,
		"pegged":    deviation <= tolerance,
		"ts":        s.now().UTC(),
	})
}

// handleAnalysis summarizes each resource's numeric columns over the
// last day at the resource's own interval.
func (s *Server) handleAnalysis(w *response, r *http.Request, user *model.User) error {
	ingesters, err := s.resolveResources(r, user)
	if err != nil {
		return err
	}

	to := s.now().UTC()
	from := to.Add(-defaultHistoryWindow)

	out := make(map[string]any, len(ingesters))
	for _, ing := range ingesters {
		if ing.ResourceType != model.ResourceTimeSeries && ing.ResourceType != model.ResourceSeries {
			continue
		}
		columns, rows, err := s.orch.Store().Fetch(
			r.Context(), ing.Name, from, to, ing.Interval, nil, false)
		if err != nil {
			return err
		}
		out[ing.Name] = summarize(columns, rows)
	}
	return w.JSON(map[string]any{
		"from":      from,
		"to":        to,
		"resources": out,
	})
}

type columnSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Last  float64 `json:"last"`
}

func summarize(columns []string, rows [][]any) map[string]columnSummary {
	out := make(map[string]columnSummary)
	for j, col := range columns {
		if col == model.TimestampField {
			continue
		}
		var (
			count int
			sum   float64
			min   = math.Inf(1)
			max   = math.Inf(-1)
			last  float64
		)
		for _, row := range rows {
			if j >= len(row) || row[j] == nil {
				continue
			}
			f, ok := toFloat(row[j])
			if !ok {
				continue
			}
			count++
			sum += f
			last = f
			if f < min {
				min = f
			}
			if f > max {
				max = f
			}
		}
		if count == 0 {
			continue
		}
		out[col] = columnSummary{
			Count: count,
			Min:   min,
			Max:   max,
			Mean:  sum / float64(count),
			Last:  last,
		}
	}
	return out
}

func (s *Server) handleLimits(w *response, r *http.Request, user *model.User) error {
	limits, err := s.lim.GetUserLimits(r.Context(), user)
	if err != nil {
		return err
	}
	return w.JSON(map[string]any{
		"uid":    user.UID,
		"status": user.Status,
		"limits": limits,
	})
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
