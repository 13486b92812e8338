package ingester

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/theory/jsonpath"
	"golang.org/x/sync/errgroup"

	"graze/internal/apperr"
	"graze/internal/logging"
	"graze/internal/model"
	"graze/internal/transform/eval"
)

const maxResponseBytes = 16 << 20

var (
	clientOnce   sync.Once
	sharedClient *http.Client
)

// httpDoer lets tests inject a client; production bodies share one
// pooled client across all HTTP ingesters.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// client returns the process-wide pooled HTTP client.
func client() *http.Client {
	clientOnce.Do(func() {
		sharedClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				MaxIdleConns:        512,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	})
	return sharedClient
}

var urlFieldRe = regexp.MustCompile(`\{(\w+)\}`)

type httpAPI struct {
	client    httpDoer
	selectors map[string]*jsonpath.Path
	logger    *slog.Logger
}

// newHTTPAPI compiles per-field selectors and returns a body that polls
// each distinct target once per tick.
func newHTTPAPI(deps Deps, ing *model.Ingester) (Body, error) {
	h := &httpAPI{
		client:    client(),
		selectors: make(map[string]*jsonpath.Path),
		logger:    logging.Default(deps.Logger).With("component", "ingester", "type", "http_api"),
	}
	for i := range ing.Fields {
		f := &ing.Fields[i]
		if f.Target == "" || f.Selector == "" {
			continue
		}
		p, err := compileSelector(f.Selector)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", apperr.ErrConfig, ing.Name, f.Name, err)
		}
		h.selectors[f.Name] = p
	}
	return h.run, nil
}

func (h *httpAPI) run(ctx context.Context, ing *model.Ingester) error {
	// Resolve each field's URL, then fetch every distinct URL once.
	urls := make(map[string]string)   // field name -> url
	docs := make(map[string]any)      // url -> decoded body
	order := make([]string, 0, 4)     // distinct urls
	seen := make(map[string]struct{}) // dedupe

	for i := range ing.Fields {
		f := &ing.Fields[i]
		if f.Target == "" {
			continue
		}
		url := h.resolveURL(ing, f.Target)
		urls[f.Name] = url
		if _, ok := seen[url]; !ok {
			seen[url] = struct{}{}
			order = append(order, url)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range order {
		g.Go(func() error {
			doc, err := h.fetchJSON(gctx, url)
			if err != nil {
				return err
			}
			mu.Lock()
			docs[url] = doc
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var missing []string
	for i := range ing.Fields {
		f := &ing.Fields[i]
		url, ok := urls[f.Name]
		if !ok {
			continue
		}
		val := selectValue(h.selectors[f.Name], docs[url])
		if val == nil {
			missing = append(missing, f.Name)
			continue
		}
		f.Value = val
	}
	warnMissing(h.logger, ing, missing)
	return nil
}

// resolveURL substitutes {field} tokens with the field's current value.
// Unknown tokens are left untouched.
func (h *httpAPI) resolveURL(ing *model.Ingester, target string) string {
	return urlFieldRe.ReplaceAllStringFunc(target, func(tok string) string {
		name := tok[1 : len(tok)-1]
		if f := ing.FieldByName(name); f != nil && f.Value != nil {
			return eval.Stringify(f.Value)
		}
		return tok
	})
}

func (h *httpAPI) fetchJSON(ctx context.Context, url string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrConfig, url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", apperr.ErrTransientBackend, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch %s: status %d", apperr.ErrTransientBackend, url, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", apperr.ErrTransientBackend, url, err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", apperr.ErrPermanentBackend, url, err)
	}
	return doc, nil
}
