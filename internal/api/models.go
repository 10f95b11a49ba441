package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"

	"github.com/zgate-dev/zgate/internal/httputil"
	"github.com/zgate-dev/zgate/internal/keypool"
	"github.com/zgate-dev/zgate/internal/router"
)

const (
	catalogCacheKey      = "models"
	defaultCatalogTTL    = 5 * time.Minute
	catalogFetchTimeout  = 10 * time.Second
	maxCatalogBodyBytes  = 1 << 20
	catalogSourceUpstrm  = "upstream"
	catalogSourceFallbck = "catalog"
)

// ModelEntry is one catalog row in the Anthropic wire shape. Upstream
// rows pass through; fallback rows carry only the id.
type ModelEntry struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// CatalogStats reports cache effectiveness for the /models payload.
type CatalogStats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Entries    int   `json:"entries"`
	TTLSeconds int64 `json:"ttlSeconds"`
}

type catalogEntry struct {
	models []ModelEntry
	source string
}

// ModelCatalog caches the upstream model list behind a TTL so /models
// does not turn the admin dashboard into upstream traffic.
type ModelCatalog struct {
	baseURL  string
	client   *http.Client
	pool     *keypool.Pool
	fallback *router.Catalog
	cache    *gocache.Cache
	ttl      time.Duration
	logger   *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewModelCatalog creates the catalog cache. A zero ttl gets the
// default; pool and fallback may be nil, shrinking the fetch options.
func NewModelCatalog(baseURL string, ttl time.Duration, pool *keypool.Pool, fallback *router.Catalog, logger *slog.Logger) *ModelCatalog {
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelCatalog{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: catalogFetchTimeout},
		pool:     pool,
		fallback: fallback,
		cache:    gocache.New(ttl, ttl*2),
		ttl:      ttl,
		logger:   logger.With("component", "models"),
	}
}

// Get returns the cached catalog, refreshing it from upstream on a
// miss. Upstream failures fall back to the gateway's own model list so
// the endpoint stays useful while the upstream is down.
func (c *ModelCatalog) Get(ctx context.Context) ([]ModelEntry, string, error) {
	if cached, found := c.cache.Get(catalogCacheKey); found {
		if entry, ok := cached.(catalogEntry); ok {
			c.hits.Add(1)
			return entry.models, entry.source, nil
		}
	}
	c.misses.Add(1)

	models, err := c.fetchUpstream(ctx)
	source := catalogSourceUpstrm
	if err != nil {
		c.logger.Warn("upstream catalog fetch failed", "error", err)
		models = c.fallbackModels()
		source = catalogSourceFallbck
		if len(models) == 0 {
			return nil, "", err
		}
	}
	c.cache.Set(catalogCacheKey, catalogEntry{models: models, source: source}, gocache.DefaultExpiration)
	return models, source, nil
}

// Stats returns hit counters plus the live entry count.
func (c *ModelCatalog) Stats() CatalogStats {
	return CatalogStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Entries:    c.cache.ItemCount(),
		TTLSeconds: int64(c.ttl.Seconds()),
	}
}

func (c *ModelCatalog) fetchUpstream(ctx context.Context) ([]ModelEntry, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("no upstream base url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	if cred, release, ok := c.borrowCredential(); ok {
		defer release()
		req.Header.Set("Authorization", "Bearer "+cred)
		req.Header.Set("X-Api-Key", cred)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch returned %d", resp.StatusCode)
	}

	body, err := httputil.ReadLimitedBody(resp.Body, maxCatalogBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("read catalog body: %w", err)
	}
	var parsed struct {
		Data []ModelEntry `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode catalog body: %w", err)
	}
	return parsed.Data, nil
}

// borrowCredential takes a lease for the duration of the fetch and
// releases it without touching key health.
func (c *ModelCatalog) borrowCredential() (string, func(), bool) {
	if c.pool == nil {
		return "", nil, false
	}
	lease, err := c.pool.Acquire()
	if err != nil {
		return "", nil, false
	}
	return lease.Credential(), func() { lease.Release(keypool.Aborted()) }, true
}

func (c *ModelCatalog) fallbackModels() []ModelEntry {
	if c.fallback == nil {
		return nil
	}
	known := c.fallback.Models()
	out := make([]ModelEntry, 0, len(known))
	for _, m := range known {
		out = append(out, ModelEntry{Type: "model", ID: m.ID})
	}
	return out
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.writeError(w, http.StatusNotFound, "model catalog not configured")
		return
	}
	models, source, err := s.catalog.Get(r.Context())
	if err != nil {
		s.writeErrorDetails(w, http.StatusBadGateway, "model catalog unavailable", "catalog_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"models":     models,
		"count":      len(models),
		"source":     source,
		"cacheStats": s.catalog.Stats(),
		"timestamp":  s.nowFunc().UTC().Format(time.RFC3339),
	})
}

// handleModelsAnthropic serves the catalog in the Anthropic list shape
// for SDK clients that probe /v1/models.
func (s *Server) handleModelsAnthropic(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.writeError(w, http.StatusNotFound, "model catalog not configured")
		return
	}
	models, _, err := s.catalog.Get(r.Context())
	if err != nil {
		s.writeErrorDetails(w, http.StatusBadGateway, "model catalog unavailable", "catalog_error", err.Error())
		return
	}
	payload := map[string]any{
		"data":     models,
		"has_more": false,
	}
	if len(models) > 0 {
		payload["first_id"] = models[0].ID
		payload["last_id"] = models[len(models)-1].ID
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
