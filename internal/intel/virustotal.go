package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/osiris-hive/internal/config"
	"github.com/lvonguyen/osiris-hive/internal/store"
)

// Cached verdicts keep repeated sightings of the same hash from burning
// the tiny free-tier quota.
const (
	vtCacheKeyPrefix = "vt_cache:"
	vtCacheTTL       = 24 * time.Hour
)

// HashReputation is the outcome of a VirusTotal file-hash lookup.
type HashReputation struct {
	Hash      string `json:"hash"`
	Found     bool   `json:"found"`
	Positives int    `json:"positives"`
	Total     int    `json:"total"`
	Permalink string `json:"permalink,omitempty"`
}

// Malicious reports whether any engine flagged the hash.
func (r *HashReputation) Malicious() bool {
	return r.Found && r.Positives > 0
}

// VirusTotalClient queries the VirusTotal v2 file report endpoint.
// Requests are throttled with a token bucket sized for the configured
// per-minute quota.
type VirusTotalClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	kv      store.Store
	logger  *zap.Logger
}

// NewVirusTotalClient builds a client from config, reading the API key
// from the configured environment variable. Returns nil when disabled
// or no key is set. kv may be nil to skip verdict caching.
func NewVirusTotalClient(cfg config.VirusTotalConfig, kv store.Store, logger *zap.Logger) *VirusTotalClient {
	if !cfg.Enabled {
		return nil
	}
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		logger.Warn("virustotal enabled but API key env is empty",
			zap.String("env", cfg.APIKeyEnv),
		)
		return nil
	}

	rpm := cfg.RateLimit
	if rpm <= 0 {
		rpm = 4
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &VirusTotalClient{
		apiKey:  apiKey,
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		kv:      kv,
		logger:  logger,
	}
}

type vtFileReport struct {
	ResponseCode int    `json:"response_code"`
	Positives    int    `json:"positives"`
	Total        int    `json:"total"`
	Permalink    string `json:"permalink"`
}

// CheckHash looks up a file hash, answering from the verdict cache when
// possible. Uncached lookups block on the rate limiter until a request
// slot is available or ctx is cancelled.
func (c *VirusTotalClient) CheckHash(ctx context.Context, hash string) (*HashReputation, error) {
	if !Validate(TypeHash, hash) {
		return nil, fmt.Errorf("invalid hash: %q", hash)
	}

	if cached := c.cachedReputation(ctx, hash); cached != nil {
		return cached, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	params := url.Values{}
	params.Set("apikey", c.apiKey)
	params.Set("resource", hash)

	reqURL := c.baseURL + "/file/report?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying virustotal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, fmt.Errorf("virustotal quota exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("virustotal returned status %d", resp.StatusCode)
	}

	var report vtFileReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decoding virustotal response: %w", err)
	}

	rep := &HashReputation{
		Hash:      hash,
		Found:     report.ResponseCode == 1,
		Positives: report.Positives,
		Total:     report.Total,
		Permalink: report.Permalink,
	}
	if rep.Malicious() {
		c.logger.Warn("virustotal flagged hash",
			zap.String("hash", hash),
			zap.Int("positives", rep.Positives),
			zap.Int("total", rep.Total),
		)
	}
	c.cacheReputation(ctx, rep)
	return rep, nil
}

// cachedReputation returns the cached verdict for hash, or nil. Cache
// failures degrade to a live lookup.
func (c *VirusTotalClient) cachedReputation(ctx context.Context, hash string) *HashReputation {
	if c.kv == nil {
		return nil
	}
	raw, err := c.kv.Get(ctx, vtCacheKeyPrefix+hash)
	if err != nil {
		c.logger.Warn("virustotal cache read failed", zap.String("hash", hash), zap.Error(err))
		return nil
	}
	if raw == "" {
		return nil
	}
	var rep HashReputation
	if err := json.Unmarshal([]byte(raw), &rep); err != nil {
		return nil
	}
	return &rep
}

func (c *VirusTotalClient) cacheReputation(ctx context.Context, rep *HashReputation) {
	if c.kv == nil {
		return
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, vtCacheKeyPrefix+rep.Hash, string(data), vtCacheTTL); err != nil {
		c.logger.Warn("virustotal cache write failed", zap.String("hash", rep.Hash), zap.Error(err))
	}
}
