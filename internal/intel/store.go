// Package intel provides the threat intelligence indicator store: feed
// ingestion over HTTP, validation, TTL-bound storage, and point lookups.
package intel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/config"
	"github.com/lvonguyen/osiris-hive/internal/observability"
	"github.com/lvonguyen/osiris-hive/internal/store"
)

// Indicator types.
const (
	TypeIP   = "ip"
	TypeHash = "hash"
	TypeURL  = "url"
)

// TTLs by indicator type. Hashes stay useful far longer than network
// infrastructure indicators.
const (
	ipTTL   = 7 * 24 * time.Hour
	urlTTL  = 7 * 24 * time.Hour
	hashTTL = 30 * 24 * time.Hour
)

const keyPrefix = "threat_intel"

// Indicator is one stored threat intelligence atom.
type Indicator struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	Source    string    `json:"source"`
	Feed      string    `json:"feed"`
	AddedAt   time.Time `json:"added_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store fetches indicator feeds and answers point lookups against the
// backing key-value store.
type Store struct {
	kv      store.Store
	client  *http.Client
	metrics *observability.Metrics
	logger  *zap.Logger

	mu         sync.RWMutex
	feeds      map[string]config.FeedConfig
	lastUpdate map[string]time.Time
}

// NewStore creates a threat intel store over kv with the configured
// feeds. metrics may be nil.
func NewStore(kv store.Store, cfg config.IntelConfig, metrics *observability.Metrics, logger *zap.Logger) *Store {
	timeout := cfg.FetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	feeds := make(map[string]config.FeedConfig, len(cfg.Feeds))
	for name, fc := range cfg.Feeds {
		feeds[name] = fc
	}
	return &Store{
		kv:         kv,
		client:     &http.Client{Timeout: timeout},
		metrics:    metrics,
		logger:     logger,
		feeds:      feeds,
		lastUpdate: make(map[string]time.Time),
	}
}

func indicatorKey(indicatorType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, indicatorType, value)
}

func ttlFor(indicatorType string) time.Duration {
	switch indicatorType {
	case TypeHash:
		return hashTTL
	case TypeURL:
		return urlTTL
	default:
		return ipTTL
	}
}

// UpdateFeeds fetches every configured feed and loads its indicators.
// A failed feed contributes zero indicators and never aborts the others.
func (s *Store) UpdateFeeds(ctx context.Context) map[string]int {
	s.logger.Info("updating threat intelligence feeds")
	results := make(map[string]int)

	s.mu.RLock()
	feeds := make(map[string]config.FeedConfig, len(s.feeds))
	for name, fc := range s.feeds {
		feeds[name] = fc
	}
	s.mu.RUnlock()

	for name, feed := range feeds {
		count, err := s.updateFeed(ctx, name, feed)
		if err != nil {
			s.logger.Error("feed update failed",
				zap.String("feed", name),
				zap.Error(err),
			)
			results[name] = 0
			continue
		}
		results[name] = count
		if s.metrics != nil {
			s.metrics.IndicatorsLoaded.WithLabelValues(name).Add(float64(count))
		}
		s.mu.Lock()
		s.lastUpdate[name] = time.Now()
		s.mu.Unlock()
	}

	return results
}

// updateFeed downloads one plaintext feed and bulk-loads its valid lines.
func (s *Store) updateFeed(ctx context.Context, name string, feed config.FeedConfig) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("creating feed request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching feed %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("feed %s returned status %d", name, resp.StatusCode)
	}

	now := time.Now()
	ttl := ttlFor(feed.Type)
	var entries []store.Entry

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !Validate(feed.Type, line) {
			continue
		}

		ind := Indicator{
			Type:      feed.Type,
			Value:     line,
			Source:    feed.Description,
			Feed:      name,
			AddedAt:   now,
			ExpiresAt: now.Add(ttl),
		}
		data, err := json.Marshal(ind)
		if err != nil {
			continue
		}
		entries = append(entries, store.Entry{
			Key:   indicatorKey(feed.Type, line),
			Value: string(data),
		})
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading feed %s: %w", name, err)
	}

	if err := s.kv.SetBatch(ctx, entries, ttl); err != nil {
		return 0, fmt.Errorf("storing feed %s indicators: %w", name, err)
	}

	s.logger.Info("feed loaded",
		zap.String("feed", name),
		zap.String("type", feed.Type),
		zap.Int("indicators", len(entries)),
	)
	return len(entries), nil
}

// CheckIndicator returns the stored indicator for type/value, or nil on
// a miss.
func (s *Store) CheckIndicator(ctx context.Context, indicatorType, value string) (*Indicator, error) {
	raw, err := s.kv.Get(ctx, indicatorKey(indicatorType, value))
	if err != nil {
		s.countLookup("error")
		return nil, fmt.Errorf("indicator lookup: %w", err)
	}
	if raw == "" {
		s.countLookup("miss")
		return nil, nil
	}

	var ind Indicator
	if err := json.Unmarshal([]byte(raw), &ind); err != nil {
		s.countLookup("error")
		return nil, fmt.Errorf("decoding indicator %s:%s: %w", indicatorType, value, err)
	}
	s.countLookup("hit")
	return &ind, nil
}

func (s *Store) countLookup(result string) {
	if s.metrics != nil {
		s.metrics.IntelLookups.WithLabelValues(result).Inc()
	}
}

// AddCustomIndicator stores a manually supplied indicator under the
// same TTL discipline as feed entries.
func (s *Store) AddCustomIndicator(ctx context.Context, indicatorType, value, source string) error {
	if !Validate(indicatorType, value) {
		return fmt.Errorf("invalid %s indicator: %q", indicatorType, value)
	}
	if source == "" {
		source = "custom"
	}

	now := time.Now()
	ttl := ttlFor(indicatorType)
	ind := Indicator{
		Type:      indicatorType,
		Value:     value,
		Source:    source,
		Feed:      "custom",
		AddedAt:   now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := json.Marshal(ind)
	if err != nil {
		return fmt.Errorf("encoding indicator: %w", err)
	}

	if err := s.kv.Set(ctx, indicatorKey(indicatorType, value), string(data), ttl); err != nil {
		return fmt.Errorf("storing indicator: %w", err)
	}

	s.logger.Info("custom indicator added",
		zap.String("type", indicatorType),
		zap.String("value", value),
	)
	return nil
}

// Statistics reports stored indicator counts by type and the last
// successful update per feed.
func (s *Store) Statistics(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)

	for _, t := range []string{TypeIP, TypeHash, TypeURL} {
		keys, err := s.kv.Keys(ctx, fmt.Sprintf("%s:%s:*", keyPrefix, t))
		if err != nil {
			return nil, fmt.Errorf("counting %s indicators: %w", t, err)
		}
		stats[t+"_count"] = len(keys)
	}

	s.mu.RLock()
	updates := make(map[string]string, len(s.lastUpdate))
	for name, ts := range s.lastUpdate {
		updates[name] = ts.Format(time.RFC3339)
	}
	s.mu.RUnlock()
	stats["last_updates"] = updates

	return stats, nil
}

// RunPeriodicUpdates refreshes all feeds on the interval until ctx is
// cancelled. The first update runs immediately.
func (s *Store) RunPeriodicUpdates(ctx context.Context, interval time.Duration) {
	s.UpdateFeeds(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.UpdateFeeds(ctx)
		}
	}
}

// Validate reports whether value is a well-formed indicator of the
// given type.
func Validate(indicatorType, value string) bool {
	switch indicatorType {
	case TypeIP:
		return validIP(value)
	case TypeHash:
		return validHash(value)
	case TypeURL:
		return validURL(value)
	}
	return false
}

func validIP(ip string) bool {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return false
		}
		// Reject leading zeros and empty octets produced by "1..2.3".
		if part == "" || (len(part) > 1 && part[0] == '0') {
			return false
		}
	}
	return true
}

func validHash(hash string) bool {
	switch len(hash) {
	case 32, 40, 64:
	default:
		return false
	}
	for _, c := range hash {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func validURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}
