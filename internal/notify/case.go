package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/store"
)

const (
	caseKeyPrefix = "case:"
	caseListKey   = "cases"
	caseListMax   = 200
	caseTTL       = 30 * 24 * time.Hour
)

// Case is one investigation case opened by an analyst or a playbook.
type Case struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Priority  string         `json:"priority"`
	Status    string         `json:"status"`
	AgentID   string         `json:"agent_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CaseManager opens investigation cases.
type CaseManager interface {
	CreateCase(ctx context.Context, c Case) (string, error)
}

// StoreCaseManager persists cases in the key-value store: one record
// per case plus a capped recency list.
type StoreCaseManager struct {
	kv     store.Store
	logger *zap.Logger
}

// NewStoreCaseManager creates a store-backed case manager.
func NewStoreCaseManager(kv store.Store, logger *zap.Logger) *StoreCaseManager {
	return &StoreCaseManager{kv: kv, logger: logger}
}

// CreateCase stores the case and returns its assigned id.
func (m *StoreCaseManager) CreateCase(ctx context.Context, c Case) (string, error) {
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = "open"
	}
	if c.Priority == "" {
		c.Priority = "Medium"
	}

	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode case: %w", err)
	}
	if err := m.kv.Set(ctx, caseKeyPrefix+c.ID, string(data), caseTTL); err != nil {
		return "", fmt.Errorf("failed to store case: %w", err)
	}
	if err := m.kv.PushCapped(ctx, caseListKey, string(data), caseListMax); err != nil {
		m.logger.Error("failed to index case", zap.String("case_id", c.ID), zap.Error(err))
	}

	m.logger.Info("case created",
		zap.String("case_id", c.ID),
		zap.String("title", c.Title),
		zap.String("priority", c.Priority),
	)
	return c.ID, nil
}

// Get retrieves one case by id. Returns (nil, nil) when unknown or
// expired.
func (m *StoreCaseManager) Get(ctx context.Context, id string) (*Case, error) {
	raw, err := m.kv.Get(ctx, caseKeyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("failed to read case: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var c Case
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("failed to decode case: %w", err)
	}
	return &c, nil
}

// Recent returns up to limit cases, newest first.
func (m *StoreCaseManager) Recent(ctx context.Context, limit int64) ([]Case, error) {
	raw, err := m.kv.Range(ctx, caseListKey, 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	cases := make([]Case, 0, len(raw))
	for _, entry := range raw {
		var c Case
		if err := json.Unmarshal([]byte(entry), &c); err != nil {
			continue
		}
		cases = append(cases, c)
	}
	return cases, nil
}
