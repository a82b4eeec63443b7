package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvonguyen/osiris-hive/internal/store"
)

const (
	userProfileKeyPrefix = "user_profile:"
	hostProfileKeyPrefix = "host_profile:"
	profileTTL           = 24 * time.Hour
)

// NetworkPatterns summarizes the ports an entity habitually talks to.
type NetworkPatterns struct {
	CommonPorts []int `json:"common_ports,omitempty"`
}

// CommandPatterns summarizes the shell commands an entity habitually runs.
type CommandPatterns struct {
	CommonCommands []string `json:"common_commands,omitempty"`
}

// UserProfile is the behavioral baseline built for one user: the
// processes, ports, and commands that are normal for them. Absent
// profiles mean no baseline-relative scoring, never an error.
type UserProfile struct {
	User            string          `json:"user_id"`
	LastUpdated     time.Time       `json:"last_updated,omitempty"`
	CommonProcesses []string        `json:"common_processes,omitempty"`
	RareProcesses   []string        `json:"rare_processes,omitempty"`
	NetworkPatterns NetworkPatterns `json:"network_patterns,omitempty"`
	CommandPatterns CommandPatterns `json:"command_patterns,omitempty"`
}

// HostProfile is the behavioral baseline built for one host.
type HostProfile struct {
	Host            string          `json:"host_id"`
	LastUpdated     time.Time       `json:"last_updated,omitempty"`
	CommonProcesses []string        `json:"common_processes,omitempty"`
	NetworkActivity NetworkPatterns `json:"network_activity,omitempty"`
}

// BaselineProvider answers per-user and per-host baseline lookups for
// the scorer. Both return (nil, nil) when no profile exists.
type BaselineProvider interface {
	UserProfile(ctx context.Context, user string) (*UserProfile, error)
	HostProfile(ctx context.Context, host string) (*HostProfile, error)
}

// StoreBaselines persists behavior profiles in the key-value store.
// Profiles expire after 24 hours so stale baselines age out between
// rebuild passes.
type StoreBaselines struct {
	kv store.Store
}

// NewStoreBaselines creates a store-backed baseline provider.
func NewStoreBaselines(kv store.Store) *StoreBaselines {
	return &StoreBaselines{kv: kv}
}

// UserProfile retrieves the baseline for one user, or (nil, nil) when
// none exists.
func (b *StoreBaselines) UserProfile(ctx context.Context, user string) (*UserProfile, error) {
	raw, err := b.kv.Get(ctx, userProfileKeyPrefix+user)
	if err != nil {
		return nil, fmt.Errorf("reading user profile: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var p UserProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decoding user profile %s: %w", user, err)
	}
	return &p, nil
}

// HostProfile retrieves the baseline for one host, or (nil, nil) when
// none exists.
func (b *StoreBaselines) HostProfile(ctx context.Context, host string) (*HostProfile, error) {
	raw, err := b.kv.Get(ctx, hostProfileKeyPrefix+host)
	if err != nil {
		return nil, fmt.Errorf("reading host profile: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var p HostProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decoding host profile %s: %w", host, err)
	}
	return &p, nil
}

// SaveUserProfile stores a rebuilt user baseline.
func (b *StoreBaselines) SaveUserProfile(ctx context.Context, p UserProfile) error {
	if p.User == "" {
		return fmt.Errorf("user profile missing user id")
	}
	p.LastUpdated = time.Now()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding user profile: %w", err)
	}
	if err := b.kv.Set(ctx, userProfileKeyPrefix+p.User, string(data), profileTTL); err != nil {
		return fmt.Errorf("storing user profile: %w", err)
	}
	return nil
}

// SaveHostProfile stores a rebuilt host baseline.
func (b *StoreBaselines) SaveHostProfile(ctx context.Context, p HostProfile) error {
	if p.Host == "" {
		return fmt.Errorf("host profile missing host id")
	}
	p.LastUpdated = time.Now()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding host profile: %w", err)
	}
	if err := b.kv.Set(ctx, hostProfileKeyPrefix+p.Host, string(data), profileTTL); err != nil {
		return fmt.Errorf("storing host profile: %w", err)
	}
	return nil
}
