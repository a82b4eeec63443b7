// Package anomaly assigns heuristic anomaly scores to enriched events,
// weighing them against per-user and per-host behavior baselines when
// available, and maps scores to criticality tiers.
package anomaly

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/event"
)

// Default scoring weights, keyed by signal name. Adjustable at runtime
// via UpdateThresholds.
var defaultThresholds = map[string]int{
	"process_launch":     20,
	"network_connection": 15,
	"file_access":        10,
	"shell_history":      25,
	"off_hours":          30,
	"weekend":            25,
	"suspicious_command": 40,
	"suspicious_process": 35,
}

var suspiciousProcesses = map[string]bool{
	"cmd.exe": true, "powershell.exe": true, "wscript.exe": true,
	"cscript.exe": true, "regsvr32.exe": true, "rundll32.exe": true,
	"mshta.exe": true, "certutil.exe": true, "regedit.exe": true,
	"diskpart.exe": true, "net.exe": true, "netstat.exe": true,
}

var suspiciousPorts = map[int]bool{
	22: true, 23: true, 3389: true, 5900: true,
	8080: true, 4444: true, 1337: true,
}

var sensitivePaths = []string{
	"/etc/passwd", "/etc/shadow", "/windows/system32",
	"c:\\windows\\system32", "c:\\windows\\syswow64",
	"/etc/ssh/", "/root/", "c:\\windows\\temp",
}

var suspiciousExtensions = []string{".exe", ".dll", ".bat", ".ps1", ".vbs", ".js", ".jar"}

var suspiciousCommands = []string{
	"wget", "curl", "nc", "netcat", "nslookup", "dig",
	"whoami", "net user", "net group", "reg query",
	"powershell -enc", "certutil -urlcache", "bitsadmin",
	"schtasks", "at", "sc", "net start", "net stop",
}

var downloadIndicators = []string{"http://", "https://", "ftp://", "tftp://"}

var reconCommands = []string{"whoami", "hostname", "ipconfig", "ifconfig", "netstat", "net view"}

// Scorer computes anomaly scores. Safe for concurrent use.
type Scorer struct {
	baselines BaselineProvider
	logger    *zap.Logger

	mu         sync.RWMutex
	thresholds map[string]int
}

// NewScorer creates a scorer with the default weight table. baselines
// may be nil, in which case no baseline-relative signals are scored.
func NewScorer(baselines BaselineProvider, logger *zap.Logger) *Scorer {
	thresholds := make(map[string]int, len(defaultThresholds))
	for k, v := range defaultThresholds {
		thresholds[k] = v
	}
	return &Scorer{baselines: baselines, logger: logger, thresholds: thresholds}
}

func (s *Scorer) weight(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds[name]
}

// Score computes the anomaly score for ev, records the reasons, raises
// criticality to the tier the score demands, and tags any nonzero
// result. Baseline profiles sharpen the score when present; a missing
// or unreadable profile contributes nothing. A panic in a facet zeroes
// the score rather than dropping the event.
func (s *Scorer) Score(ctx context.Context, ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("anomaly scoring failed",
				zap.String("event_type", ev.Type),
				zap.Any("panic", r),
			)
			ev.AnomalyScore = 0
			ev.AnomalyReasons = []string{"Error during scoring"}
		}
	}()

	userProfile, hostProfile := s.lookupBaselines(ctx, ev)

	score := 0
	var reasons []string

	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	switch ev.Type {
	case event.TypeProcessLaunch:
		s.scoreProcess(ev, userProfile, hostProfile, add)
	case event.TypeNetworkConnection:
		s.scoreNetwork(ev, userProfile, hostProfile, add)
	case event.TypeFileAccess:
		s.scoreFile(ev, add)
	case event.TypeShellHistory:
		s.scoreShell(ev, userProfile, add)
	}

	s.scoreTemporal(ev, add)
	s.scoreContextual(ev, add)

	ev.AnomalyScore = score
	ev.AnomalyReasons = reasons
	ev.Escalate(Criticality(score))
	if score > 0 {
		ev.AddTag("anomaly_detected")
	}
}

// lookupBaselines fetches the user and host profiles for ev. Lookup
// failures degrade to nil profiles.
func (s *Scorer) lookupBaselines(ctx context.Context, ev *event.Event) (*UserProfile, *HostProfile) {
	if s.baselines == nil {
		return nil, nil
	}

	var userProfile *UserProfile
	var hostProfile *HostProfile
	if ev.User != "" {
		p, err := s.baselines.UserProfile(ctx, ev.User)
		if err != nil {
			s.logger.Debug("user baseline lookup failed", zap.String("user", ev.User), zap.Error(err))
		} else {
			userProfile = p
		}
	}
	if ev.Host != "" {
		p, err := s.baselines.HostProfile(ctx, ev.Host)
		if err != nil {
			s.logger.Debug("host baseline lookup failed", zap.String("host", ev.Host), zap.Error(err))
		} else {
			hostProfile = p
		}
	}
	return userProfile, hostProfile
}

func (s *Scorer) scoreProcess(ev *event.Event, user *UserProfile, host *HostProfile, add func(int, string)) {
	name := ev.DataString("process_name")
	if name == "" {
		return
	}

	if user != nil {
		if slices.Contains(user.RareProcesses, name) {
			add(s.weight("process_launch"), fmt.Sprintf("Rare process for user: %s", name))
		} else if !slices.Contains(user.CommonProcesses, name) {
			add(s.weight("process_launch")/2, fmt.Sprintf("Uncommon process for user: %s", name))
		}
	}
	if host != nil && !slices.Contains(host.CommonProcesses, name) {
		add(5, fmt.Sprintf("Uncommon process for host: %s", name))
	}

	if suspiciousProcesses[strings.ToLower(name)] {
		add(s.weight("suspicious_process"), fmt.Sprintf("Suspicious process: %s", name))
	}
}

func (s *Scorer) scoreNetwork(ev *event.Event, user *UserProfile, host *HostProfile, add func(int, string)) {
	if ev.DataString("peer_address") == "" {
		return
	}
	port, hasPort := ev.DataInt("peer_port")

	if hasPort && user != nil && !slices.Contains(user.NetworkPatterns.CommonPorts, port) {
		add(10, fmt.Sprintf("Uncommon port for user: %d", port))
	}
	if hasPort && host != nil && !slices.Contains(host.NetworkActivity.CommonPorts, port) {
		add(5, fmt.Sprintf("Uncommon port for host: %d", port))
	}

	if hasPort && suspiciousPorts[port] {
		add(15, fmt.Sprintf("Suspicious port: %d", port))
	}
	if len(ev.ThreatIntel) > 0 {
		add(50, "IP found in threat intelligence feeds")
	}
}

func (s *Scorer) scoreFile(ev *event.Event, add func(int, string)) {
	filePath := ev.DataString("file_path")
	if filePath == "" {
		return
	}
	lower := strings.ToLower(filePath)

	for _, sensitive := range sensitivePaths {
		if strings.Contains(lower, sensitive) {
			add(s.weight("file_access"), fmt.Sprintf("Access to sensitive path: %s", sensitive))
			break
		}
	}
	for _, ext := range suspiciousExtensions {
		if strings.HasSuffix(lower, ext) {
			add(10, fmt.Sprintf("Access to suspicious file type: %s", ext))
			break
		}
	}
}

func (s *Scorer) scoreShell(ev *event.Event, user *UserProfile, add func(int, string)) {
	command := ev.DataString("command")
	if command == "" {
		return
	}
	lower := strings.ToLower(command)

	if user != nil {
		if fields := strings.Fields(command); len(fields) > 0 &&
			!slices.Contains(user.CommandPatterns.CommonCommands, fields[0]) {
			add(10, fmt.Sprintf("Uncommon command for user: %s", fields[0]))
		}
	}

	for _, suspicious := range suspiciousCommands {
		if strings.Contains(lower, suspicious) {
			add(s.weight("suspicious_command"), fmt.Sprintf("Suspicious command: %s", suspicious))
			break
		}
	}
	for _, indicator := range downloadIndicators {
		if strings.Contains(command, indicator) {
			add(20, "Download attempt detected")
			break
		}
	}
	for _, recon := range reconCommands {
		if strings.Contains(lower, recon) {
			add(15, fmt.Sprintf("Reconnaissance command: %s", recon))
			break
		}
	}
}

// scoreTemporal reads the temporal tags set during enrichment rather
// than re-deriving them from the timestamp.
func (s *Scorer) scoreTemporal(ev *event.Event, add func(int, string)) {
	if ev.HasTag("off_hours") {
		add(s.weight("off_hours"), fmt.Sprintf("Activity outside work hours: %02d:00", ev.Timestamp.Hour()))
	}
	if ev.HasTag("weekend") {
		add(s.weight("weekend"), "Weekend activity detected")
	}
}

func (s *Scorer) scoreContextual(ev *event.Event, add func(int, string)) {
	if ev.HasTag("threat_intel_match") {
		add(30, "Threat intelligence match")
	}
	if ev.HasTag("suspicious_process") {
		add(20, "Suspicious process tag")
	}
}

// Criticality maps an anomaly score to its tier.
func Criticality(score int) string {
	switch {
	case score >= 80:
		return event.CriticalityCritical
	case score >= 50:
		return event.CriticalityHigh
	case score >= 25:
		return event.CriticalityMedium
	case score >= 10:
		return event.CriticalityLow
	default:
		return event.CriticalityInfo
	}
}

// UpdateThresholds merges new weights over the current table.
func (s *Scorer) UpdateThresholds(updates map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range updates {
		s.thresholds[k] = v
	}
	s.logger.Info("anomaly thresholds updated", zap.Int("changed", len(updates)))
}

// Thresholds returns a copy of the current weight table.
func (s *Scorer) Thresholds() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.thresholds))
	for k, v := range s.thresholds {
		out[k] = v
	}
	return out
}
