// Package enrich annotates raw agent events with threat intel matches,
// suspicious-artifact tags, geographic context, and temporal flags
// before detection runs.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/event"
	"github.com/lvonguyen/osiris-hive/internal/intel"
)

// IndicatorChecker answers threat intel point lookups.
type IndicatorChecker interface {
	CheckIndicator(ctx context.Context, indicatorType, value string) (*intel.Indicator, error)
}

var suspiciousProcesses = map[string]bool{
	"cmd.exe":        true,
	"powershell.exe": true,
	"wscript.exe":    true,
	"cscript.exe":    true,
	"regsvr32.exe":   true,
	"rundll32.exe":   true,
	"mshta.exe":      true,
	"certutil.exe":   true,
}

// LOLBins that warrant a criticality bump on their own.
var highRiskProcesses = map[string]bool{
	"mshta.exe":    true,
	"regsvr32.exe": true,
}

var suspiciousExtensions = []string{".exe", ".dll", ".bat", ".ps1", ".vbs", ".js"}

var sensitivePaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/windows/system32",
	"c:\\windows\\system32",
	"c:\\windows\\syswow64",
}

var suspiciousCommands = []string{
	"wget", "curl", "nc", "netcat", "nslookup", "dig",
	"whoami", "net user", "net group", "reg query",
	"powershell -enc", "certutil -urlcache",
}

var downloadIndicators = []string{"http://", "https://", "ftp://"}

// Enricher runs the per-type and cross-cutting enrichment facets over
// events in place. A failing facet is logged and skipped; the event
// always continues down the pipeline.
type Enricher struct {
	intel  IndicatorChecker
	geo    GeoResolver
	logger *zap.Logger
}

// New creates an Enricher. geo may be nil to skip geographic context.
func New(checker IndicatorChecker, geo GeoResolver, logger *zap.Logger) *Enricher {
	if geo == nil {
		geo = StaticGeoResolver{}
	}
	return &Enricher{intel: checker, geo: geo, logger: logger}
}

// Enrich mutates ev with every applicable facet.
func (e *Enricher) Enrich(ctx context.Context, ev *event.Event) {
	var err error
	switch ev.Type {
	case event.TypeNetworkConnection:
		err = e.enrichNetwork(ctx, ev)
	case event.TypeProcessLaunch:
		e.enrichProcess(ev)
	case event.TypeFileAccess:
		e.enrichFile(ev)
	case event.TypeShellHistory:
		e.enrichShell(ev)
	}
	if err != nil {
		e.logger.Error("enrichment facet failed",
			zap.String("event_type", ev.Type),
			zap.Error(err),
		)
	}

	e.enrichGeo(ev)
	e.enrichTemporal(ev)
}

// enrichNetwork checks the peer address against the threat intel store.
func (e *Enricher) enrichNetwork(ctx context.Context, ev *event.Event) error {
	peerIP := ev.DataString("peer_address")
	if peerIP == "" || e.intel == nil {
		return nil
	}

	ind, err := e.intel.CheckIndicator(ctx, intel.TypeIP, peerIP)
	if err != nil {
		return fmt.Errorf("intel lookup for %s: %w", peerIP, err)
	}
	if ind == nil {
		return nil
	}

	e.logger.Warn("threat intel match",
		zap.String("peer_address", peerIP),
		zap.String("feed", ind.Feed),
	)

	ev.ThreatIntel = map[string]any{
		"source":     ind.Source,
		"type":       ind.Type,
		"feed":       ind.Feed,
		"confidence": "high",
	}
	ev.Escalate(event.CriticalityHigh)
	ev.AddTag("threat_intel_match")
	ev.AddTag("malicious_ip")
	return nil
}

// enrichProcess flags known living-off-the-land binaries.
func (e *Enricher) enrichProcess(ev *event.Event) {
	name := strings.ToLower(ev.DataString("process_name"))
	if name == "" {
		return
	}
	if !suspiciousProcesses[name] {
		return
	}

	ev.AddTag("suspicious_process")
	if highRiskProcesses[name] {
		ev.Escalate(event.CriticalityMedium)
	}
}

// enrichFile flags executable payloads and sensitive system paths.
func (e *Enricher) enrichFile(ev *event.Event) {
	filePath := strings.ToLower(ev.DataString("file_path"))
	if filePath == "" {
		return
	}

	for _, ext := range suspiciousExtensions {
		if strings.HasSuffix(filePath, ext) {
			ev.AddTag("suspicious_file")
			break
		}
	}

	for _, sensitive := range sensitivePaths {
		if strings.Contains(filePath, sensitive) {
			ev.AddTag("sensitive_file_access")
			ev.Escalate(event.CriticalityMedium)
			break
		}
	}
}

// enrichShell flags recon tooling and download attempts in commands.
func (e *Enricher) enrichShell(ev *event.Event) {
	command := ev.DataString("command")
	if command == "" {
		return
	}
	lower := strings.ToLower(command)

	for _, suspicious := range suspiciousCommands {
		if strings.Contains(lower, suspicious) {
			ev.AddTag("suspicious_command")
			ev.Escalate(event.CriticalityMedium)
			break
		}
	}

	for _, indicator := range downloadIndicators {
		if strings.Contains(command, indicator) {
			ev.AddTag("download_attempt")
			break
		}
	}
}

// enrichGeo fills in geographic context for the peer address when the
// agent did not supply one.
func (e *Enricher) enrichGeo(ev *event.Event) {
	peerIP := ev.DataString("peer_address")
	if peerIP == "" {
		return
	}
	if country := ev.DataString("geo_country"); country != "" && country != "Unknown" {
		return
	}

	loc, ok := e.geo.Resolve(peerIP)
	if !ok {
		return
	}
	if ev.Data == nil {
		ev.Data = make(map[string]any)
	}
	ev.Data["geo_country"] = loc.Country
	ev.Data["geo_city"] = loc.City
	ev.Data["geo_isp"] = loc.ISP
}

// enrichTemporal tags activity outside working hours. Hours 22:00
// through 06:00 count as off hours.
func (e *Enricher) enrichTemporal(ev *event.Event) {
	if ev.Timestamp.IsZero() {
		return
	}

	hour := ev.Timestamp.Hour()
	if hour >= 22 || hour <= 6 {
		ev.AddTag("off_hours")
		ev.Escalate(event.CriticalityLow)
	}

	switch ev.Timestamp.Weekday() {
	case time.Saturday, time.Sunday:
		ev.AddTag("weekend")
		ev.Escalate(event.CriticalityLow)
	}
}
