package ingest

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/intel"
)

type fakeSubscriber struct {
	rows      []map[string]any
	summaries []Summary
	failSend  bool
}

func (f *fakeSubscriber) SendRow(row map[string]any) error {
	if f.failSend {
		return errors.New("broken pipe")
	}
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeSubscriber) SendSummary(s Summary) error {
	if f.failSend {
		return errors.New("broken pipe")
	}
	f.summaries = append(f.summaries, s)
	return nil
}

type fakeIntel struct {
	hits map[string]*intel.Indicator
}

func (f *fakeIntel) CheckIndicator(_ context.Context, indicatorType, value string) (*intel.Indicator, error) {
	return f.hits[indicatorType+":"+value], nil
}

// ==================== Hub ====================

// TestHubFanOut delivers rows to all subscribers of the query and to
// nobody else.
func TestHubFanOut(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := &fakeSubscriber{}
	b := &fakeSubscriber{}
	other := &fakeSubscriber{}
	hub.Subscribe("q1", a)
	hub.Subscribe("q1", b)
	hub.Subscribe("q2", other)

	hub.PublishRow("q1", map[string]any{"pid": 1})

	if len(a.rows) != 1 || len(b.rows) != 1 {
		t.Errorf("q1 subscribers got %d/%d rows", len(a.rows), len(b.rows))
	}
	if len(other.rows) != 0 {
		t.Error("q2 subscriber must not receive q1 rows")
	}
}

// TestHubDropsDeadSubscriber removes a failing subscriber without
// affecting the healthy ones.
func TestHubDropsDeadSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	dead := &fakeSubscriber{failSend: true}
	live := &fakeSubscriber{}
	hub.Subscribe("q1", dead)
	hub.Subscribe("q1", live)

	hub.PublishRow("q1", map[string]any{"pid": 1})
	if hub.SubscriberCount("q1") != 1 {
		t.Errorf("dead subscriber not removed, count = %d", hub.SubscriberCount("q1"))
	}

	hub.PublishRow("q1", map[string]any{"pid": 2})
	if len(live.rows) != 2 {
		t.Errorf("live subscriber got %d rows, want 2", len(live.rows))
	}
}

// TestHubUnsubscribe stops delivery for a departed subscriber.
func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := &fakeSubscriber{}
	hub.Subscribe("q1", sub)
	hub.Unsubscribe("q1", sub)

	hub.PublishRow("q1", map[string]any{"pid": 1})
	if len(sub.rows) != 0 {
		t.Error("unsubscribed subscriber received a row")
	}
	if hub.SubscriberCount("q1") != 0 {
		t.Errorf("count = %d", hub.SubscriberCount("q1"))
	}
}

// ==================== Stream ====================

// TestStreamRepublishAndSummary counts rows and ends with one terminal
// summary to every subscriber.
func TestStreamRepublishAndSummary(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := &fakeSubscriber{}
	hub.Subscribe("q1", sub)

	ing := NewIngestor(hub, nil, nil, nil, zap.NewNop())
	stream := ing.NewStream("q1", "agent-1")

	ctx := context.Background()
	stream.Ingest(ctx, map[string]any{"pid": 1})
	stream.Ingest(ctx, map[string]any{"pid": 2})
	stream.Ingest(ctx, map[string]any{"pid": 3})
	summary := stream.Close(true)

	if summary.RowCount != 3 || !summary.Success || summary.QueryID != "q1" {
		t.Errorf("summary = %+v", summary)
	}
	if len(sub.rows) != 3 {
		t.Errorf("subscriber got %d rows", len(sub.rows))
	}
	if len(sub.summaries) != 1 || sub.summaries[0].RowCount != 3 {
		t.Errorf("summaries = %+v", sub.summaries)
	}
}

// TestStreamHashEnrichment flags rows carrying a known-bad hash and
// keeps streaming.
func TestStreamHashEnrichment(t *testing.T) {
	badHash := "d41d8cd98f00b204e9800998ecf8427e"
	checker := &fakeIntel{hits: map[string]*intel.Indicator{
		"hash:" + badHash: {Type: intel.TypeHash, Value: badHash, Feed: "malware_bazaar"},
	}}

	hub := NewHub(zap.NewNop())
	sub := &fakeSubscriber{}
	hub.Subscribe("q1", sub)

	ing := NewIngestor(hub, checker, nil, nil, zap.NewNop())
	stream := ing.NewStream("q1", "agent-1")

	ctx := context.Background()
	stream.Ingest(ctx, map[string]any{"path": "/tmp/x", "md5": badHash})
	stream.Ingest(ctx, map[string]any{"path": "/bin/ls", "md5": "0cc175b9c0f1b6a831c399e269772661"})
	summary := stream.Close(true)

	if summary.RowCount != 2 {
		t.Fatalf("row count = %d", summary.RowCount)
	}
	if sub.rows[0]["threat_intel_match"] != true || sub.rows[0]["threat_intel_feed"] != "malware_bazaar" {
		t.Errorf("bad hash row not flagged: %+v", sub.rows[0])
	}
	if _, flagged := sub.rows[1]["threat_intel_match"]; flagged {
		t.Error("clean hash row should not be flagged")
	}
}

// TestStreamStatistics tracks totals and in-flight streams.
func TestStreamStatistics(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ing := NewIngestor(hub, nil, nil, nil, zap.NewNop())

	s1 := ing.NewStream("q1", "agent-1")
	s1.Ingest(context.Background(), map[string]any{"pid": 1})

	stats := ing.Statistics()
	if stats["active_streams"] != 1 {
		t.Errorf("active = %v", stats["active_streams"])
	}

	s1.Close(true)
	stats = ing.Statistics()
	if stats["active_streams"] != 0 {
		t.Errorf("active after close = %v", stats["active_streams"])
	}
	if stats["rows_ingested_total"] != int64(1) {
		t.Errorf("rows total = %v", stats["rows_ingested_total"])
	}
}
