package revalidate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func entry(id string, kind Kind, source string, res LogResult, at time.Time) LogEntry {
	return LogEntry{ID: id, Kind: kind, Source: source, Result: res, Timestamp: at, ProcessingTimeMs: 10}
}

func TestActivityLog_EvictsOldest(t *testing.T) {
	l := NewActivityLog(3)
	for i := 1; i <= 5; i++ {
		l.Append(entry(fmt.Sprint(i), KindManual, "x", LogSuccess, t0))
	}
	assert.Equal(t, 3, l.Len())

	var ids []string
	for _, e := range l.Query(Query{}) {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"5", "4", "3"}, ids)

	l.Reset()
	assert.Zero(t, l.Len())
	assert.Empty(t, l.Query(Query{}))
}

func TestActivityLog_QueryFilters(t *testing.T) {
	l := NewActivityLog(10)
	l.Append(entry("a", KindManual, "admin-dashboard", LogSuccess, t0))
	l.Append(entry("b", KindWebhook, "trello-webhook", LogPartial, t0.Add(time.Minute)))
	l.Append(entry("c", KindWebhook, "github-webhook", LogFailed, t0.Add(2*time.Minute)))
	l.Append(entry("d", KindScheduled, "cron", LogSuccess, t0.Add(3*time.Minute)))

	ids := func(es []LogEntry) []string {
		out := []string{}
		for _, e := range es {
			out = append(out, e.ID)
		}
		return out
	}
	assert.Equal(t, []string{"c", "b"}, ids(l.Query(Query{Kind: KindWebhook})))
	assert.Equal(t, []string{"b"}, ids(l.Query(Query{SourceContains: "TRELLO"})))
	assert.Equal(t, []string{"d", "c"}, ids(l.Query(Query{Since: t0.Add(2 * time.Minute)})))
	assert.Equal(t, []string{"d"}, ids(l.Query(Query{Limit: 1})))
}

func TestActivityLog_Stats(t *testing.T) {
	l := NewActivityLog(10)
	assert.Equal(t, Stats{ByKind: map[Kind]int{}}, l.Stats())

	l.Append(entry("a", KindManual, "", LogSuccess, t0))
	l.Append(entry("b", KindWebhook, "", LogPartial, t0))
	l.Append(entry("c", KindWebhook, "", LogFailed, t0))
	l.Append(entry("d", KindManual, "", LogSuccess, t0.Add(time.Second)))

	s := l.Stats()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Successful)
	assert.Equal(t, 1, s.Partial)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, map[Kind]int{KindManual: 2, KindWebhook: 2}, s.ByKind)
	assert.InDelta(t, 50.0, s.SuccessRate, 0.001)
	assert.InDelta(t, 10.0, s.AverageProcessingTimeMs, 0.001)
	require.NotNil(t, s.LastActivity)
	assert.Equal(t, t0.Add(time.Second), *s.LastActivity)
}

func TestActivityLog_Health(t *testing.T) {
	l := NewActivityLog(100)
	assert.Equal(t, Healthy, l.Health().Status)

	for i := 0; i < 10; i++ {
		l.Append(entry(fmt.Sprint(i), KindManual, "", LogSuccess, t0))
	}
	assert.Equal(t, Healthy, l.Health().Status)

	l.Append(entry("p", KindManual, "", LogPartial, t0.Add(time.Minute)))
	h := l.Health()
	assert.Equal(t, Degraded, h.Status)
	require.NotNil(t, h.LastFailure)
	assert.Equal(t, t0.Add(time.Minute), *h.LastFailure)

	for i := 0; i < 10; i++ {
		l.Append(entry(fmt.Sprint("f", i), KindManual, "", LogFailed, t0.Add(2*time.Minute)))
	}
	h = l.Health()
	assert.Equal(t, Unhealthy, h.Status)
	assert.Equal(t, healthSample, h.Sampled)
}

func TestActivityLog_Trend(t *testing.T) {
	l := NewActivityLog(100)
	l.now = func() time.Time { return t0 }

	assert.Equal(t, Stable, l.Trend().Direction)

	// Previous hour: one success out of two.
	l.Append(entry("p1", KindManual, "", LogSuccess, t0.Add(-90*time.Minute)))
	l.Append(entry("p2", KindManual, "", LogFailed, t0.Add(-80*time.Minute)))
	// Last hour: all successful.
	l.Append(entry("c1", KindManual, "", LogSuccess, t0.Add(-10*time.Minute)))
	l.Append(entry("c2", KindManual, "", LogSuccess, t0.Add(-5*time.Minute)))
	// Older than two hours: ignored.
	l.Append(entry("o", KindManual, "", LogFailed, t0.Add(-3*time.Hour)))

	tr := l.Trend()
	assert.Equal(t, Improving, tr.Direction)
	assert.Equal(t, 2, tr.CurrentCount)
	assert.Equal(t, 2, tr.PreviousCount)
	assert.InDelta(t, 100.0, tr.CurrentRate, 0.001)
	assert.InDelta(t, 50.0, tr.PreviousRate, 0.001)

	l.Append(entry("c3", KindManual, "", LogFailed, t0.Add(-time.Minute)))
	l.Append(entry("c4", KindManual, "", LogFailed, t0.Add(-time.Minute)))
	l.Append(entry("c5", KindManual, "", LogFailed, t0.Add(-time.Minute)))
	assert.Equal(t, Degrading, l.Trend().Direction)
}
