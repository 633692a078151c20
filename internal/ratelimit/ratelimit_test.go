package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limits map[Class]int) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(time.Minute, limits)
	l.now = clk.now
	return l, clk
}

func TestCheck_LimitTwoSequence(t *testing.T) {
	l, clk := newTestLimiter(map[Class]int{ClassManual: 2})

	d1 := l.Check("ip1", ClassManual)
	d2 := l.Check("ip1", ClassManual)
	d3 := l.Check("ip1", ClassManual)

	assert.Equal(t, Decision{Allowed: true, Limit: 2, Remaining: 1, ResetAtMs: clk.t.Add(time.Minute).UnixMilli()}, d1)
	assert.True(t, d2.Allowed)
	assert.Equal(t, 0, d2.Remaining)
	assert.False(t, d3.Allowed)
	assert.Equal(t, 0, d3.Remaining)
	assert.Equal(t, d1.ResetAtMs, d3.ResetAtMs)
}

func TestCheck_TwentyFirstRejectedThenWindowResets(t *testing.T) {
	l, clk := newTestLimiter(map[Class]int{ClassManual: 20})

	for i := 0; i < 20; i++ {
		require.True(t, l.Check("client", ClassManual).Allowed, "request %d", i+1)
	}
	d := l.Check("client", ClassManual)
	assert.False(t, d.Allowed)

	// Rejections do not push remaining negative or extend the window.
	d = l.Check("client", ClassManual)
	assert.Equal(t, 0, d.Remaining)

	clk.advance(time.Minute)
	d = l.Check("client", ClassManual)
	assert.True(t, d.Allowed)
	assert.Equal(t, 19, d.Remaining)
	assert.Equal(t, clk.t.Add(time.Minute).UnixMilli(), d.ResetAtMs)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[Class]int{ClassManual: 1, ClassWebhook: 1})

	assert.True(t, l.Check("a", ClassManual).Allowed)
	assert.False(t, l.Check("a", ClassManual).Allowed)
	assert.True(t, l.Check("b", ClassManual).Allowed)
	assert.True(t, l.Check("a", ClassWebhook).Allowed)
}

func TestCheck_UnlimitedClass(t *testing.T) {
	l, _ := newTestLimiter(map[Class]int{})
	for i := 0; i < 5; i++ {
		d := l.Check("x", ClassAdmin)
		assert.True(t, d.Allowed)
		assert.Equal(t, -1, d.Remaining)
	}
}

func TestSweep(t *testing.T) {
	l, clk := newTestLimiter(map[Class]int{ClassManual: 5})
	l.Check("a", ClassManual)
	clk.advance(30 * time.Second)
	l.Check("b", ClassManual)
	clk.advance(31 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, []string{"manual|b"}, l.Clients())
}

func TestParseClass(t *testing.T) {
	assert.Equal(t, ClassWebhook, ParseClass("WEBHOOK"))
	assert.Equal(t, ClassAdmin, ParseClass("admin"))
	assert.Equal(t, ClassManual, ParseClass(""))
	assert.Equal(t, ClassManual, ParseClass("other"))
}

func TestFromConfig(t *testing.T) {
	l := FromConfig(time.Minute, map[string]int{"manual": 20, "webhook": 100})
	assert.Equal(t, map[string]int{"manual": 20, "webhook": 100}, l.Limits())
	assert.Equal(t, time.Minute, l.Window())
}
