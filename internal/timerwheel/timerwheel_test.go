package timerwheel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWheel_FiresInDeadlineOrder(t *testing.T) {
	w := New()
	base := time.Unix(1000, 0)

	var order []int
	w.Schedule(base.Add(3*time.Second), func(time.Time) { order = append(order, 3) })
	w.Schedule(base.Add(1*time.Second), func(time.Time) { order = append(order, 1) })
	w.Schedule(base.Add(2*time.Second), func(time.Time) { order = append(order, 2) })

	next, ok := w.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, base.Add(1*time.Second), next)

	fired := w.Fire(base.Add(2500 * time.Millisecond))
	assert.Equal(t, 2, fired)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 1, w.Len())
}

func TestWheel_Cancel(t *testing.T) {
	w := New()
	base := time.Unix(1000, 0)

	ran := false
	h := w.Schedule(base.Add(time.Second), func(time.Time) { ran = true })
	w.Cancel(h)

	fired := w.Fire(base.Add(10 * time.Second))
	assert.Equal(t, 0, fired)
	assert.False(t, ran)
}

func TestWheel_EmptyHasNoDeadline(t *testing.T) {
	w := New()
	_, ok := w.NextDeadline()
	assert.False(t, ok)
}
