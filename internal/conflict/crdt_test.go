package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGCounter_MergeTakesPerDeviceMax(t *testing.T) {
	a := NewGCounter().Increment("device1", 3).Increment("device2", 1)
	b := NewGCounter().Increment("device1", 2).Increment("device2", 5)

	merged := a.Merge(b)

	assert.Equal(t, int64(3), merged["device1"])
	assert.Equal(t, int64(5), merged["device2"])
	assert.Equal(t, int64(8), merged.Value())
}

func TestGCounter_Increment_ClampsNegativeDelta(t *testing.T) {
	g := NewGCounter().Increment("device1", -5)

	assert.Equal(t, int64(0), g.Value())
}

func TestGCounter_Merge_IsCommutative(t *testing.T) {
	a := NewGCounter().Increment("device1", 3)
	b := NewGCounter().Increment("device1", 7)

	assert.Equal(t, a.Merge(b), b.Merge(a))
}

func TestPNCounter_ValueIsIncrementsMinusDecrements(t *testing.T) {
	c := NewPNCounter().Increment("d1", 10).Decrement("d1", 4)

	assert.Equal(t, int64(6), c.Value())
}

func TestLWWRegister_MergeKeepsLaterTimestamp(t *testing.T) {
	t0 := time.Now()
	r1 := NewLWWRegister("first", t0)
	r2 := NewLWWRegister("second", t0.Add(time.Second))

	merged := r1.Merge(r2)

	assert.Equal(t, "second", merged.Value)
}

func TestLWWRegister_MergeBreaksTiesDeterministically(t *testing.T) {
	t0 := time.Now()
	r1 := NewLWWRegister("aaa", t0)
	r2 := NewLWWRegister("bbb", t0)

	assert.Equal(t, r1.Merge(r2), r2.Merge(r1), "tie-break must be commutative regardless of call order")
}

func TestLWWMap_MergesPerKeyIndependently(t *testing.T) {
	t0 := time.Now()
	a := NewLWWMap().Set("price", 10, t0).Set("qty", 1, t0)
	b := NewLWWMap().Set("price", 20, t0.Add(time.Second)).Set("qty", 5, t0.Add(-time.Second))

	merged := a.Merge(b)

	price, _ := merged.Value("price")
	qty, _ := merged.Value("qty")

	assert.Equal(t, 20, price)
	assert.Equal(t, 1, qty)
}
