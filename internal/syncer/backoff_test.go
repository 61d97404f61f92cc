package syncer

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/localsync/internal/model"
)

// sequence returns a jitter source yielding vals in order, then zeros.
func sequence(vals ...float64) func() float64 {
	return func() float64 {
		if len(vals) == 0 {
			return 0
		}
		v := vals[0]
		vals = vals[1:]
		return v
	}
}

func TestBackoff_DoublesUpToCap(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second, sequence())

	var got []time.Duration
	for range 6 {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}, got)
	assert.Equal(t, 6, b.Attempts())
}

func TestBackoff_NeverDecreases(t *testing.T) {
	b := NewBackoff(time.Second, 3*time.Second, sequence(0.5, 0.75, 0))

	assert.Equal(t, 750*time.Millisecond, b.Next())
	assert.Equal(t, 1750*time.Millisecond, b.Next())
	// The capped ceiling would allow 1.5s; the previous delay holds.
	assert.Equal(t, 1750*time.Millisecond, b.Next())
}

func TestBackoff_RandomJitterStaysMonotonicAndCapped(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	b := NewBackoff(100*time.Millisecond, 5*time.Second, rng.Float64)

	prev := time.Duration(0)
	for i := range 200 {
		d := b.Next()
		assert.GreaterOrEqual(t, d, prev, "attempt %d", i)
		assert.LessOrEqual(t, d, 5*time.Second, "attempt %d", i)
		prev = d
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, sequence())
	b.Next()
	b.Next()
	b.Next()

	b.Reset()
	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, 500*time.Millisecond, b.Next())
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0, nil)
	d := b.Next()
	assert.GreaterOrEqual(t, d, DefaultBackoffBase/2)
	assert.LessOrEqual(t, d, DefaultBackoffBase)
}

func TestLastWriterWins(t *testing.T) {
	tests := []struct {
		name   string
		local  int64
		remote int64
		want   model.Winner
	}{
		{"local later", 20, 10, model.WinnerLocal},
		{"remote later", 10, 20, model.WinnerRemote},
		{"tie goes to remote", 10, 10, model.WinnerRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LastWriterWins.Resolve(
				model.Mutation{Timestamp: tt.local},
				model.Change{Timestamp: tt.remote},
			)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemoteWins(t *testing.T) {
	got := RemoteWins.Resolve(model.Mutation{Timestamp: 99}, model.Change{Timestamp: 1})
	assert.Equal(t, model.WinnerRemote, got)
}
