package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_Unique(t *testing.T) {
	g := New("")
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		seen[g.Next(i%3)] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestGenerator_UniqueWithFrozenClock(t *testing.T) {
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := &Generator{Prefix: "t", Now: func() time.Time { return frozen }}

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		seen[g.Next(0)] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestGenerator_Format(t *testing.T) {
	g := New("mkt")
	id := g.Next(7)

	parts := strings.Split(id, "_")
	require.Len(t, parts, 5)
	assert.Equal(t, "mkt", parts[0])
	assert.Len(t, parts[2], 8)
	assert.Equal(t, "7", parts[4])
}
