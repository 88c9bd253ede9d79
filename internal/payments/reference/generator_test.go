package reference

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateFormat(t *testing.T) {
	g := NewGenerator()

	ref, err := g.Generate("pro", decimal.NewFromInt(15))
	require.NoError(t, err)

	parts := strings.Split(ref, "_")
	require.Len(t, parts, 4)
	assert.Equal(t, "PLAN", parts[0])
	assert.Equal(t, "PRO", parts[1])
	assert.Len(t, parts[3], 32)
}

func TestGenerateSanitizesPlanKey(t *testing.T) {
	g := NewGenerator()

	ref, err := g.Generate("pro plan-2!", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "PLAN_PROPLAN2_"), ref)

	ref, err = g.Generate("", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "PLAN_CUSTOM_"), ref)
}

func TestGenerateRejectsNonPositiveAmount(t *testing.T) {
	_, err := NewGenerator().Generate("pro", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestGenerateUniqueUnderConcurrency(t *testing.T) {
	g := NewGenerator()
	const n = 1000

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := g.Generate("starter", decimal.NewFromInt(5))
			assert.NoError(t, err)
			mu.Lock()
			seen[ref] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

func TestTimestampMonotonicWhenClockStalls(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	g := &Generator{now: func() time.Time { return fixed }, random: uuid.NewRandom}

	a := g.tick()
	b := g.tick()
	assert.Greater(t, b, a)
}

func TestEntropyFailure(t *testing.T) {
	g := &Generator{now: time.Now, random: func() (uuid.UUID, error) {
		return uuid.Nil, errors.New("short read")
	}}

	_, err := g.Generate("pro", decimal.NewFromInt(15))
	assert.ErrorIs(t, err, ErrEntropy)
}
