package ids

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorMonotonicWithinProcess(t *testing.T) {
	g := NewGenerator()

	prev := g.New()
	for i := 0; i < 1000; i++ {
		next := g.New()
		assert.Less(t, prev, next, "ids must be strictly increasing")
		prev = next
	}
}

func TestGeneratorTimeOrdered(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	g := NewGeneratorAt(func() time.Time { return current })

	early := g.New()
	current = base.Add(5 * time.Second)
	late := g.New()

	ids := []string{late, early}
	sort.Strings(ids)
	assert.Equal(t, []string{early, late}, ids)

	ts, err := Timestamp(early)
	require.NoError(t, err)
	assert.Equal(t, base.UnixMilli(), ts.UnixMilli())
}

func TestValidate(t *testing.T) {
	g := NewGenerator()
	require.NoError(t, Validate(g.New()))

	assert.Error(t, Validate("short"))
	assert.Error(t, Validate("!!!!!!!!!!!!!!!!!!!!!!!!!!"))
	assert.Error(t, Validate(""))
}
