package routing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternMatcher_Keyword(t *testing.T) {
	pm := NewPatternMatcher(8)

	assert.True(t, pm.Match(Keyword("follow up"), "Can we set a FOLLOW  UP?"))
	assert.True(t, pm.Match(Keyword("co-pay"), "my co-pay"))
	assert.False(t, pm.Match(Keyword("bill"), "billion"))
	assert.False(t, pm.Match(Keyword(" "), "anything"))

	// cached result
	assert.True(t, pm.Match(Keyword("co-pay"), "my co-pay"))
}

func TestPatternMatcher_RejectsUnsafeRegex(t *testing.T) {
	pm := NewPatternMatcher(8)

	tests := []string{
		`(a+)+`,
		`x{1001}`,
		strings.Repeat("a|", 101) + "a",
		strings.Repeat("a", 1001),
	}
	for _, expr := range tests {
		_, err := pm.Compile(Pattern{Type: PatternRegex, Value: expr})
		var perr *PatternError
		require.ErrorAs(t, err, &perr, expr)
	}

	re, err := pm.Compile(Pattern{Type: PatternRegex, Value: `^MBR\d+$`})
	require.NoError(t, err)
	assert.True(t, re.MatchString("MBR1"))
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache(2)
	c.Put("a", 1)
	c.Put("b", 2)
	_, _ = c.Get("a")
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
