package costs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrice(t *testing.T) {
	tests := []struct {
		name string
		kind ActionKind
		text string
		want int
	}{
		{"empty text is base cost", ActionTemplate, "", 100},
		{"whitespace only is base cost", ActionTemplate, "  \t\n  ", 100},
		// hook: ceil(75 + 20*0.15); template: ceil(100 + 50*0.2);
		// fractional: ceil(75 + 3*0.15) = ceil(75.45); revival: ceil(200 + 0.3)
		{"hook with 20 words", ActionHook, strings.Repeat("word ", 20), 78},
		{"template with 50 words", ActionTemplate, strings.Repeat("word ", 50), 110},
		{"fractional cost rounds up", ActionHook, "one two three", 76},
		{"revival with 1 word", ActionRevival, "word", 201},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Price(tt.kind, tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriceDeterministic(t *testing.T) {
	text := "the same text every time"
	first, err := Price(ActionGeneration, text)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		got, err := Price(ActionGeneration, text)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestPriceUnknownKind(t *testing.T) {
	_, err := Price(ActionKind("teleport"), "text")
	require.Error(t, err)
	assert.False(t, Known(ActionKind("teleport")))
	assert.True(t, Known(ActionHook))
}

func TestWordCountSplitsOnRuns(t *testing.T) {
	// runs of mixed whitespace count as single separators
	got, err := Price(ActionHook, "one\t\t two \n three")
	require.NoError(t, err)
	want, err := Price(ActionHook, "one two three")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
