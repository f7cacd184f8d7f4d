package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"plain", "Central Station", 0, "Central Station"},
		{"trims and collapses", "  Terminal \t\n 2  ", 0, "Terminal 2"},
		{"strips tags", "<b>Airport</b> <script>x</script>", 0, "Airport x"},
		{"drops control characters", "Gate\x00 7\x07", 0, "Gate 7"},
		{"truncates by rune", "Köln Hbf", 4, "Köln"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanText(tt.input, tt.max))
		})
	}
}

func TestSanitizePhone(t *testing.T) {
	assert.Equal(t, "+15551234567", SanitizePhone(" +1 (555) 123-4567 "))
	assert.Equal(t, "", SanitizePhone("n/a"))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", TruncateString("abc", 10))
	assert.Equal(t, "ab", TruncateString("abc", 2))
	assert.Equal(t, "abc", TruncateString("abc", 0))
}
