package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty", input: "", expected: []string{}},
		{name: "single", input: "kiosk-1", expected: []string{"kiosk-1"}},
		{name: "trims and drops blanks", input: " a, ,b ,", expected: []string{"a", "b"}},
		{name: "keeps first occurrence", input: "b,a,b", expected: []string{"b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.input))
		})
	}
}

func TestDedupe(t *testing.T) {
	assert.Nil(t, Dedupe(nil))
	assert.Equal(t, []string{"Key", "key"}, Dedupe([]string{" Key", "key ", "Key"}))
}

func TestDedupeFold(t *testing.T) {
	got := DedupeFold([]string{"https://Kiosk.example", "https://kiosk.example ", "http://localhost:3000"})
	assert.Equal(t, []string{"https://kiosk.example", "http://localhost:3000"}, got)
}
