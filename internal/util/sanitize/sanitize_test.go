package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMuxName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"already clean", "my-agent_1.2", "my-agent_1.2"},
		{"spaces", "my agent", "my-agent"},
		{"slashes and colons", "a/b:c", "a-b-c"},
		{"unicode", "agent-日本", "agent---"},
		{"control chars", "a\x00b", "a-b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MuxName(tt.input), "MuxName(%q)", tt.input)
		})
	}
}

func TestTitle(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"empty", "", 100, ""},
		{"normal", "bash", 100, "bash"},
		{"with control chars", "ba\x00sh\x07", 100, "bash"},
		{"truncate", "very long title", 8, "very lon"},
		{"trim whitespace", "  hello  ", 100, "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Title(tt.input, tt.maxLen), "Title(%q, %d)", tt.input, tt.maxLen)
		})
	}
}
