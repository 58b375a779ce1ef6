package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueMatches(t *testing.T) {
	tests := []struct {
		name      string
		got, want string
		match     bool
	}{
		{"exact", "alice", "alice", true},
		{"formatter appended a suffix", "4111 1111 1111 1111", "4111 1111", true},
		{"truncated", "ali", "alice", false},
		{"different", "bob", "alice", false},
		{"empty request needs empty field", "left over", "", false},
		{"empty request on empty field", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, valueMatches(tt.got, tt.want))
		})
	}
}
