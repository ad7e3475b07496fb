package netutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidHostName(t *testing.T) {
	for name, want := range map[string]bool{
		"web-1":      true,
		"db_primary": true,
		"":           false,
		"a.example":  false,
		"-leading":   false,
		"with/slash": false,
	} {
		assert.Equal(t, want, IsValidHostName(name), name)
	}
}

func TestJoinHostPort(t *testing.T) {
	assert.Equal(t, "10.0.0.1:22", JoinHostPort("10.0.0.1", 0, 22))
	assert.Equal(t, "[::1]:2222", JoinHostPort("::1", 2222, 22))
}

func TestSplitHostPort(t *testing.T) {
	h, p, err := SplitHostPort("example.org", 22)
	assert.NoError(t, err)
	assert.Equal(t, "example.org", h)
	assert.Equal(t, "22", p)
}
