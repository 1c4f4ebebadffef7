package logger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVs(t *testing.T) {
	out := sanitizeKVs([]interface{}{
		"job_id", 7,
		"lock_token", "abc",
		"email", "someone@example.com",
		"dangling",
	})

	assert.Equal(t, "job_id", out[0])
	assert.Equal(t, 7, out[1])
	assert.Equal(t, "[REDACTED]", out[3])

	hashed, ok := out[5].(string)
	assert.True(t, ok)
	assert.True(t, strings.HasPrefix(hashed, "hash:"))
	assert.NotContains(t, hashed, "example.com")

	assert.Equal(t, "dangling", out[6])
}

func TestNop(t *testing.T) {
	l := Nop().With("component", "test")
	l.Info("no output", "k", "v")
}
