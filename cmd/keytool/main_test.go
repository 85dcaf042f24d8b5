package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/api-manager/api-manager/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Generate(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"generate", "-length", "64", "-email", "dev@example.com"}, &out))

	lines := strings.Split(out.String(), "\n")
	require.True(t, strings.HasPrefix(lines[0], "Key:"))
	key := strings.TrimSpace(strings.TrimPrefix(lines[0], "Key:"))
	assert.Len(t, key, 64)
	assert.Contains(t, out.String(), auth.HashAPIKey(key))
	assert.Contains(t, out.String(), auth.KeyPreview(key))
	assert.Contains(t, out.String(), "WHERE email = 'dev@example.com'")
}

func TestRun_GenerateRejectsShortKeys(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, run([]string{"generate", "-length", "16"}, &out))
}

func TestRun_Digest(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"digest", "abc"}, &out))
	assert.Equal(t, auth.HashAPIKey("abc")+"\n", out.String())
}

func TestRun_HashPassword(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"hash-password", "-cost", "4", "Secret123!"}, &out))
	assert.True(t, auth.CheckPassword("Secret123!", strings.TrimSpace(out.String())))
}

func TestRun_Errors(t *testing.T) {
	for _, args := range [][]string{nil, {"digest"}, {"hash-password"}, {"bogus"}} {
		var out bytes.Buffer
		assert.Error(t, run(args, &out), "args %v", args)
	}
}
