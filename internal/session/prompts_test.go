package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomPool_DeterministicPerSeed(t *testing.T) {
	vocab := strings.Fields("the quick brown fox jumps over the lazy dog")

	a, err := RandomPool(42, vocab, 10, 5)
	require.NoError(t, err)
	b, err := RandomPool(42, vocab, 10, 5)
	require.NoError(t, err)
	c, err := RandomPool(43, vocab, 10, 5)
	require.NoError(t, err)

	assert.Equal(t, 5, a.Len())
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.Prompt(i), b.Prompt(i))
		assert.Len(t, strings.Fields(a.Prompt(i)), 10)
	}

	differs := false
	for i := 0; i < 5; i++ {
		if a.Prompt(i) != c.Prompt(i) {
			differs = true
		}
	}
	assert.True(t, differs)

	// rotation wraps by request count
	assert.Equal(t, a.Prompt(1), a.Prompt(6))
}

func TestRandomPool_Rejects(t *testing.T) {
	_, err := RandomPool(1, nil, 10, 5)
	assert.Error(t, err)
	_, err = RandomPool(1, []string{"a"}, 0, 5)
	assert.Error(t, err)
	_, err = RandomPool(1, []string{"a"}, 3, 0)
	assert.Error(t, err)
}

func TestInputLength(t *testing.T) {
	n, err := InputLength("Datasets/2500.txt")
	require.NoError(t, err)
	assert.Equal(t, 2500, n)

	_, err = InputLength("Datasets/article.txt")
	assert.Error(t, err)
}

func TestNewPromptSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "12.txt")
	require.NoError(t, os.WriteFile(path, []byte("Summarize the poem:\nroses are red violets are blue\n"), 0644))

	fixed, err := NewPromptSource(path, false, 0)
	require.NoError(t, err)
	pool, err := fixed(7)
	require.NoError(t, err)
	assert.Equal(t, "Summarize the poem:\nroses are red violets are blue", pool.Prompt(3))

	random, err := NewPromptSource(path, true, 0)
	require.NoError(t, err)
	pool, err = random(7)
	require.NoError(t, err)
	assert.Equal(t, DefaultPoolSize, pool.Len())
	assert.Len(t, strings.Fields(pool.Prompt(0)), 12)
}

func TestLoadInput_Errors(t *testing.T) {
	_, err := LoadInput(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0644))
	_, err = LoadInput(empty)
	assert.Error(t, err)
}
