package session

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPoolSize is the number of prompt variants a random pool holds
const DefaultPoolSize = 200

// PromptPool hands out the prompt for the n-th request of a session
type PromptPool interface {
	Prompt(n int) string
	Len() int
}

// PromptSource builds the pool for one session from its seed
type PromptSource func(seed uint32) (PromptPool, error)

type fixedPool struct {
	text string
}

func (p fixedPool) Prompt(int) string { return p.text }
func (p fixedPool) Len() int          { return 1 }

// FixedPool repeats the same prompt for every request
func FixedPool(text string) PromptPool {
	return fixedPool{text: text}
}

type rotatingPool struct {
	prompts []string
}

func (p *rotatingPool) Prompt(n int) string {
	return p.prompts[n%len(p.prompts)]
}

func (p *rotatingPool) Len() int { return len(p.prompts) }

// RandomPool builds size prompts of words words each, drawn from vocab with a
// generator seeded by seed. Different sessions get different prompts so the
// server's prefix cache cannot serve them.
func RandomPool(seed uint32, vocab []string, words, size int) (PromptPool, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	if words < 1 {
		return nil, fmt.Errorf("prompt length must be positive, got %d", words)
	}
	if size < 1 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)<<32|0x9e3779b9))
	pool := &rotatingPool{prompts: make([]string, size)}
	var b strings.Builder
	for i := range pool.prompts {
		b.Reset()
		for w := 0; w < words; w++ {
			if w > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(vocab[rng.IntN(len(vocab))])
		}
		pool.prompts[i] = b.String()
	}
	return pool, nil
}

// LoadInput reads the prompt material from path
func LoadInput(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read input file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("input file %s is empty", path)
	}
	return text, nil
}

// InputLength parses the prompt length from a dataset file name such as
// Datasets/2500.txt
func InputLength(path string) (int, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	n, err := strconv.Atoi(base)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("cannot derive input length from file name %q", filepath.Base(path))
	}
	return n, nil
}

// NewPromptSource returns the pool builder for a run. Fixed mode uses the
// whole input file as the prompt; random mode draws InputLength(path) words
// per prompt from the file's vocabulary.
func NewPromptSource(path string, random bool, poolSize int) (PromptSource, error) {
	text, err := LoadInput(path)
	if err != nil {
		return nil, err
	}
	if !random {
		pool := FixedPool(text)
		return func(uint32) (PromptPool, error) { return pool, nil }, nil
	}

	words, err := InputLength(path)
	if err != nil {
		return nil, err
	}
	if poolSize < 1 {
		poolSize = DefaultPoolSize
	}
	vocab := strings.Fields(text)
	return func(seed uint32) (PromptPool, error) {
		return RandomPool(seed, vocab, words, poolSize)
	}, nil
}
