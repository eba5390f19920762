// Package dataset builds fixed-length prompt files from a source article.
// Word counts stand in for token counts.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Instruction is prepended to every generated prompt
const Instruction = "Summarize the poem:"

// Generate returns a prompt of exactly length words, counting the
// instruction. A short article is repeated until it is long enough.
func Generate(article string, length int) (string, error) {
	prefix := strings.Fields(Instruction)
	if length <= len(prefix) {
		return "", fmt.Errorf("length must exceed the %d instruction words, got %d", len(prefix), length)
	}
	words := strings.Fields(article)
	if len(words) == 0 {
		return "", fmt.Errorf("article is empty")
	}

	need := length - len(prefix)
	body := make([]string, 0, need)
	for len(body) < need {
		take := need - len(body)
		if take > len(words) {
			take = len(words)
		}
		body = append(body, words[:take]...)
	}
	return Instruction + "\n" + strings.Join(body, " "), nil
}

// FileName returns the dataset file for length, e.g. 2500.txt. The
// session package parses the prompt length back out of this name.
func FileName(length int) string {
	return strconv.Itoa(length) + ".txt"
}

// Write generates one file per length into outDir and returns their paths
func Write(articlePath, outDir string, lengths ...int) ([]string, error) {
	if len(lengths) == 0 {
		return nil, fmt.Errorf("no lengths given")
	}
	data, err := os.ReadFile(articlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read article: %w", err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var written []string
	for _, n := range lengths {
		text, err := Generate(string(data), n)
		if err != nil {
			return written, fmt.Errorf("length %d: %w", n, err)
		}
		p := filepath.Join(outDir, FileName(n))
		if err := os.WriteFile(p, []byte(text), 0644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", p, err)
		}
		written = append(written, p)
	}
	return written, nil
}
