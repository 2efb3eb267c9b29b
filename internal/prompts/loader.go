// Package prompts resolves the prompt templates used for every model call.
// Built-in templates are JSON files embedded at compile time; stage templates
// are addressed by numeric id and grouped into prompt groups (see Catalog).
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

//go:embed *.json
var promptFiles embed.FS

// WritingFile holds the auxiliary prompts (optimize, summary, review)
const WritingFile = "writing.json"

// Auxiliary prompt keys in WritingFile
const (
	KeyStageOptimize   = "stage-optimize"
	KeyChapterSummary  = "chapter-summary"
	KeyChapterReview   = "chapter-review"
	KeyChapterOptimize = "chapter-optimize"
)

// WritingKeys are the auxiliary prompts the engine calls by key
var WritingKeys = []string{KeyStageOptimize, KeyChapterSummary, KeyChapterReview, KeyChapterOptimize}

var (
	cache   = make(map[string]map[string]string)
	cacheMu sync.RWMutex
)

// Get retrieves a prompt by filename and key.
func Get(filename, key string) (string, error) {
	set, err := loadFile(filename)
	if err != nil {
		return "", err
	}

	prompt, exists := set[key]
	if !exists {
		return "", fmt.Errorf("prompt key %q not found in %s", key, filename)
	}
	return prompt, nil
}

// Format replaces {{.Key}} placeholders with values from data.
// Placeholders without a value are left in place.
func Format(template string, data map[string]string) string {
	if len(data) == 0 {
		return template
	}
	pairs := make([]string, 0, len(data)*2)
	for key, value := range data {
		pairs = append(pairs, "{{."+key+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// List returns the sorted prompt keys of a file.
func List(filename string) ([]string, error) {
	set, err := loadFile(filename)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Missing returns the keys absent from a file, in the order given.
func Missing(filename string, keys []string) ([]string, error) {
	have, err := List(filename)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, key := range keys {
		if i := sort.SearchStrings(have, key); i == len(have) || have[i] != key {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// ClearCache clears the prompt cache. Useful for testing.
func ClearCache() {
	cacheMu.Lock()
	cache = make(map[string]map[string]string)
	cacheMu.Unlock()
}

func loadFile(filename string) (map[string]string, error) {
	cacheMu.RLock()
	set, ok := cache[filename]
	cacheMu.RUnlock()
	if ok {
		return set, nil
	}

	data, err := promptFiles.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", filename, err)
	}

	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", filename, err)
	}

	cacheMu.Lock()
	cache[filename] = set
	cacheMu.Unlock()

	return set, nil
}
