package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey names files merged underneath the including file. Keys in the
// including file win.
const includeKey = "$include"

// maxIncludeDepth bounds include chains.
const maxIncludeDepth = 8

// envRef matches ${NAME} and ${NAME:-fallback}. A bare $NAME is not expanded:
// allowlist patterns and commands routinely contain literal dollars.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes ${NAME} references. Unset or empty variables take the
// fallback, or the empty string.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[2]
	})
}

// tree is a parsed configuration document before it is typed.
type tree = map[string]any

type fileLoader struct {
	stack []string
}

// readTree parses path and everything it includes into one merged tree.
func readTree(path string) (tree, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &fileLoader{}
	return l.load(path)
}

func (l *fileLoader) load(path string) (tree, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, open := range l.stack {
		if open == abs {
			return nil, fmt.Errorf("config include cycle: %s", strings.Join(append(l.stack, abs), " -> "))
		}
	}
	if len(l.stack) >= maxIncludeDepth {
		return nil, fmt.Errorf("config includes nested deeper than %d at %s", maxIncludeDepth, abs)
	}
	l.stack = append(l.stack, abs)
	defer func() { l.stack = l.stack[:len(l.stack)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	doc, err := parseDocument(abs, []byte(ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	base := tree{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		overlay(base, sub)
	}
	overlay(base, doc)
	return base, nil
}

// parseDocument decodes JSON5 for .json/.json5 files and YAML otherwise.
func parseDocument(path string, data []byte) (tree, error) {
	doc := tree{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("config must be a single YAML document")
		}
	}
	if doc == nil {
		doc = tree{}
	}
	return doc, nil
}

func takeIncludes(doc tree) ([]string, error) {
	value, ok := doc[includeKey]
	delete(doc, includeKey)
	if !ok || value == nil {
		return nil, nil
	}
	var out []string
	switch v := value.(type) {
	case string:
		out = append(out, v)
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}
	paths := out[:0]
	for _, p := range out {
		if strings.TrimSpace(p) != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// overlay merges src into dst in place. Nested maps merge; anything else in
// src replaces dst.
func overlay(dst, src tree) {
	for key, value := range src {
		sub, isMap := value.(tree)
		existing, hasMap := dst[key].(tree)
		if isMap && hasMap {
			overlay(existing, sub)
			continue
		}
		dst[key] = value
	}
}

// decode types a merged tree, rejecting unknown keys.
func decode(doc tree) (*Config, error) {
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
