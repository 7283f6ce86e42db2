package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// readGraphDocument reads a graph file and returns it as JSON. YAML files
// (.yaml, .yml) are decoded and re-encoded; anything else is taken as JSON.
func readGraphDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlToJSON(data)
	}
	return data, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode yaml as json: %w", err)
	}
	return out, nil
}

// varsFlag collects repeated -var name=value flags. Values that parse as
// JSON keep their JSON type; everything else is a string.
type varsFlag map[string]any

func (v varsFlag) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	return strings.Join(keys, ",")
}

func (v varsFlag) Set(s string) error {
	name, raw, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	var val any
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&val); err != nil || dec.More() {
		val = raw
	}
	if n, isNum := val.(json.Number); isNum {
		if i, err := n.Int64(); err == nil {
			val = int(i)
		} else if f, err := n.Float64(); err == nil {
			val = f
		}
	}
	v[name] = val
	return nil
}

// readVarsFile loads variables from a JSON or YAML object file.
func readVarsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vars %s: %w", path, err)
	}
	vars := map[string]any{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("decode vars %s: %w", path, err)
	}
	return vars, nil
}

// mergeVars layers b over a into a new map.
func mergeVars(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
