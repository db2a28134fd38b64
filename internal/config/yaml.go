package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// configFormat names the syntax of the file at path: "yaml" for .yaml/.yml,
// "json" otherwise.
func configFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// toJSON returns the config document as JSON so both formats share the
// strict decoder in Decode.
func toJSON(format string, data []byte) ([]byte, error) {
	if format != "yaml" {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	doc, err := stringKeys(doc, "")
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// stringKeys rejects mappings whose keys are not strings; every config key
// (and every webhook header name) is a string.
func stringKeys(v any, at string) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			c, err := stringKeys(e, at+"."+k)
			if err != nil {
				return nil, err
			}
			x[k] = c
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml%s: key %v is not a string", at, k)
			}
			c, err := stringKeys(e, at+"."+ks)
			if err != nil {
				return nil, err
			}
			m[ks] = c
		}
		return m, nil
	case []any:
		for i, e := range x {
			c, err := stringKeys(e, fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			x[i] = c
		}
		return x, nil
	default:
		return v, nil
	}
}
