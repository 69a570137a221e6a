package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Content types produced by the built-in serializers.
const (
	ContentTypeJSON = "application/json"
	ContentTypeYAML = "application/yaml"
)

// ErrEncodingFailed wraps serializer failures.
var ErrEncodingFailed = errors.New("encoding failed")

// Serializer turns an endpoint result into response bytes.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	ContentType() string
}

// JSONSerializer encodes with encoding/json.
type JSONSerializer struct {
	Pretty bool
}

func (s JSONSerializer) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if s.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (JSONSerializer) ContentType() string { return ContentTypeJSON }

// YAMLSerializer encodes with yaml.v3.
type YAMLSerializer struct{}

func (YAMLSerializer) Serialize(v any) ([]byte, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
	}
	return out, nil
}

func (YAMLSerializer) ContentType() string { return ContentTypeYAML }

var contentTypeAliases = map[string]string{
	"text/json":          ContentTypeJSON,
	"application/x-yaml": ContentTypeYAML,
	"text/yaml":          ContentTypeYAML,
}

// pickSerializer selects by Accept header, highest q first; the first
// serializer is the default.
func pickSerializer(serializers []Serializer, accept string) Serializer {
	if len(serializers) == 0 {
		return JSONSerializer{}
	}
	if strings.TrimSpace(accept) == "" {
		return serializers[0]
	}
	type mediaType struct {
		name string
		q    float64
	}
	var types []mediaType
	for _, part := range strings.Split(accept, ",") {
		fields := strings.Split(part, ";")
		name := strings.ToLower(strings.TrimSpace(fields[0]))
		if name == "" {
			continue
		}
		if alias, ok := contentTypeAliases[name]; ok {
			name = alias
		}
		q := 1.0
		for _, param := range fields[1:] {
			key, value, found := strings.Cut(strings.TrimSpace(param), "=")
			if found && strings.EqualFold(key, "q") {
				if parsed, err := strconv.ParseFloat(value, 64); err == nil {
					q = parsed
				}
			}
		}
		if q > 0 {
			types = append(types, mediaType{name: name, q: q})
		}
	}
	sort.SliceStable(types, func(i, j int) bool { return types[i].q > types[j].q })
	for _, mt := range types {
		if mt.name == "*/*" || mt.name == "application/*" {
			return serializers[0]
		}
		for _, s := range serializers {
			if s.ContentType() == mt.name {
				return s
			}
		}
	}
	return serializers[0]
}
