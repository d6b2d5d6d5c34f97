// ABOUTME: Persona file header parsing: YAML (---) or TOML (+++) front matter
// ABOUTME: Malformed headers fall back to a line-based key: value scan

package persona

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNoHeader indicates the file has no front matter fence.
	ErrNoHeader = errors.New("persona: no header")
	// ErrMalformedHeader indicates the front matter could not be decoded.
	ErrMalformedHeader = errors.New("persona: malformed header")
)

// header is the subset of front matter keys the registry understands.
// Other keys (tools, model, ...) are ignored.
type header struct {
	Name        string `yaml:"name" toml:"name"`
	Description string `yaml:"description" toml:"description"`
	Color       string `yaml:"color" toml:"color"`
	DisplayName string `yaml:"display_name" toml:"display_name"`
	ShortTag    string `yaml:"short_tag" toml:"short_tag"`
}

// parseHeader extracts the front matter and body. When the header block is
// present but cannot be decoded, the best-effort scan result is returned
// together with ErrMalformedHeader.
func parseHeader(content []byte) (header, []byte, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))

	var fence string
	switch {
	case bytes.HasPrefix(normalized, []byte("---\n")):
		fence = "---"
	case bytes.HasPrefix(normalized, []byte("+++\n")):
		fence = "+++"
	default:
		return header{}, normalized, ErrNoHeader
	}

	rest := normalized[len(fence)+1:]
	var raw, body []byte
	if bytes.HasPrefix(rest, []byte(fence+"\n")) {
		raw, body = nil, rest[len(fence)+1:]
	} else {
		parts := bytes.SplitN(rest, []byte("\n"+fence+"\n"), 2)
		if len(parts) < 2 {
			if !bytes.HasSuffix(rest, []byte("\n"+fence)) {
				return header{}, normalized, fmt.Errorf("%w: unterminated %s block", ErrMalformedHeader, fence)
			}
			parts = [][]byte{bytes.TrimSuffix(rest, []byte("\n"+fence)), nil}
		}
		raw, body = parts[0], parts[1]
	}

	var h header
	var err error
	if fence == "---" {
		err = yaml.Unmarshal(raw, &h)
	} else {
		_, err = toml.Decode(string(raw), &h)
	}
	if err != nil {
		return scanHeader(raw), body, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return h, body, nil
}

// scanHeader reads top-level "key: value" lines, which is enough for the
// common case of an unquoted description containing a colon.
func scanHeader(raw []byte) header {
	var h header
	for line := range strings.SplitSeq(string(raw), "\n") {
		if line == "" || line[0] == ' ' || line[0] == '\t' || line[0] == '-' {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			key, val, ok = strings.Cut(line, "=")
		}
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if val == "" {
			continue
		}
		switch key {
		case "name":
			h.Name = val
		case "description":
			h.Description = val
		case "color":
			h.Color = val
		case "display_name":
			h.DisplayName = val
		case "short_tag":
			h.ShortTag = val
		}
	}
	return h
}
