package security

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParsePolicyDSL reads a line-oriented policy document on top of the
// defaults. Each line is `key = value` or `key: value`; list values are
// comma separated; `#` and `//` start comments. Recognized keys:
//
//	allowed_methods, allowed_path_prefixes, denied_path_prefixes,
//	allowed_content_types, block_suspicious,
//	limits.max_headers_bytes, limits.max_body_bytes
func ParsePolicyDSL(text string) (InboundPolicy, error) {
	p := DefaultInboundPolicy()

	sc := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}

		key, value, ok := splitDSLLine(line)
		if !ok {
			return InboundPolicy{}, fmt.Errorf("line %d: expected 'key = value'", lineNo)
		}

		switch key {
		case "allowed_methods":
			p.AllowedMethods = splitList(value)
		case "allowed_path_prefixes":
			p.AllowedPathPrefixes = splitList(value)
		case "denied_path_prefixes":
			p.DeniedPathPrefixes = splitList(value)
		case "allowed_content_types":
			p.AllowedContentTypes = splitList(value)
		case "block_suspicious":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return InboundPolicy{}, fmt.Errorf("line %d: %s: %w", lineNo, key, err)
			}
			p.BlockSuspicious = b
		case "limits.max_headers_bytes", "limits.max_body_bytes":
			n, err := strconv.Atoi(value)
			if err != nil {
				return InboundPolicy{}, fmt.Errorf("line %d: %s: %w", lineNo, key, err)
			}
			if key == "limits.max_headers_bytes" {
				p.Limits.MaxHeaderBytes = n
			} else {
				p.Limits.MaxBodyBytes = n
			}
		default:
			return InboundPolicy{}, fmt.Errorf("line %d: unknown key %q", lineNo, key)
		}
	}
	if err := sc.Err(); err != nil {
		return InboundPolicy{}, fmt.Errorf("reading policy: %w", err)
	}

	if err := p.Validate(); err != nil {
		return InboundPolicy{}, err
	}
	return p, nil
}

// ParsePolicyJSON overlays a JSON document on the defaults.
func ParsePolicyJSON(data []byte) (InboundPolicy, error) {
	p := DefaultInboundPolicy()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return InboundPolicy{}, fmt.Errorf("parsing policy json: %w", err)
	}
	if err := p.Validate(); err != nil {
		return InboundPolicy{}, err
	}
	return p, nil
}

// ParsePolicyYAML overlays a YAML document on the defaults.
func ParsePolicyYAML(data []byte) (InboundPolicy, error) {
	p := DefaultInboundPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return InboundPolicy{}, fmt.Errorf("parsing policy yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return InboundPolicy{}, err
	}
	return p, nil
}

// FormatPolicyDSL renders p in the DSL accepted by ParsePolicyDSL.
func FormatPolicyDSL(p InboundPolicy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "allowed_methods = %s\n", strings.Join(p.AllowedMethods, ", "))
	fmt.Fprintf(&b, "allowed_path_prefixes = %s\n", strings.Join(p.AllowedPathPrefixes, ", "))
	fmt.Fprintf(&b, "denied_path_prefixes = %s\n", strings.Join(p.DeniedPathPrefixes, ", "))
	fmt.Fprintf(&b, "allowed_content_types = %s\n", strings.Join(p.AllowedContentTypes, ", "))
	fmt.Fprintf(&b, "block_suspicious = %t\n", p.BlockSuspicious)
	fmt.Fprintf(&b, "limits.max_headers_bytes = %d\n", p.Limits.MaxHeaderBytes)
	fmt.Fprintf(&b, "limits.max_body_bytes = %d\n", p.Limits.MaxBodyBytes)
	return b.String()
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func splitDSLLine(line string) (string, string, bool) {
	sep := strings.IndexAny(line, "=:")
	if sep <= 0 {
		return "", "", false
	}
	key := strings.ToLower(strings.TrimSpace(line[:sep]))
	value := strings.TrimSpace(line[sep+1:])
	return key, value, key != ""
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
