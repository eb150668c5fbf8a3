package envfile

import (
	"bytes"
	"strings"
)

// line is one physical line of an env file. Comments and blank lines have
// an empty key and are reproduced verbatim.
type line struct {
	key   string
	value string
	raw   string
}

// Document is an env file that keeps ordering, comments and unknown keys
// intact across read-modify-write cycles.
type Document struct {
	lines []line
	index map[string]int
}

// Parse reads KEY=VALUE lines. Lines without '=' and lines starting with '#'
// are kept as opaque text. Lines have no length limit.
func Parse(data []byte) *Document {
	d := &Document{index: make(map[string]int)}
	if len(data) == 0 {
		return d
	}
	for _, raw := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		raw = strings.TrimSuffix(raw, "\r")
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || !strings.Contains(trimmed, "=") {
			d.lines = append(d.lines, line{raw: raw})
			continue
		}
		k, v, _ := strings.Cut(trimmed, "=")
		k = strings.TrimSpace(strings.TrimPrefix(k, "export "))
		if _, dup := d.index[k]; !dup {
			d.index[k] = len(d.lines)
		}
		d.lines = append(d.lines, line{key: k, value: v, raw: raw})
	}
	return d
}

// Get returns the value of the first assignment of key.
func (d *Document) Get(key string) (string, bool) {
	i, ok := d.index[key]
	if !ok {
		return "", false
	}
	return d.lines[i].value, true
}

// Set replaces the value of key in place, or appends it. It reports whether
// the document changed.
func (d *Document) Set(key, value string) bool {
	if i, ok := d.index[key]; ok {
		if d.lines[i].value == value {
			return false
		}
		d.lines[i] = line{key: key, value: value, raw: key + "=" + value}
		return true
	}
	d.index[key] = len(d.lines)
	d.lines = append(d.lines, line{key: key, value: value, raw: key + "=" + value})
	return true
}

// Keys returns the assigned keys in file order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.index))
	for i, l := range d.lines {
		if l.key != "" && d.index[l.key] == i {
			keys = append(keys, l.key)
		}
	}
	return keys
}

// Bytes renders the document with a trailing newline.
func (d *Document) Bytes() []byte {
	var buf bytes.Buffer
	for _, l := range d.lines {
		buf.WriteString(l.raw)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
