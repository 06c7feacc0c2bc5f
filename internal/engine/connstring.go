package engine

import (
	"strings"
)

// ConnectionString is an ordered set of `key=value;` pairs.
// Keys compare case-insensitively; values may be quoted with ' or ".
type ConnectionString struct {
	keys   []string
	values map[string]string
}

// Well known keys
const (
	KeyDataSource     = "Data Source"
	KeyInitialCatalog = "Initial Catalog"
	KeyProvider       = "Provider"
)

// ParseConnectionString splits s into its pairs. Malformed segments are skipped.
func ParseConnectionString(s string) ConnectionString {
	cs := ConnectionString{values: map[string]string{}}
	for _, seg := range splitSegments(s) {
		k, v, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		cs.Set(k, unquote(strings.TrimSpace(v)))
	}
	return cs
}

// Get returns the value for key
func (cs ConnectionString) Get(key string) string {
	return cs.values[strings.ToLower(key)]
}

// Set adds or replaces key, keeping first-seen key order
func (cs *ConnectionString) Set(key, value string) {
	if cs.values == nil {
		cs.values = map[string]string{}
	}
	lk := strings.ToLower(key)
	if _, ok := cs.values[lk]; !ok {
		cs.keys = append(cs.keys, key)
	}
	cs.values[lk] = value
}

// String renders the pairs back, quoting values that need it
func (cs ConnectionString) String() string {
	var b strings.Builder
	for i, k := range cs.keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		v := cs.values[strings.ToLower(k)]
		if strings.ContainsAny(v, `;"'`) || strings.TrimSpace(v) != v {
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(v, `"`, `""`))
			b.WriteByte('"')
		} else {
			b.WriteString(v)
		}
	}
	return b.String()
}

func splitSegments(s string) []string {
	var (
		segs  []string
		cur   strings.Builder
		quote rune
	)
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0 && r == quote:
			// doubled quote is an escaped quote
			if i+1 < len(runes) && runes[i+1] == quote {
				cur.WriteRune(r)
				cur.WriteRune(r)
				i++
				continue
			}
			quote = 0
			cur.WriteRune(r)
		case quote == 0 && (r == '"' || r == '\'') && strings.HasSuffix(strings.TrimSpace(cur.String()), "="):
			quote = r
			cur.WriteRune(r)
		case quote == 0 && r == ';':
			segs = append(segs, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		segs = append(segs, cur.String())
	}
	return segs
}

func unquote(v string) string {
	if len(v) >= 2 {
		q := v[0]
		if (q == '"' || q == '\'') && v[len(v)-1] == q {
			inner := v[1 : len(v)-1]
			return strings.ReplaceAll(inner, string([]byte{q, q}), string(q))
		}
	}
	return v
}
