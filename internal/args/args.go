// Package args turns a device argument string into per-device key/value groups.
//
// A device argument string is a whitespace separated list of groups, each group
// being a comma separated list of key=value or bare key tokens:
//
//	rtl=0,bias=1 file=/tmp/capture.dat,repeat=false
//
// Single quotes protect whitespace and commas inside values
// (label='SDRplay RSP'). Quotes are stripped from the parsed values.
package args

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Dict is one device argument group decomposed into keys and values.
// Bare keys map to the empty string.
type Dict map[string]string

// Has reports whether key is present in the group.
func (d Dict) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Get returns the value for key or def when the key is absent or empty.
func (d Dict) Get(key, def string) string {
	if v, ok := d[key]; ok && v != "" {
		return v
	}
	return def
}

// Float parses key as a float, returning def when it is absent.
func (d Dict) Float(key string, def float64) (float64, error) {
	v := d.Get(key, "")
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid value for %s: %q", key, v)
	}
	return f, nil
}

// Int parses key as an integer, returning def when it is absent.
func (d Dict) Int(key string, def int) (int, error) {
	v := d.Get(key, "")
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid value for %s: %q", key, v)
	}
	return i, nil
}

// Bool parses key as a boolean. A bare key counts as true.
func (d Dict) Bool(key string, def bool) (bool, error) {
	v, ok := d[key]
	if !ok {
		return def, nil
	}
	if v == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid value for %s: %q", key, v)
	}
	return b, nil
}

// String renders the group back into key=value form with keys sorted.
func (d Dict) String() string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := d[k]
		switch {
		case v == "":
			parts = append(parts, k)
		case strings.ContainsAny(v, " ,'"):
			parts = append(parts, fmt.Sprintf("%s='%s'", k, strings.ReplaceAll(v, "'", `\'`)))
		default:
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, ",")
}

// Split breaks an argument string into its device groups, honouring quotes.
func Split(s string) []string {
	return tokenize(s, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
}

// ParseGroup decomposes one device group into a Dict.
func ParseGroup(group string) Dict {
	dict := make(Dict)
	for _, tok := range tokenize(group, func(r rune) bool { return r == ',' }) {
		key, value, _ := strings.Cut(tok, "=")
		key = strings.TrimSpace(unquote(key))
		if key == "" {
			continue
		}
		dict[key] = strings.TrimSpace(unquote(value))
	}
	return dict
}

// Parse splits s into groups and decomposes each of them.
func Parse(s string) []Dict {
	groups := Split(s)
	dicts := make([]Dict, 0, len(groups))
	for _, g := range groups {
		dicts = append(dicts, ParseGroup(g))
	}
	return dicts
}

// tokenize splits s on runes matching sep while keeping single-quoted runs
// intact. Quotes are preserved in the tokens so nested splitting still sees them.
func tokenize(s string, sep func(rune) bool) []string {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
		escaped bool
	)

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			current.WriteRune(r)
			escaped = true
		case r == '\'':
			quoted = !quoted
			current.WriteRune(r)
		case !quoted && sep(r):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return tokens
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, `\'`, "\x00")
	s = strings.ReplaceAll(s, "'", "")
	return strings.ReplaceAll(s, "\x00", "'")
}
