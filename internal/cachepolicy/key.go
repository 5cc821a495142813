package cachepolicy

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const keySep = "_"

type keyPart struct {
	name  string
	value string
}

// Key builds a cache key from an operation tag, optional scope pairs and a
// parameter map. String is pure and deterministic: scopes keep their
// declared order, params are sorted by name and empty values are dropped,
// so the order params are added in never changes the key.
type Key struct {
	op     string
	scopes []keyPart
	params map[string]string
}

// NewKey starts a key for operation op.
func NewKey(op string) *Key {
	return &Key{op: op, params: make(map[string]string)}
}

// Scope appends a leading name/value pair. Scopes precede params so a
// scoped prefix can be purged with a single pattern.
func (k *Key) Scope(name string, v any) *Key {
	k.scopes = append(k.scopes, keyPart{name: name, value: formatValue(v)})
	return k
}

// With sets a parameter. A later call with the same name replaces it.
func (k *Key) With(name string, v any) *Key {
	if s := formatValue(v); s != "" {
		k.params[name] = s
	} else {
		delete(k.params, name)
	}
	return k
}

// String serializes the key.
func (k *Key) String() string {
	parts := []string{k.op}
	for _, s := range k.scopes {
		parts = append(parts, s.name, escapeValue(s.value))
	}
	names := make([]string, 0, len(k.params))
	for name := range k.params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name, escapeValue(k.params[name]))
	}
	return strings.Join(parts, keySep)
}

// Prefix returns the op and scope pairs followed by a separator, suitable
// for building a purge pattern over every key under those scopes.
func (k *Key) Prefix() string {
	parts := []string{k.op}
	for _, s := range k.scopes {
		parts = append(parts, s.name, escapeValue(s.value))
	}
	return strings.Join(parts, keySep) + keySep
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		if x == 0 {
			return ""
		}
		return strconv.Itoa(x)
	case int64:
		if x == 0 {
			return ""
		}
		return strconv.FormatInt(x, 10)
	case bool:
		if !x {
			return ""
		}
		return "true"
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// escapeValue makes a value safe to embed: separators and glob
// metacharacters never appear unescaped in a key.
func escapeValue(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), keySep, "%5F")
}
