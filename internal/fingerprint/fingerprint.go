// Package fingerprint computes canonical cache keys for connection specs.
//
// The derivation is deliberately explicit about ordering rather than relying
// on any language's map iteration order: mapping keys are sorted, sequence
// order is preserved, and scalars are rendered via their textual form. Two
// specs that differ only in mapping-key order must fingerprint identically;
// two specs that differ in sequence-value order must not.
package fingerprint

import (
	"fmt"
	"sort"
	"strings"
)

// Direct is the via sentinel meaning "established directly from the
// multiplexer", as opposed to via some parent Context ID.
const Direct = ""

// Spec mirrors the wire ConnectionSpec: a transport method name plus its
// keyword arguments. KWArgs values may be scalars, []any (ordered), or
// map[string]any (nested, order-insensitive).
type Spec struct {
	Method string
	KWArgs map[string]any
}

// Of derives the canonical fingerprint of a (via, spec) pair.
func Of(via string, spec Spec) string {
	var b strings.Builder
	b.WriteString(viaToken(via))
	b.WriteByte('|')
	b.WriteString(spec.Method)
	b.WriteByte('|')
	encode(&b, spec.KWArgs)
	return b.String()
}

func viaToken(via string) string {
	if via == Direct {
		return "direct"
	}
	return "via:" + via
}

// encode writes a canonical textual form of v to b. Mappings are emitted in
// key-sorted order, sequences preserve their original order, and scalars are
// rendered with their default Go textual representation.
func encode(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			encode(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			encode(b, e)
		}
		b.WriteByte(']')
	default:
		fmt.Fprintf(b, "%v", t)
	}
}
