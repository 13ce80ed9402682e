// Package checksum produces short, deterministic fingerprints of structured
// values. Two values that encode to the same JSON document, regardless of
// object key order, have the same fingerprint on every process and on both
// sides of a sync.
//
// The hash is 64-bit FNV-1a. It is meant to catch accidental divergence and
// accidental merges, not adversarial collisions.
package checksum

import (
	"bytes"
	"encoding/hex"
	"hash/fnv"
	"io"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// Of returns the hex fingerprint of v.
func Of(v any) (string, error) {
	h := fnv.New64a()
	if err := writeCanonical(h, v); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustOf is like Of but panics if v cannot be encoded.
func MustOf(v any) string {
	sum, err := Of(v)
	if err != nil {
		panic(err)
	}
	return sum
}

// Key fingerprints an ordered tuple of fields. It is used to build grouping
// keys out of a fixed subset of an entity's fields.
func Key(fields ...any) (string, error) {
	return Of(fields)
}

// Canonical returns the canonical JSON encoding that Of hashes.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode value for checksum")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return errors.Wrap(err, "failed to decode value for checksum")
	}
	cw := &canonicalWriter{w: w}
	cw.write(tree)
	return cw.err
}

type canonicalWriter struct {
	w   io.Writer
	err error
}

func (cw *canonicalWriter) raw(s string) {
	if cw.err != nil {
		return
	}
	_, cw.err = io.WriteString(cw.w, s)
}

func (cw *canonicalWriter) str(s string) {
	b, err := json.Marshal(s)
	if err != nil {
		if cw.err == nil {
			cw.err = errors.WithStack(err)
		}
		return
	}
	cw.raw(string(b))
}

func (cw *canonicalWriter) write(node any) {
	switch n := node.(type) {
	case nil:
		cw.raw("null")
	case bool:
		cw.raw(strconv.FormatBool(n))
	case json.Number:
		cw.raw(normalizeNumber(n))
	case string:
		cw.str(n)
	case []any:
		cw.raw("[")
		for i, item := range n {
			if i > 0 {
				cw.raw(",")
			}
			cw.write(item)
		}
		cw.raw("]")
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cw.raw("{")
		for i, k := range keys {
			if i > 0 {
				cw.raw(",")
			}
			cw.str(k)
			cw.raw(":")
			cw.write(n[k])
		}
		cw.raw("}")
	default:
		if cw.err == nil {
			cw.err = errors.Errorf("unexpected %T in checksum input", node)
		}
	}
}

// normalizeNumber makes 1, 1.0 and 1e0 hash the same.
func normalizeNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return n.String()
}
