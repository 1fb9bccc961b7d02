// Package rewrite implements the byte-level body substitution applied to
// traffic in both directions.
package rewrite

import "bytes"

var (
	from = []byte("json_schema")
	to   = []byte("json_object")
)

// Body replaces every literal occurrence of "json_schema" with "json_object".
// It works on raw bytes, so invalid UTF-8 passes through untouched.
// The input slice is never modified.
func Body(b []byte) []byte {
	if !bytes.Contains(b, from) {
		return b
	}
	return bytes.ReplaceAll(b, from, to)
}
