package ocr

import (
	"sort"
	"strings"
)

const (
	// TypeKey is the reserved record key naming the detected document kind
	TypeKey = "type"

	// TypeUnknown marks a payload with no recognizable document
	TypeUnknown = "unknown"

	// TypeError marks a file that could not be processed
	TypeError = "error"

	errorKey = "error"
)

// Record is the flat field/value mapping produced from a provider payload.
// The "type" key is always present.
type Record map[string]string

// Unknown returns the record used when no document could be recognized
func Unknown() Record {
	return Record{TypeKey: TypeUnknown}
}

// Failed returns the per-file error marker
func Failed(message string) Record {
	return Record{TypeKey: TypeError, errorKey: message}
}

// Type returns the document type of the record
func (r Record) Type() string {
	return r[TypeKey]
}

// IsError reports whether the record is an error marker
func (r Record) IsError() bool {
	return r.Type() == TypeError
}

// Fields returns the record keys with "type" first and the rest sorted
func (r Record) Fields() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		if k != TypeKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := r[TypeKey]; ok {
		keys = append([]string{TypeKey}, keys...)
	}
	return keys
}

// TSV renders the record as key<TAB>value lines, the format used by "copy all"
func (r Record) TSV() string {
	lines := make([]string, 0, len(r))
	for _, k := range r.Fields() {
		lines = append(lines, k+"\t"+r[k])
	}
	return strings.Join(lines, "\n")
}
