// Package keys builds the stable identity strings used throughout the
// cache: field keys, connection page keys, and canonical connection
// keys. Everything here is a pure function over already-resolved
// argument values — no graph or plan state is touched.
package keys

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RootID is the RecordId of the query root.
const RootID = "@"

// Undefined is the sentinel used in argument/patch maps to mean "no
// value was supplied" as distinct from an explicit nil. StableStringify
// drops Undefined entries; PutRecord preserves a field's prior value
// when the patch value is Undefined.
var Undefined = undefinedType{}

type undefinedType struct{}

func (undefinedType) String() string { return "<undefined>" }

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedType)
	return ok
}

// StableStringify renders v as JSON with object keys sorted
// lexicographically at every level, entries whose value is Undefined
// omitted, explicit nils preserved as "null", and array order kept.
// Integral floats are rendered without a decimal point.
func StableStringify(v any) string {
	var sb strings.Builder
	writeStable(&sb, v)
	return sb.String()
}

func writeStable(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case undefinedType:
		sb.WriteString("null")
	case map[string]any:
		writeStableObject(sb, val)
	case string:
		sb.WriteString(strconv.Quote(val))
	case bool:
		sb.WriteString(strconv.FormatBool(val))
	case int:
		sb.WriteString(strconv.Itoa(val))
	case int64:
		sb.WriteString(strconv.FormatInt(val, 10))
	case float64:
		writeFloat(sb, val)
	case []any:
		writeStableArray(sb, val)
	default:
		sb.WriteString(strconv.Quote(fmt.Sprintf("%v", val)))
	}
}

func writeFloat(sb *strings.Builder, f float64) {
	if f == float64(int64(f)) {
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

func writeStableObject(sb *strings.Builder, m map[string]any) {
	keysList := make([]string, 0, len(m))
	for k, v := range m {
		if IsUndefined(v) {
			continue
		}
		keysList = append(keysList, k)
	}
	sort.Strings(keysList)

	sb.WriteByte('{')
	for i, k := range keysList {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Quote(k))
		sb.WriteByte(':')
		writeStable(sb, m[k])
	}
	sb.WriteByte('}')
}

func writeStableArray(sb *strings.Builder, arr []any) {
	sb.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			sb.WriteByte(',')
		}
		writeStable(sb, v)
	}
	sb.WriteByte(']')
}

// ArgsSuffix renders args as the "({...})" suffix appended to a field
// key, or "" when args stringify to the empty object.
func ArgsSuffix(args map[string]any) string {
	body := StableStringify(filteredArgs(args))
	if body == "{}" {
		return ""
	}
	return "(" + body + ")"
}

func filteredArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

// BuildFieldKey renders "fieldName" or "fieldName({...})" depending on
// whether args resolve to any declared entries.
func BuildFieldKey(fieldName string, args map[string]any) string {
	return fieldName + ArgsSuffix(args)
}

// BuildNestedKey renders the "parentId.fieldKey" identity used for
// non-root selections.
func BuildNestedKey(parentID, fieldKey string) string {
	return parentID + "." + fieldKey
}

// BuildPageKey renders the per-page connection RecordId
// "@.parentId.fieldName({all-args})".
func BuildPageKey(parentID, fieldName string, allArgs map[string]any) string {
	return "@." + parentID + "." + fieldName + ArgsSuffix(allArgs)
}

// BuildConnectionCanonicalKey renders the canonical connection RecordId
// "@connection.parentId.<connectionKey>({filters-only-args})".
func BuildConnectionCanonicalKey(parentID, connectionKey string, filterArgs map[string]any) string {
	return "@connection." + parentID + "." + connectionKey + ArgsSuffix(filterArgs)
}

// FilterArgs returns the subset of args whose key is not in exclude,
// used to derive the filters-only argument set for canonical keys from
// the full argument set and the pagination arg names.
func FilterArgs(args map[string]any, exclude map[string]bool) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if exclude[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// PaginationArgNames are the well-known Relay-style pagination
// arguments excluded from a connection's filter set unless the planner
// is told otherwise.
var PaginationArgNames = map[string]bool{
	"first":  true,
	"last":   true,
	"after":  true,
	"before": true,
}
