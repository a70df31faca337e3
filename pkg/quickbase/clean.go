package quickbase

import (
	"errors"
	"math"
	"strconv"

	"github.com/dataglider/qbridge/pkg/connector/core"
	"github.com/dataglider/qbridge/pkg/json"
)

// CleanValue cleans up values that are valid in Quickbase's JSON-like
// encoding but not in standard JSON. NaN and ±Infinity become nil, and an
// empty string in a temporal field becomes nil (the remote's way of saying
// "unset"). Everything else passes through unchanged.
func CleanValue(value interface{}, fieldType core.FieldType) interface{} {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
	case float32:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	case json.Number:
		// ParseFloat accepts the bare NaN/Infinity tokens the remote emits,
		// and reports overflow (like 1e999) as ±Inf with ErrRange.
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return value
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	case string:
		if v == "" && isTemporal(fieldType) {
			return nil
		}
	}
	return value
}

// isTemporal reports whether empty strings in the field should be treated
// as unset. The empty-string rule applies only to temporal types.
func isTemporal(fieldType core.FieldType) bool {
	switch fieldType {
	case core.FieldTypeDate, core.FieldTypeDateTime:
		return true
	default:
		return false
	}
}

// sanitizeJSONTokens rewrites tokens that are valid in the remote's
// JSON-like encoding but rejected by a strict decoder: bare NaN and
// ±Infinity become null, numeric literals that overflow float64 (like
// 1e999) become null, and literals that underflow collapse to 0. String
// contents are never touched. The input is returned unchanged when no
// rewrite is needed.
func sanitizeJSONTokens(data []byte) []byte {
	var out []byte
	last := 0
	i := 0
	for i < len(data) {
		switch c := data[i]; {
		case c == '"':
			i++
			for i < len(data) && data[i] != '"' {
				if data[i] == '\\' {
					i++
				}
				i++
			}
			i++
		case c == 'N' || c == 'I' || c == '+' || c == '-' || (c >= '0' && c <= '9'):
			start := i
			i++
			for i < len(data) && isTokenByte(data[i]) {
				i++
			}
			if repl, ok := rewriteToken(data[start:i]); ok {
				out = append(out, data[last:start]...)
				out = append(out, repl...)
				last = i
			}
		default:
			i++
		}
	}
	if out == nil {
		return data
	}
	return append(out, data[last:]...)
}

func isTokenByte(c byte) bool {
	switch {
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c == '+', c == '-', c == '.':
		return true
	default:
		return false
	}
}

func rewriteToken(tok []byte) (string, bool) {
	switch string(tok) {
	case "NaN", "Infinity", "-Infinity", "+Infinity":
		return "null", true
	}
	f, err := strconv.ParseFloat(string(tok), 64)
	if err == nil || !errors.Is(err, strconv.ErrRange) {
		return "", false
	}
	if math.IsInf(f, 0) {
		return "null", true
	}
	return "0", true
}
