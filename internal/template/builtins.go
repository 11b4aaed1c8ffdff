package template

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var builtinNames = map[string]bool{
	"$now":            true,
	"$uuid":           true,
	"$randomInt":      true,
	"$randomFloat":    true,
	"$randomString":   true,
	"$formatDate":     true,
	"$formatNumber":   true,
	"$formatCurrency": true,
	"$uppercase":      true,
	"$lowercase":      true,
	"$substring":      true,
}

func knownBuiltin(name string) bool { return builtinNames[name] }

const randomAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// callBuiltin evaluates a $-prefixed payload: either a bare builtin
// ($now, $uuid) or a function call with arguments.
func callBuiltin(payload string, data any) (string, error) {
	name := payload
	var args []string
	if idx := strings.IndexByte(payload, '('); idx >= 0 {
		if !strings.HasSuffix(payload, ")") {
			return "", fmt.Errorf("%w: unterminated call %q", ErrMalformed, payload)
		}
		name = payload[:idx]
		args = splitArgs(payload[idx+1 : len(payload)-1])
	}
	if !knownBuiltin(name) {
		return "", fmt.Errorf("%w: unknown function %q", ErrMalformed, name)
	}

	switch name {
	case "$now":
		return time.Now().UTC().Format(time.RFC3339), nil

	case "$uuid":
		return uuid.NewString(), nil

	case "$randomInt":
		lo, hi := argInt(args, 0, data, 0), argInt(args, 1, data, 100)
		if hi < lo {
			lo, hi = hi, lo
		}
		return strconv.Itoa(lo + rand.IntN(hi-lo+1)), nil

	case "$randomFloat":
		lo, hi := argFloat(args, 0, data, 0), argFloat(args, 1, data, 1)
		if hi < lo {
			lo, hi = hi, lo
		}
		return strconv.FormatFloat(lo+rand.Float64()*(hi-lo), 'f', -1, 64), nil

	case "$randomString":
		n := argInt(args, 0, data, 8)
		if n < 0 {
			n = 0
		}
		b := make([]byte, n)
		for i := range b {
			b[i] = randomAlphabet[rand.IntN(len(randomAlphabet))]
		}
		return string(b), nil

	case "$formatDate":
		t := argTime(args, 0, data)
		layout := time.RFC3339
		switch argString(args, 1, data) {
		case "YYYY-MM-DD":
			layout = "2006-01-02"
		case "MM/DD/YYYY":
			layout = "01/02/2006"
		case "DD/MM/YYYY":
			layout = "02/01/2006"
		}
		return t.Format(layout), nil

	case "$formatNumber":
		v := argFloat(args, 0, data, 0)
		d := argInt(args, 1, data, 2)
		return strconv.FormatFloat(v, 'f', d, 64), nil

	case "$formatCurrency":
		v := argFloat(args, 0, data, 0)
		cur := argString(args, 1, data)
		formatted := strconv.FormatFloat(v, 'f', 2, 64)
		switch strings.ToUpper(cur) {
		case "", "USD":
			return "$" + formatted, nil
		case "EUR":
			return "€" + formatted, nil
		case "GBP":
			return "£" + formatted, nil
		default:
			return strings.ToUpper(cur) + " " + formatted, nil
		}

	case "$uppercase":
		return strings.ToUpper(argString(args, 0, data)), nil

	case "$lowercase":
		return strings.ToLower(argString(args, 0, data)), nil

	case "$substring":
		s := argString(args, 0, data)
		start := argInt(args, 1, data, 0)
		end := argInt(args, 2, data, len(s))
		if start < 0 {
			start = 0
		}
		if end > len(s) {
			end = len(s)
		}
		if start > end {
			return "", nil
		}
		return s[start:end], nil
	}

	return "", fmt.Errorf("%w: unknown function %q", ErrMalformed, name)
}

// splitArgs splits a call's argument list on top-level commas.
func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var args []string
	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
			}
		case ',':
			if !inQuote && depth == 0 {
				args = append(args, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	args = append(args, strings.TrimSpace(s[start:]))
	return args
}

// resolveArg evaluates a function argument: a quoted literal, a numeric
// literal, or a json.PATH / bare path reference against the input data.
func resolveArg(arg string, data any) any {
	if arg == "" {
		return nil
	}
	if len(arg) >= 2 && arg[0] == '"' && arg[len(arg)-1] == '"' {
		return arg[1 : len(arg)-1]
	}
	if n, err := strconv.ParseFloat(arg, 64); err == nil {
		return n
	}
	path := strings.TrimPrefix(arg, "json.")
	if segs := parsePath(path); segs != nil {
		if v, ok := lookup(data, segs); ok {
			return v
		}
	}
	return arg
}

func argString(args []string, i int, data any) string {
	if i >= len(args) {
		return ""
	}
	return formatValue(resolveArg(args[i], data))
}

func argInt(args []string, i int, data any, def int) int {
	if i >= len(args) {
		return def
	}
	switch v := resolveArg(args[i], data).(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func argFloat(args []string, i int, data any, def float64) float64 {
	if i >= len(args) {
		return def
	}
	switch v := resolveArg(args[i], data).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func argTime(args []string, i int, data any) time.Time {
	if i >= len(args) {
		return time.Now().UTC()
	}
	switch v := resolveArg(args[i], data).(type) {
	case time.Time:
		return v
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02", time.RFC1123} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
	case float64:
		return time.Unix(int64(v), 0).UTC()
	}
	return time.Now().UTC()
}

// formatValue renders any resolved value as template output text:
// nil becomes empty, scalars use their canonical text form, times are
// RFC3339, and objects/arrays serialize as compact JSON.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}
