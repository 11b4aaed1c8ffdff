// Package template implements the expression language that binds a block's
// configured parameters to the outputs of upstream blocks.
//
// Two expression forms exist: single-brace references against upstream node
// outputs ({data.PATH}, {previousBlock.PATH}, {NodeId.PATH}) and double-brace
// references against the execution's input data plus built-in functions
// ({{json.PATH}}, {{$now}}, {{$formatDate(...)}}, {{ctx.PATH}}).
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformed is returned for unbalanced braces or unknown function names.
var ErrMalformed = errors.New("template: malformed expression")

// OrderedOutputs maps node IDs to their output values, preserving the
// insertion order of the engine's scheduling. Iteration order is the order
// nodes completed in, which keeps {data.PATH} resolution deterministic.
type OrderedOutputs struct {
	keys   []string
	values map[string]any
}

// NewOrderedOutputs creates an empty output collection.
func NewOrderedOutputs() *OrderedOutputs {
	return &OrderedOutputs{values: make(map[string]any)}
}

// Set records a node's output. Re-setting a key keeps its original position.
func (o *OrderedOutputs) Set(nodeID string, output any) {
	if _, exists := o.values[nodeID]; !exists {
		o.keys = append(o.keys, nodeID)
	}
	o.values[nodeID] = output
}

// Get returns a node's output.
func (o *OrderedOutputs) Get(nodeID string) (any, bool) {
	v, ok := o.values[nodeID]
	return v, ok
}

// Keys returns node IDs in insertion order.
func (o *OrderedOutputs) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Last returns the most recently inserted output, or nil.
func (o *OrderedOutputs) Last() (string, any) {
	if len(o.keys) == 0 {
		return "", nil
	}
	k := o.keys[len(o.keys)-1]
	return k, o.values[k]
}

// Len returns the number of recorded outputs.
func (o *OrderedOutputs) Len() int { return len(o.keys) }

// Context carries what an interpolation can see: completed upstream outputs
// and optional ambient variables exposed as {{ctx.PATH}}.
type Context struct {
	Outputs *OrderedOutputs
	Vars    map[string]any
}

// singlePayloadRe matches the payload of a single-brace expression:
// an identifier optionally followed by a dotted path.
var singlePayloadRe = regexp.MustCompile(`^([A-Za-z_][\w-]*)(?:\.(.+))?$`)

// Interpolate substitutes every recognized expression in tmpl. Text that is
// not a recognized expression passes through unchanged.
func Interpolate(tmpl string, data any, ctx *Context) (string, error) {
	if ctx == nil {
		ctx = &Context{}
	}
	if ctx.Outputs == nil {
		ctx.Outputs = NewOrderedOutputs()
	}

	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		// Double braces take priority over single.
		if strings.HasPrefix(tmpl[i:], "{{") {
			end := strings.Index(tmpl[i+2:], "}}")
			if end < 0 {
				return "", fmt.Errorf("%w: unbalanced '{{' at offset %d", ErrMalformed, i)
			}
			payload := strings.TrimSpace(tmpl[i+2 : i+2+end])
			val, err := resolveDouble(payload, data, ctx)
			if err != nil {
				return "", err
			}
			b.WriteString(val)
			i += end + 4
			continue
		}

		if tmpl[i] == '{' {
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end >= 0 {
				payload := tmpl[i+1 : i+1+end]
				if m := singlePayloadRe.FindStringSubmatch(payload); m != nil {
					b.WriteString(resolveSingle(m[1], m[2], ctx))
					i += end + 2
					continue
				}
			}
			// Not an expression; literal brace.
			b.WriteByte(tmpl[i])
			i++
			continue
		}

		b.WriteByte(tmpl[i])
		i++
	}
	return b.String(), nil
}

// Validate reports whether tmpl is well formed: balanced double braces and
// every double-brace payload matching a known pattern.
func Validate(tmpl string) error {
	i := 0
	for i < len(tmpl) {
		if strings.HasPrefix(tmpl[i:], "{{") {
			end := strings.Index(tmpl[i+2:], "}}")
			if end < 0 {
				return fmt.Errorf("%w: unbalanced '{{' at offset %d", ErrMalformed, i)
			}
			payload := strings.TrimSpace(tmpl[i+2 : i+2+end])
			if err := checkDoublePayload(payload); err != nil {
				return err
			}
			i += end + 4
			continue
		}
		i++
	}
	return nil
}

// Variables returns the distinct expressions referenced by tmpl, for
// dependency analysis. Unrecognized text contributes nothing.
func Variables(tmpl string) []string {
	seen := make(map[string]bool)
	var vars []string
	add := func(v string) {
		if !seen[v] {
			seen[v] = true
			vars = append(vars, v)
		}
	}

	i := 0
	for i < len(tmpl) {
		if strings.HasPrefix(tmpl[i:], "{{") {
			end := strings.Index(tmpl[i+2:], "}}")
			if end < 0 {
				break
			}
			payload := strings.TrimSpace(tmpl[i+2 : i+2+end])
			if checkDoublePayload(payload) == nil {
				add(payload)
			}
			i += end + 4
			continue
		}
		if tmpl[i] == '{' {
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end >= 0 {
				payload := tmpl[i+1 : i+1+end]
				if singlePayloadRe.MatchString(payload) {
					add(payload)
					i += end + 2
					continue
				}
			}
			i++
			continue
		}
		i++
	}
	return vars
}

// resolveSingle handles {data.PATH}, {previousBlock.PATH}, and {NODEID.PATH}.
// Unresolvable references format as the empty string.
func resolveSingle(ident, path string, ctx *Context) string {
	segs := parsePath(path)
	if path != "" && segs == nil {
		return ""
	}

	switch ident {
	case "data":
		// Scan all previous outputs in completion order; first hit wins.
		for _, key := range ctx.Outputs.Keys() {
			out, _ := ctx.Outputs.Get(key)
			if v, ok := resolveAgainst(out, segs); ok {
				return formatValue(v)
			}
		}
		return ""

	case "previousBlock":
		_, last := ctx.Outputs.Last()
		if last == nil {
			return ""
		}
		if v, ok := resolveAgainst(last, segs); ok {
			return formatValue(v)
		}
		return ""

	default:
		// Node reference: exact ID, then substring match in either direction.
		if out, ok := ctx.Outputs.Get(ident); ok {
			return formatNodeRef(out, segs)
		}
		for _, key := range ctx.Outputs.Keys() {
			if strings.Contains(key, ident) || strings.Contains(ident, key) {
				out, _ := ctx.Outputs.Get(key)
				return formatNodeRef(out, segs)
			}
		}
		return ""
	}
}

func formatNodeRef(out any, segs []segment) string {
	if len(segs) == 0 {
		return formatValue(out)
	}
	if v, ok := resolveAgainst(out, segs); ok {
		return formatValue(v)
	}
	return ""
}

// resolveDouble handles {{json.PATH}}, {{ctx.PATH}}, {{$builtin}}, function
// calls, and bare {{PATH}} against the execution input data.
func resolveDouble(payload string, data any, ctx *Context) (string, error) {
	if payload == "" {
		return "", fmt.Errorf("%w: empty '{{}}' expression", ErrMalformed)
	}

	if strings.HasPrefix(payload, "$") {
		return callBuiltin(payload, data)
	}

	if strings.HasPrefix(payload, "ctx.") {
		segs := parsePath(strings.TrimPrefix(payload, "ctx."))
		if segs == nil {
			return "", fmt.Errorf("%w: bad path %q", ErrMalformed, payload)
		}
		if v, ok := lookup(toAnyMap(ctx.Vars), segs); ok {
			return formatValue(v), nil
		}
		return "", nil
	}

	path := strings.TrimPrefix(payload, "json.")
	segs := parsePath(path)
	if segs == nil {
		return "", fmt.Errorf("%w: bad path %q", ErrMalformed, payload)
	}
	if v, ok := lookup(data, segs); ok {
		return formatValue(v), nil
	}

	// {{data.PATH}} additionally falls back to the upstream-output resolver.
	if !strings.HasPrefix(payload, "json.") && strings.HasPrefix(payload, "data.") {
		return resolveSingle("data", strings.TrimPrefix(payload, "data."), ctx), nil
	}
	return "", nil
}

func checkDoublePayload(payload string) error {
	if payload == "" {
		return fmt.Errorf("%w: empty '{{}}' expression", ErrMalformed)
	}
	if strings.HasPrefix(payload, "$") {
		name := payload
		if idx := strings.IndexByte(payload, '('); idx >= 0 {
			if !strings.HasSuffix(payload, ")") {
				return fmt.Errorf("%w: unterminated call %q", ErrMalformed, payload)
			}
			name = payload[:idx]
		}
		if !knownBuiltin(name) {
			return fmt.Errorf("%w: unknown function %q", ErrMalformed, name)
		}
		return nil
	}
	path := payload
	path = strings.TrimPrefix(path, "json.")
	path = strings.TrimPrefix(path, "ctx.")
	if parsePath(path) == nil {
		return fmt.Errorf("%w: bad path %q", ErrMalformed, payload)
	}
	return nil
}

func toAnyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
