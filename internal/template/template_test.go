package template

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

func outputs(pairs ...any) *OrderedOutputs {
	o := NewOrderedOutputs()
	for i := 0; i+1 < len(pairs); i += 2 {
		o.Set(pairs[i].(string), pairs[i+1])
	}
	return o
}

func TestInterpolatePlainTextUnchanged(t *testing.T) {
	cases := []string{
		"hello world",
		"no expressions here",
		"json blob {\"a\": 1} stays",
		"{not an expression!}",
	}
	for _, tmpl := range cases {
		got, err := Interpolate(tmpl, nil, nil)
		if err != nil {
			t.Fatalf("Interpolate(%q) error: %v", tmpl, err)
		}
		if got != tmpl {
			t.Errorf("Interpolate(%q) = %q, want unchanged", tmpl, got)
		}
	}
}

func TestDataPathDirect(t *testing.T) {
	ctx := &Context{Outputs: outputs("A", map[string]any{
		"response": map[string]any{"id": "42"},
	})}

	got, err := Interpolate("https://ex/{data.response.id}", nil, ctx)
	if err != nil {
		t.Fatalf("Interpolate failed: %v", err)
	}
	if got != "https://ex/42" {
		t.Errorf("got %q, want https://ex/42", got)
	}
}

func TestDataPathNestedFallback(t *testing.T) {
	// PATH "text" is not at the top level; the nested-lookup rule finds it
	// inside the object-typed "response" field.
	ctx := &Context{Outputs: outputs("A", map[string]any{
		"response": map[string]any{"text": "hi"},
	})}

	got, err := Interpolate("{data.text}", nil, ctx)
	if err != nil {
		t.Fatalf("Interpolate failed: %v", err)
	}
	if got != "hi" {
		t.Errorf("got %q, want hi", got)
	}
}

func TestDataPathScalarAlias(t *testing.T) {
	// A scalar output satisfies a bare alias path.
	ctx := &Context{Outputs: outputs("A", "plain result")}

	got, err := Interpolate("{data.text}", nil, ctx)
	if err != nil {
		t.Fatalf("Interpolate failed: %v", err)
	}
	if got != "plain result" {
		t.Errorf("got %q, want the scalar output", got)
	}
}

func TestDataPathFirstMatchWins(t *testing.T) {
	ctx := &Context{Outputs: outputs(
		"A", map[string]any{"v": "first"},
		"B", map[string]any{"v": "second"},
	)}

	got, _ := Interpolate("{data.v}", nil, ctx)
	if got != "first" {
		t.Errorf("got %q, want first (insertion order)", got)
	}
}

func TestPreviousBlockUsesLastOutput(t *testing.T) {
	ctx := &Context{Outputs: outputs(
		"A", map[string]any{"v": "first"},
		"B", map[string]any{"v": "second"},
	)}

	got, _ := Interpolate("{previousBlock.v}", nil, ctx)
	if got != "second" {
		t.Errorf("got %q, want second (last output)", got)
	}
}

func TestNodeIDExactAndSubstring(t *testing.T) {
	ctx := &Context{Outputs: outputs(
		"fetch-user-1", map[string]any{"name": "ada"},
	)}

	got, _ := Interpolate("{fetch-user-1.name}", nil, ctx)
	if got != "ada" {
		t.Errorf("exact match: got %q, want ada", got)
	}

	// Substring match in either direction.
	got, _ = Interpolate("{fetch-user.name}", nil, ctx)
	if got != "ada" {
		t.Errorf("substring match: got %q, want ada", got)
	}
}

func TestNodeIDWholeOutput(t *testing.T) {
	ctx := &Context{Outputs: outputs("A", map[string]any{"x": float64(1)})}

	got, _ := Interpolate("{A}", nil, ctx)
	if got != `{"x":1}` {
		t.Errorf("got %q, want compact JSON of output", got)
	}
}

func TestArrayIndexing(t *testing.T) {
	ctx := &Context{Outputs: outputs("A", map[string]any{
		"items": []any{
			map[string]any{"id": "zero"},
			map[string]any{"id": "one"},
		},
	})}

	got, _ := Interpolate("{data.items[1].id}", nil, ctx)
	if got != "one" {
		t.Errorf("got %q, want one", got)
	}
}

func TestJSONPathAgainstInputData(t *testing.T) {
	data := map[string]any{"user": map[string]any{"email": "a@b.c"}}

	got, err := Interpolate("{{json.user.email}}", data, nil)
	if err != nil {
		t.Fatalf("Interpolate failed: %v", err)
	}
	if got != "a@b.c" {
		t.Errorf("got %q, want a@b.c", got)
	}

	// Bare double-brace path also resolves against data.
	got, _ = Interpolate("{{user.email}}", data, nil)
	if got != "a@b.c" {
		t.Errorf("bare path: got %q, want a@b.c", got)
	}
}

func TestDoubleBraceDataFallback(t *testing.T) {
	// {{data.x}} falls back to the upstream-output resolver when the
	// input data has no "data" field.
	ctx := &Context{Outputs: outputs("A", map[string]any{"x": "up"})}

	got, err := Interpolate("{{data.x}}", map[string]any{}, ctx)
	if err != nil {
		t.Fatalf("Interpolate failed: %v", err)
	}
	if got != "up" {
		t.Errorf("got %q, want up", got)
	}
}

func TestCtxVars(t *testing.T) {
	ctx := &Context{Vars: map[string]any{"env": "staging"}}
	got, _ := Interpolate("{{ctx.env}}", nil, ctx)
	if got != "staging" {
		t.Errorf("got %q, want staging", got)
	}
}

func TestBuiltinNow(t *testing.T) {
	got, err := Interpolate("{{$now}}", nil, nil)
	if err != nil {
		t.Fatalf("Interpolate failed: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, got); err != nil {
		t.Errorf("$now produced %q, not RFC3339: %v", got, err)
	}
}

func TestBuiltinUUID(t *testing.T) {
	got, _ := Interpolate("{{$uuid}}", nil, nil)
	uuidRe := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	if !uuidRe.MatchString(got) {
		t.Errorf("$uuid produced %q", got)
	}
}

func TestBuiltinRandomInt(t *testing.T) {
	for i := 0; i < 20; i++ {
		got, err := Interpolate("{{$randomInt(5, 10)}}", nil, nil)
		if err != nil {
			t.Fatalf("Interpolate failed: %v", err)
		}
		switch got {
		case "5", "6", "7", "8", "9", "10":
		default:
			t.Errorf("$randomInt(5,10) produced %q", got)
		}
	}
}

func TestBuiltinRandomString(t *testing.T) {
	got, _ := Interpolate("{{$randomString(12)}}", nil, nil)
	if len(got) != 12 {
		t.Errorf("$randomString(12) length = %d", len(got))
	}
}

func TestBuiltinFormatDate(t *testing.T) {
	data := map[string]any{"ts": "2026-03-05T10:30:00Z"}

	cases := map[string]string{
		`{{$formatDate(json.ts, "YYYY-MM-DD")}}`: "2026-03-05",
		`{{$formatDate(json.ts, "MM/DD/YYYY")}}`: "03/05/2026",
		`{{$formatDate(json.ts, "DD/MM/YYYY")}}`: "05/03/2026",
	}
	for tmpl, want := range cases {
		got, err := Interpolate(tmpl, data, nil)
		if err != nil {
			t.Fatalf("Interpolate(%q) error: %v", tmpl, err)
		}
		if got != want {
			t.Errorf("Interpolate(%q) = %q, want %q", tmpl, got, want)
		}
	}
}

func TestBuiltinFormatNumberAndCurrency(t *testing.T) {
	data := map[string]any{"n": 3.14159}

	got, _ := Interpolate("{{$formatNumber(json.n, 2)}}", data, nil)
	if got != "3.14" {
		t.Errorf("formatNumber: got %q", got)
	}

	got, _ = Interpolate(`{{$formatCurrency(json.n, "USD")}}`, data, nil)
	if got != "$3.14" {
		t.Errorf("formatCurrency: got %q", got)
	}

	got, _ = Interpolate(`{{$formatCurrency(json.n, "JPY")}}`, data, nil)
	if got != "JPY 3.14" {
		t.Errorf("formatCurrency JPY: got %q", got)
	}
}

func TestBuiltinStringFunctions(t *testing.T) {
	data := map[string]any{"s": "Hello World"}

	got, _ := Interpolate("{{$uppercase(json.s)}}", data, nil)
	if got != "HELLO WORLD" {
		t.Errorf("uppercase: got %q", got)
	}

	got, _ = Interpolate("{{$lowercase(json.s)}}", data, nil)
	if got != "hello world" {
		t.Errorf("lowercase: got %q", got)
	}

	got, _ = Interpolate("{{$substring(json.s, 0, 5)}}", data, nil)
	if got != "Hello" {
		t.Errorf("substring: got %q", got)
	}
}

func TestUnknownFunctionFails(t *testing.T) {
	_, err := Interpolate("{{$bogus(1)}}", nil, nil)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}

func TestUnbalancedBracesFail(t *testing.T) {
	_, err := Interpolate("{{json.x", nil, nil)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}

	if err := Validate("{{json.x"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Validate: expected ErrMalformed, got %v", err)
	}
}

func TestValidateAcceptsKnownPatterns(t *testing.T) {
	valid := []string{
		"plain",
		"{data.x} and {{json.y}}",
		"{{$now}} {{$uuid}}",
		`{{$formatDate(json.ts, "YYYY-MM-DD")}}`,
		"{{ctx.env}}",
	}
	for _, tmpl := range valid {
		if err := Validate(tmpl); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", tmpl, err)
		}
	}
}

func TestVariables(t *testing.T) {
	tmpl := "call {data.url} with {{json.token}} at {{$now}} from {NodeA.out}"
	vars := Variables(tmpl)

	want := []string{"data.url", "json.token", "$now", "NodeA.out"}
	if len(vars) != len(want) {
		t.Fatalf("Variables = %v, want %v", vars, want)
	}
	for i := range want {
		if vars[i] != want[i] {
			t.Errorf("Variables[%d] = %q, want %q", i, vars[i], want[i])
		}
	}
}

func TestVariablesSubsetAfterInterpolation(t *testing.T) {
	ctx := &Context{Outputs: outputs("A", map[string]any{"x": "val"})}
	tmpl := "a {data.x} b {data.missing} c"

	out, err := Interpolate(tmpl, nil, ctx)
	if err != nil {
		t.Fatalf("Interpolate failed: %v", err)
	}

	before := Variables(tmpl)
	after := Variables(out)
	beforeSet := make(map[string]bool)
	for _, v := range before {
		beforeSet[v] = true
	}
	for _, v := range after {
		if !beforeSet[v] {
			t.Errorf("new variable %q appeared after interpolation (out=%q)", v, out)
		}
	}
}

func TestFormatValueShapes(t *testing.T) {
	ctx := &Context{Outputs: outputs("A", map[string]any{
		"n":    float64(7),
		"b":    true,
		"nada": nil,
		"obj":  map[string]any{"k": "v"},
		"arr":  []any{float64(1), float64(2)},
	})}

	cases := map[string]string{
		"{data.n}":    "7",
		"{data.b}":    "true",
		"{data.nada}": "",
		"{data.obj}":  `{"k":"v"}`,
		"{data.arr}":  "[1,2]",
	}
	for tmpl, want := range cases {
		got, _ := Interpolate(tmpl, nil, ctx)
		if got != want {
			t.Errorf("Interpolate(%q) = %q, want %q", tmpl, got, want)
		}
	}
}

func TestInterpolateDeepTemplateMix(t *testing.T) {
	ctx := &Context{Outputs: outputs("fetch", map[string]any{
		"response": map[string]any{"id": "42", "tags": []any{"a", "b"}},
	})}
	data := map[string]any{"base": "https://api.example.com"}

	got, err := Interpolate("{{json.base}}/things/{data.response.id}?tag={data.response.tags[0]}", data, ctx)
	if err != nil {
		t.Fatalf("Interpolate failed: %v", err)
	}
	if got != "https://api.example.com/things/42?tag=a" {
		t.Errorf("got %q", got)
	}
}

func TestOrderedOutputsSemantics(t *testing.T) {
	o := NewOrderedOutputs()
	o.Set("a", 1)
	o.Set("b", 2)
	o.Set("a", 3) // keeps position

	if keys := o.Keys(); strings.Join(keys, ",") != "a,b" {
		t.Errorf("Keys = %v", keys)
	}
	k, v := o.Last()
	if k != "b" || v.(int) != 2 {
		t.Errorf("Last = %s %v", k, v)
	}
}
