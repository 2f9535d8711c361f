package query

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

// drainParser runs the parser over body and collects everything it emitted,
// preserving event order.
type parserOutput struct {
	rows           []string
	errorsBatches  [][]string
	residual       string
	parseErr       error
	rowAfterErrors bool
}

func drainParser(t *testing.T, body string) parserOutput {
	t.Helper()

	var out parserOutput
	sawErrors := false
	for ev := range runParser(strings.NewReader(body)) {
		switch {
		case ev.row != nil:
			if sawErrors {
				out.rowAfterErrors = true
			}
			out.rows = append(out.rows, ev.row.fragment)
		case ev.errorsComplete != nil:
			sawErrors = true
			out.errorsBatches = append(out.errorsBatches, ev.errorsComplete.fragments)
		case ev.end != nil:
			out.residual = ev.end.residual
		case ev.parseErr != nil:
			out.parseErr = ev.parseErr.err
		}
	}
	return out
}

func TestParserEmitsRowsInSourceOrder(t *testing.T) {
	body := `{"requestID":"94c7f89f-0001-4a70-b8a7-8f5ef4a0c3c1","results":[{"id":1},{"id":2}],"status":"success"}`

	out := drainParser(t, body)
	if out.parseErr != nil {
		t.Fatalf("unexpected parse error: %v", out.parseErr)
	}

	want := []string{`{"id":1}`, `{"id":2}`}
	if !reflect.DeepEqual(out.rows, want) {
		t.Fatalf("rows = %v, want %v", out.rows, want)
	}
}

func TestParserResidualReplacesResultsWithEmptyArray(t *testing.T) {
	body := `{"a":1,"results":[{"x":1}],"b":"c"}`

	out := drainParser(t, body)
	if out.parseErr != nil {
		t.Fatalf("unexpected parse error: %v", out.parseErr)
	}

	want := `{"a":1,"results":[],"b":"c"}`
	if out.residual != want {
		t.Fatalf("residual = %q, want %q", out.residual, want)
	}
}

func TestParserScalarAndCompositeRows(t *testing.T) {
	body := `{"results":[true,false,null,1.5,"s",{},[1,2],{"a":{"b":[1]}}]}`

	out := drainParser(t, body)
	if out.parseErr != nil {
		t.Fatalf("unexpected parse error: %v", out.parseErr)
	}

	want := []string{"true", "false", "null", "1.5", `"s"`, "{}", "[1,2]", `{"a":{"b":[1]}}`}
	if !reflect.DeepEqual(out.rows, want) {
		t.Fatalf("rows = %v, want %v", out.rows, want)
	}
}

func TestParserBuffersErrorsArray(t *testing.T) {
	body := `{"results":[{"id":1},{"id":2}],"errors":[{"code":232,"message":"error1"}],"status":"errors"}`

	out := drainParser(t, body)
	if out.parseErr != nil {
		t.Fatalf("unexpected parse error: %v", out.parseErr)
	}

	if len(out.rows) != 2 {
		t.Fatalf("rows len = %d, want 2", len(out.rows))
	}
	if len(out.errorsBatches) != 1 {
		t.Fatalf("errorsComplete fired %d times, want exactly 1", len(out.errorsBatches))
	}
	wantErrs := []string{`{"code":232,"message":"error1"}`}
	if !reflect.DeepEqual(out.errorsBatches[0], wantErrs) {
		t.Fatalf("error fragments = %v, want %v", out.errorsBatches[0], wantErrs)
	}
	if out.rowAfterErrors {
		t.Fatal("a row was emitted after errorsComplete")
	}

	// the errors array is buffered, not piped: it must survive into the
	// residual document as-is, while results collapses to [].
	if !strings.Contains(out.residual, `"errors":[{"code":232,"message":"error1"}]`) {
		t.Fatalf("residual does not preserve errors array: %q", out.residual)
	}
	if !strings.Contains(out.residual, `"results":[]`) {
		t.Fatalf("residual does not empty results array: %q", out.residual)
	}
}

func TestParserRowRoundTrip(t *testing.T) {
	// every JSON shape a row can take must survive the siphon byte-exact in
	// meaning: unmarshaling the emitted fragment yields the original element.
	elements := []any{
		map[string]any{"k": "v", "n": 1.25, "b": true, "z": nil},
		[]any{1.0, "two", []any{3.0}},
		"héllo  world 𝄞",
		"",
		map[string]any{"": "empty key", "nested": map[string]any{"deep": []any{map[string]any{"x": false}}}},
		42.5,
		true,
		nil,
	}

	doc := map[string]any{"results": elements}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	out := drainParser(t, string(raw))
	if out.parseErr != nil {
		t.Fatalf("unexpected parse error: %v", out.parseErr)
	}
	if len(out.rows) != len(elements) {
		t.Fatalf("rows len = %d, want %d", len(out.rows), len(elements))
	}

	for i, fragment := range out.rows {
		var got any
		if err := json.Unmarshal([]byte(fragment), &got); err != nil {
			t.Fatalf("row %d is not standalone JSON: %q: %v", i, fragment, err)
		}
		if !reflect.DeepEqual(got, elements[i]) {
			t.Errorf("row %d = %#v, want %#v", i, got, elements[i])
		}
	}
}

func TestParserIgnoresInputWhitespace(t *testing.T) {
	body := "{\n  \"results\": [\n    { \"id\" : 1 },\n    [ 1 ,  2 ]\n  ]\n}"

	out := drainParser(t, body)
	if out.parseErr != nil {
		t.Fatalf("unexpected parse error: %v", out.parseErr)
	}
	want := []string{`{"id":1}`, "[1,2]"}
	if !reflect.DeepEqual(out.rows, want) {
		t.Fatalf("rows = %v, want %v", out.rows, want)
	}
}

func TestParserTopLevelScalar(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "number", body: "42", want: "42"},
		{name: "string", body: `"hello"`, want: `"hello"`},
		{name: "null", body: "null", want: "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := drainParser(t, tt.body)
			if out.parseErr != nil {
				t.Fatalf("unexpected parse error: %v", out.parseErr)
			}
			if len(out.rows) != 0 {
				t.Fatalf("rows = %v, want none", out.rows)
			}
			if out.residual != tt.want {
				t.Fatalf("residual = %q, want %q", out.residual, tt.want)
			}
		})
	}
}

func TestParserMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "truncated object", body: `{"a":`},
		{name: "truncated array", body: `{"results":[1,2`},
		{name: "bare close", body: `}`},
		{name: "empty input", body: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := drainParser(t, tt.body)
			if out.parseErr == nil {
				t.Fatalf("expected a parse error, got rows=%v residual=%q", out.rows, out.residual)
			}
		})
	}
}

func TestParserNonASCIIStringsAreValidJSON(t *testing.T) {
	body := `{"results":["π ≈ 3.14159","tab\tnewline\n"],"status":"success"}`

	out := drainParser(t, body)
	if out.parseErr != nil {
		t.Fatalf("unexpected parse error: %v", out.parseErr)
	}
	for i, fragment := range out.rows {
		var s string
		if err := json.Unmarshal([]byte(fragment), &s); err != nil {
			t.Fatalf("row %d fragment %q is not valid JSON: %v", i, fragment, err)
		}
	}
}
