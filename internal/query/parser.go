package query

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// quoteJSON serializes s as a JSON string. strconv.Quote is close but emits
// Go escapes (\x07, \v) that are not valid JSON, so the encoder is used.
func quoteJSON(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// a Go string always marshals; this branch is unreachable.
		return `""`
	}
	return string(b)
}

// frameKind tags the three frame shapes of the parser's stack: a sum
// type realized as an explicit kind tag over one struct, rather than an
// interface hierarchy.
type frameKind int

const (
	frameContext frameKind = iota
	frameKey
	framePrimitive
)

type contextTemplate int

const (
	templateObject contextTemplate = iota
	templateArray
)

// frame is the parser's single stack-element shape, covering all three
// kinds. Only the fields relevant to kind are meaningful at any one time.
type frame struct {
	kind frameKind

	// context fields
	template  contextTemplate
	isResults bool
	isErrors  bool
	isRow     bool
	children  []string // serialized child fragments, in order

	// key field
	key string

	// primitive field
	value string
}

// rowEvent is emitted on the parser's output channel for each completed
// row fragment.
type rowEvent struct {
	fragment string
}

// errorsCompleteEvent is emitted exactly once when the top-level "errors"
// array closes.
type errorsCompleteEvent struct {
	fragments []string
}

// endEvent is emitted exactly once, carrying the serialized residual
// top-level document (results replaced by "[]", errors preserved).
type endEvent struct {
	residual string
}

// parseErrorEvent signals a fatal parse error (malformed token stream).
type parseErrorEvent struct {
	err error
}

// parserEvent is the union of everything the parser's output channel
// carries.
type parserEvent struct {
	row            *rowEvent
	errorsComplete *errorsCompleteEvent
	end            *endEvent
	parseErr       *parseErrorEvent
}

// tokenParser drives the frame-stack algorithm over the lexical token
// stream produced by encoding/json's decoder: json.Delim for start/end of
// object/array, string for both keys and string values. The decoder does
// not distinguish a key token from a string token, so the parser tracks
// when the next string is in key position.
type tokenParser struct {
	stack []frame

	// inResultsDepth counts the currently open isResults arrays. Row
	// detection itself checks the top frame's isResults flag, not this
	// counter.
	inResultsDepth int
}

func newTokenParser() *tokenParser {
	return &tokenParser{}
}

// run drains dec's token stream, emitting events on out until the document ends or a
// parse error occurs. out is closed by the caller's goroutine wrapper
// (see runParser); run itself only sends.
func (p *tokenParser) run(dec *json.Decoder, out chan<- parserEvent) {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			out <- parserEvent{parseErr: &parseErrorEvent{err: fmt.Errorf("token stream error: %w", err)}}
			return
		}

		if err := p.handleToken(tok, out); err != nil {
			out <- parserEvent{parseErr: &parseErrorEvent{err: err}}
			return
		}
	}

	if len(p.stack) != 1 {
		out <- parserEvent{parseErr: &parseErrorEvent{err: fmt.Errorf("malformed document: %d frames remain at end of stream", len(p.stack))}}
		return
	}

	residual := p.serializeFrame(p.stack[0])
	out <- parserEvent{end: &endEvent{residual: residual}}
}

func (p *tokenParser) top() (*frame, bool) {
	if len(p.stack) == 0 {
		return nil, false
	}
	return &p.stack[len(p.stack)-1], true
}

func (p *tokenParser) handleToken(tok json.Token, out chan<- parserEvent) error {
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			return p.onStartObject()
		case '[':
			return p.onStartArray()
		case '}', ']':
			return p.onEnd(out)
		}
	case string:
		top, ok := p.top()
		if ok && top.kind == frameKey {
			// already a pending key; this string is its value.
			return p.onScalar(quoteJSON(v), out)
		}
		if ok && top.kind == frameContext && p.isKeyPosition(top) {
			p.stack = append(p.stack, frame{kind: frameKey, key: v})
			return nil
		}
		return p.onScalar(quoteJSON(v), out)
	case json.Number:
		return p.onScalar(v.String(), out)
	case float64:
		return p.onScalar(strconv.FormatFloat(v, 'g', -1, 64), out)
	case bool:
		if v {
			return p.onScalar("true", out)
		}
		return p.onScalar("false", out)
	case nil:
		return p.onScalar("null", out)
	}
	return fmt.Errorf("unexpected token %#v", tok)
}

// isKeyPosition reports whether the next string token on an object context
// frame should be treated as a key rather than a value. Because this
// parser processes one frame per object/array and pushes a key frame
// immediately when one is read, an object context frame is always in key
// position when its top is the context itself (a string value is only
// ever read once a key frame already sits on top, handled above).
func (p *tokenParser) isKeyPosition(top *frame) bool {
	return top.kind == frameContext && top.template == templateObject
}

func (p *tokenParser) onStartObject() error {
	top, ok := p.top()
	if ok && top.kind == frameContext && top.template == templateArray && top.isResults {
		p.stack = append(p.stack, frame{kind: frameContext, template: templateObject, isRow: true})
		return nil
	}
	p.stack = append(p.stack, frame{kind: frameContext, template: templateObject})
	return nil
}

func (p *tokenParser) onStartArray() error {
	top, ok := p.top()
	// a direct child array of a results array is itself a row, the same
	// way a direct child object is; rows are not restricted to objects.
	if ok && top.kind == frameContext && top.template == templateArray && top.isResults {
		p.stack = append(p.stack, frame{kind: frameContext, template: templateArray, isRow: true})
		return nil
	}
	if ok && top.kind == frameKey {
		switch top.key {
		case "results":
			p.stack = append(p.stack, frame{kind: frameContext, template: templateArray, isResults: true})
			p.inResultsDepth++
			return nil
		case "errors":
			// only the top-level document's "errors" array (root context plus
			// its key frame) is the server's error report; an "errors" field
			// nested inside a row is ordinary data.
			if len(p.stack) == 2 {
				p.stack = append(p.stack, frame{kind: frameContext, template: templateArray, isErrors: true})
				return nil
			}
		}
	}
	p.stack = append(p.stack, frame{kind: frameContext, template: templateArray})
	return nil
}

func (p *tokenParser) onEnd(out chan<- parserEvent) error {
	idx := len(p.stack) - 1
	for idx >= 0 && p.stack[idx].kind != frameContext {
		idx--
	}
	if idx < 0 {
		return fmt.Errorf("unmatched end token: no open context frame")
	}

	ctx := p.stack[idx]
	p.stack = p.stack[:idx]

	if ctx.isRow {
		// row objects/arrays are direct children of a results array: emit
		// and do not append to parent.
		out <- parserEvent{row: &rowEvent{fragment: p.serializeContext(ctx)}}
		return nil
	}
	if ctx.isResults {
		p.inResultsDepth--
		// rows were already siphoned off as they completed, so ctx has no
		// children left to serialize; the array collapses to "[]" in the
		// residual document, still keyed under
		// "results" the same way any other field is.
		return p.appendToParent("[]")
	}
	if ctx.isErrors {
		out <- parserEvent{errorsComplete: &errorsCompleteEvent{fragments: append([]string(nil), ctx.children...)}}
		// the errors array is buffered, not piped off: it is preserved
		// as-is in the residual document.
		return p.appendToParent(p.serializeContext(ctx))
	}

	return p.appendToParent(p.serializeContext(ctx))
}

// onScalar handles a primitive token (string/number/bool/null) wherever it
// appears: as a direct row (inside results), as a key's value, appended to
// an enclosing context, or as the sole top-level document value.
func (p *tokenParser) onScalar(serialized string, out chan<- parserEvent) error {
	top, ok := p.top()

	if ok && top.kind == frameContext && top.template == templateArray && top.isResults {
		out <- parserEvent{row: &rowEvent{fragment: serialized}}
		return nil
	}

	if ok && top.kind == frameKey {
		return p.appendToParent(serialized)
	}

	if !ok {
		p.stack = append(p.stack, frame{kind: framePrimitive, value: serialized})
		return nil
	}

	return p.appendToParent(serialized)
}

// appendToParent appends serialized either as "key":serialized (consuming
// a pending key frame and writing into the grandparent context) or
// directly to the nearest enclosing context.
func (p *tokenParser) appendToParent(serialized string) error {
	top, ok := p.top()
	if !ok {
		p.stack = append(p.stack, frame{kind: framePrimitive, value: serialized})
		return nil
	}

	if top.kind == frameKey {
		key := top.key
		p.stack = p.stack[:len(p.stack)-1]

		parentIdx := len(p.stack) - 1
		if parentIdx < 0 || p.stack[parentIdx].kind != frameContext {
			return fmt.Errorf("key frame %q has no enclosing context", key)
		}
		entry := fmt.Sprintf("%s:%s", quoteJSON(key), serialized)
		p.stack[parentIdx].children = append(p.stack[parentIdx].children, entry)
		return nil
	}

	if top.kind == frameContext {
		p.stack[len(p.stack)-1].children = append(p.stack[len(p.stack)-1].children, serialized)
		return nil
	}

	return fmt.Errorf("cannot append scalar to frame kind %d", top.kind)
}

func (p *tokenParser) serializeContext(f frame) string {
	switch f.template {
	case templateArray:
		return "[" + strings.Join(f.children, ",") + "]"
	default:
		return "{" + strings.Join(f.children, ",") + "}"
	}
}

func (p *tokenParser) serializeFrame(f frame) string {
	switch f.kind {
	case framePrimitive:
		return f.value
	case frameContext:
		return p.serializeContext(f)
	default:
		return "null"
	}
}

// runParser launches tokenParser.run on its own goroutine and returns the
// event channel: one goroutine decodes tokens, a bounded channel carries
// events to the consumer, giving the stream pull-based backpressure.
func runParser(body io.Reader) <-chan parserEvent {
	dec := json.NewDecoder(body)
	dec.UseNumber()

	out := make(chan parserEvent, 16)
	p := newTokenParser()
	go func() {
		defer close(out)
		p.run(dec, out)
	}()
	return out
}
