// Package recovery turns unreliable model output into a structured object.
//
// Recovery is a fixed sequence: strip a markdown fence, slice to the outermost braces,
// then try an ordered chain of parsers of increasing tolerance. The first parser that
// yields a JSON object wins and later parsers are never consulted.
package recovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/docutag/contentgen/metrics"
	"github.com/docutag/contentgen/models"
	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Parser names, reported with every recovered result
const (
	ParserStrict  = "strict"
	ParserRelaxed = "relaxed"
	ParserDirty   = "dirty"
)

var errNotObject = errors.New("top-level value is not an object")

// Parser is one step of the recovery chain
type Parser struct {
	Name  string
	Parse func(candidate string) (models.RecoveredContent, error)
}

// StrictParser accepts standard JSON only
func StrictParser() Parser {
	return Parser{Name: ParserStrict, Parse: parseStrict}
}

// RelaxedParser accepts JSON5: unquoted keys, trailing commas and single quotes.
// Single-quoted strings are rewritten as double-quoted ones before decoding.
func RelaxedParser() Parser {
	return Parser{Name: ParserRelaxed, Parse: func(candidate string) (models.RecoveredContent, error) {
		var content models.RecoveredContent
		if err := json5.Unmarshal([]byte(DoubleQuoteStrings(candidate)), &content); err != nil {
			return nil, err
		}
		if content == nil {
			return nil, errNotObject
		}
		return content, nil
	}}
}

// DirtyParser repairs structurally broken JSON (missing commas, stray characters,
// unterminated strings) and parses the repaired text strictly
func DirtyParser() Parser {
	return Parser{Name: ParserDirty, Parse: func(candidate string) (models.RecoveredContent, error) {
		repaired, err := jsonrepair.JSONRepair(candidate)
		if err != nil {
			return nil, fmt.Errorf("failed to repair: %w", err)
		}
		return parseStrict(repaired)
	}}
}

// DefaultParsers returns strict, relaxed and dirty, in that order
func DefaultParsers() []Parser {
	return []Parser{StrictParser(), RelaxedParser(), DirtyParser()}
}

func parseStrict(candidate string) (models.RecoveredContent, error) {
	dec := json.NewDecoder(strings.NewReader(candidate))
	var content models.RecoveredContent
	if err := dec.Decode(&content); err != nil {
		return nil, err
	}
	if content == nil {
		return nil, errNotObject
	}
	if dec.More() {
		return nil, errors.New("trailing data after object")
	}
	return content, nil
}

// UnrecoverableFormatError is returned when every parser rejects the candidate
type UnrecoverableFormatError struct {
	Raw       string
	Candidate string
	Failures  map[string]error
}

func (e *UnrecoverableFormatError) Error() string {
	return fmt.Sprintf("model output could not be parsed by any of %d parsers", len(e.Failures))
}

// Result is a recovered object plus the parser that produced it
type Result struct {
	Content models.RecoveredContent
	Parser  string
}

// Option configures a Recoverer
type Option func(*Recoverer)

// WithParsers replaces the parser chain
func WithParsers(parsers ...Parser) Option {
	return func(r *Recoverer) {
		r.parsers = parsers
	}
}

// WithNewlineNormalization escapes raw CR, LF and TAB characters inside string literals
// before the parser chain runs. Off by default.
func WithNewlineNormalization() Option {
	return func(r *Recoverer) {
		r.normalizeNewlines = true
	}
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(r *Recoverer) {
		r.log = log
	}
}

// WithMetrics records which parser succeeded
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recoverer) {
		r.metrics = m
	}
}

// Recoverer runs the recovery sequence. It holds no per-call state and is safe for concurrent use.
type Recoverer struct {
	parsers           []Parser
	normalizeNewlines bool
	log               zerolog.Logger
	metrics           *metrics.Metrics
}

// New creates a Recoverer with the default parser chain
func New(opts ...Option) *Recoverer {
	r := &Recoverer{
		parsers: DefaultParsers(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("component", "recovery").Logger()
	return r
}

// Recover extracts a JSON object from raw model output
func (r *Recoverer) Recover(raw string) (Result, error) {
	candidate := SliceObject(StripFences(raw))
	if r.normalizeNewlines {
		candidate = NormalizeNewlines(candidate)
	}

	failures := make(map[string]error, len(r.parsers))
	for _, parser := range r.parsers {
		content, err := parser.Parse(candidate)
		if err != nil {
			failures[parser.Name] = err
			continue
		}

		r.metrics.ObserveParser(parser.Name)
		if len(failures) > 0 {
			r.log.Debug().Str("parser", parser.Name).Int("failed_parsers", len(failures)).Msg("recovered model output")
		}
		return Result{Content: content, Parser: parser.Name}, nil
	}

	r.metrics.ObserveParser("none")
	r.log.Error().
		Str("raw", raw).
		Str("candidate", candidate).
		Msg("model output is unrecoverable")

	return Result{}, &UnrecoverableFormatError{Raw: raw, Candidate: candidate, Failures: failures}
}

var fencePattern = regexp.MustCompile("(?s)^\\s*```[a-zA-Z0-9_-]*[ \\t]*\\r?\\n?(.*?)\\s*```\\s*$")

// StripFences removes a wrapping markdown code fence (```json or bare ```), if any
func StripFences(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return strings.TrimSpace(s)
}

// SliceObject returns the span from the first '{' to the last '}' inclusive.
// Text without such a span is returned trimmed. SliceObject is idempotent.
func SliceObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}

// NormalizeNewlines escapes raw CR, LF and TAB characters that appear inside JSON
// string literals. Characters outside string literals are left alone.
func NormalizeNewlines(s string) string {
	var buf bytes.Buffer
	buf.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			buf.WriteByte(c)
			continue
		}

		switch {
		case escaped:
			escaped = false
			buf.WriteByte(c)
		case c == '\\':
			escaped = true
			buf.WriteByte(c)
		case c == '"':
			inString = false
			buf.WriteByte(c)
		case c == '\n':
			buf.WriteString(`\n`)
		case c == '\r':
			buf.WriteString(`\r`)
		case c == '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteByte(c)
		}
	}
	return buf.String()
}

// DoubleQuoteStrings rewrites single-quoted string literals as double-quoted ones.
// Double-quoted strings are copied unchanged. Inside a rewritten literal an escaped
// single quote loses its backslash and a bare double quote gains one.
func DoubleQuoteStrings(s string) string {
	if !strings.Contains(s, "'") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	var quote byte // 0 outside a string
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote == 0:
			if c == '\'' {
				quote = c
				b.WriteByte('"')
				continue
			}
			if c == '"' {
				quote = c
			}
			b.WriteByte(c)
		case escaped:
			escaped = false
			if quote == '\'' && c == '\'' {
				b.WriteByte(c)
				continue
			}
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\\':
			escaped = true
		case c == quote:
			quote = 0
			b.WriteByte('"')
		case quote == '\'' && c == '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}
	if escaped {
		b.WriteByte('\\')
	}
	return b.String()
}
