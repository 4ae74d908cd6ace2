// errors.go: user-facing error types and caret-snippet rendering
//
// What this file does
// -------------------
// This module defines the error types produced by each compiler stage and
// turns location-carrying diagnostics into readable, Python-style error
// snippets with a caret pointing at the offending column. The primary entry
// point is `WrapErrorWithSource`, which recognizes `*LexError` (lexer.go),
// `*ParseError`/`ParseErrorList` (parser.go) and `*SemanticError`/
// `SemanticErrorList` (semantic.go), formats them, and returns a new `error`
// containing a multi-line snippet:
//
//	PARSE ERROR at 3:12: expected '{' after declaration name
//
//	     2 | agent "bot"
//	>    3 |     model =
//	       |            ^
//	     4 | }
//
// The snippet includes up to one line of context before and after the error
// (rendered through `SourceMap.Context`, lexer.go), marks the failing line,
// and places a caret under the 1-based column.
//
// Errors without a source position — `*BinaryError` from the HLXB container
// and `*RuntimeError` from the VM — pass through unchanged.
//
// Behavior guarantees
// -------------------
//   - If `err` carries a source location, the returned error's message is a
//     fully formatted, plain-text snippet (no ANSI colors).
//   - If `err` is anything else, it is returned unchanged.
//   - Line/column are clamped to the source bounds so the caret can always be
//     rendered. Empty/short source strings are handled.
package helix

import (
	"fmt"
	"strings"
)

/* ===========================
   PUBLIC API
   =========================== */

// ParseError reports one syntax error. Line is 1-based, Col 0-based (the
// same convention as LexError). When the error is a token mismatch, Want
// and Found carry the expectation in structured form; Msg always carries
// the rendered description.
type ParseError struct {
	Line  int
	Col   int
	Msg   string
	Want  string
	Found string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("PARSE ERROR at %d:%d: %s", e.Line, e.Col, e.Msg)
}

// ParseErrorList aggregates every syntax error found in one pass. The parser
// recovers at declaration boundaries and keeps going, so a single parse can
// surface several of these.
type ParseErrorList []*ParseError

func (l ParseErrorList) Error() string {
	if len(l) == 0 {
		return "no parse errors"
	}
	msgs := make([]string, len(l))
	for i, e := range l {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// SemanticError reports a validation failure on a syntactically valid file.
// Line and Col are 1-based.
type SemanticError struct {
	Line int
	Col  int
	Msg  string
}

func (e *SemanticError) Error() string {
	return fmt.Sprintf("SEMANTIC ERROR at %d:%d: %s", e.Line, e.Col, e.Msg)
}

// SemanticErrorList aggregates every validation failure found in one pass.
type SemanticErrorList []*SemanticError

func (l SemanticErrorList) Error() string {
	if len(l) == 0 {
		return "no semantic errors"
	}
	msgs := make([]string, len(l))
	for i, e := range l {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// BinaryErrorKind classifies HLXB container failures.
type BinaryErrorKind int

const (
	BinaryInvalidMagic BinaryErrorKind = iota
	BinaryUnsupportedVersion
	BinaryChecksumMismatch
	BinaryCorrupted
	BinaryCompression
	BinaryIO
)

var binaryErrorKindNames = map[BinaryErrorKind]string{
	BinaryInvalidMagic:       "invalid magic",
	BinaryUnsupportedVersion: "unsupported version",
	BinaryChecksumMismatch:   "checksum mismatch",
	BinaryCorrupted:          "corrupted payload",
	BinaryCompression:        "compression failure",
	BinaryIO:                 "i/o failure",
}

// BinaryError reports a failure while serializing or loading an HLXB file.
type BinaryError struct {
	Kind BinaryErrorKind
	Msg  string
}

func (e *BinaryError) Error() string {
	return fmt.Sprintf("BINARY ERROR (%s): %s", binaryErrorKindNames[e.Kind], e.Msg)
}

// RuntimeErrorKind classifies VM failures.
type RuntimeErrorKind int

const (
	RuntimeStackOverflow RuntimeErrorKind = iota
	RuntimeStackUnderflow
	RuntimeMemoryViolation
	RuntimeInvalidInstruction
	RuntimeResourceNotFound
	RuntimeExecution
)

var runtimeErrorKindNames = map[RuntimeErrorKind]string{
	RuntimeStackOverflow:      "stack overflow",
	RuntimeStackUnderflow:     "stack underflow",
	RuntimeMemoryViolation:    "memory access violation",
	RuntimeInvalidInstruction: "invalid instruction",
	RuntimeResourceNotFound:   "resource not found",
	RuntimeExecution:          "execution error",
}

// RuntimeError reports a VM failure. StackTrace lists the call frames that
// were live when the error fired, innermost first.
type RuntimeError struct {
	Kind       RuntimeErrorKind
	Msg        string
	PC         uint32
	StackTrace []string
}

func (e *RuntimeError) Error() string {
	s := fmt.Sprintf("RUNTIME ERROR (%s) at pc=%d: %s", runtimeErrorKindNames[e.Kind], e.PC, e.Msg)
	if len(e.StackTrace) > 0 {
		s += "\n  " + strings.Join(e.StackTrace, "\n  ")
	}
	return s
}

// WrapErrorWithSource returns an error augmented with a caret-annotated
// snippet of the provided source. It recognizes location-carrying errors and
// leaves other errors untouched.
func WrapErrorWithSource(err error, src string) error {
	return WrapErrorWithName(err, "", src)
}

// WrapErrorWithName is WrapErrorWithSource with a source name ("in <name>")
// added to the header.
func WrapErrorWithName(err error, srcName string, src string) error {
	switch e := err.(type) {
	case *LexError:
		// Lex/parse Col are 0-based; render as 1-based.
		return fmt.Errorf("%s", prettyErrorStringLabeled(src, "LEXICAL ERROR", srcName, e.Line, e.Col+1, e.Msg))
	case *ParseError:
		return fmt.Errorf("%s", prettyErrorStringLabeled(src, "PARSE ERROR", srcName, e.Line, e.Col+1, e.Msg))
	case ParseErrorList:
		parts := make([]string, len(e))
		for i, pe := range e {
			parts[i] = prettyErrorStringLabeled(src, "PARSE ERROR", srcName, pe.Line, pe.Col+1, pe.Msg)
		}
		return fmt.Errorf("%s", strings.Join(parts, "\n"))
	case *SemanticError:
		// SemanticError is already 1-based.
		return fmt.Errorf("%s", prettyErrorStringLabeled(src, "SEMANTIC ERROR", srcName, e.Line, e.Col, e.Msg))
	case SemanticErrorList:
		parts := make([]string, len(e))
		for i, se := range e {
			parts[i] = prettyErrorStringLabeled(src, "SEMANTIC ERROR", srcName, se.Line, se.Col, se.Msg)
		}
		return fmt.Errorf("%s", strings.Join(parts, "\n"))
	default:
		return err
	}
}

//// END_OF_PUBLIC

/* ===========================
   PRIVATE: helpers & rendering
   =========================== */

// prettyErrorStringLabeled builds a Python-like snippet with a header and a
// caret. The numbered context window comes from SourceMap.Context; the
// caret line is inserted under the marked line. Coordinates are treated as
// 1-based and clamped to the source bounds.
func prettyErrorStringLabeled(src, header, name string, line, col int, msg string) string {
	if line < 1 {
		line = 1
	}
	if col < 1 {
		col = 1
	}

	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "%s in %s at %d:%d: %s\n\n", header, name, line, col, msg)
	} else {
		fmt.Fprintf(&b, "%s at %d:%d: %s\n\n", header, line, col, msg)
	}
	sm := &SourceMap{Source: src}
	window := sm.Context(SourceLocation{Line: line, Column: col}, 1)
	for _, ln := range strings.Split(strings.TrimRight(window, "\n"), "\n") {
		b.WriteString(ln)
		b.WriteByte('\n')
		if strings.HasPrefix(ln, "> ") {
			fmt.Fprintf(&b, "       | %s^\n", strings.Repeat(" ", col-1))
		}
	}
	return b.String()
}
