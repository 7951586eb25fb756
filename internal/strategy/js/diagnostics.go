package js

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"
	"github.com/dop251/goja/file"
)

// Stage names the check a strategy module failed.
type Stage string

const (
	StageCompile  Stage = "compile"
	StageEvaluate Stage = "evaluate"
	StageExports  Stage = "exports"
)

const maxDiagnosticRunes = 256

// Diagnostic locates one problem in a strategy module source.
type Diagnostic struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// String renders the diagnostic as `line:column: stage: message`.
func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%d:%d: %s: %s", d.Line, d.Column, d.Stage, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Stage, d.Message)
}

// DiagnosticError reports a module that could not be turned into a strategy.
type DiagnosticError struct {
	Module     string
	Diagnostic Diagnostic
	cause      error
}

func newDiagnosticError(module string, cause error, d Diagnostic) *DiagnosticError {
	return &DiagnosticError{Module: strings.TrimSpace(module), Diagnostic: d, cause: cause}
}

func (e *DiagnosticError) Error() string {
	if e.Module == "" {
		return e.Diagnostic.String()
	}
	return e.Module + ":" + e.Diagnostic.String()
}

func (e *DiagnosticError) Unwrap() error { return e.cause }

// DiagnosticOf extracts the diagnostic carried by err.
func DiagnosticOf(err error) (Diagnostic, bool) {
	var diagErr *DiagnosticError
	if errors.As(err, &diagErr) {
		return diagErr.Diagnostic, true
	}
	return Diagnostic{}, false
}

func compileFailure(module string, err error) *DiagnosticError {
	d := Diagnostic{
		Stage:   StageCompile,
		Message: shortMessage(err),
		Hint:    "fix the JavaScript syntax near the reported location",
	}
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		if msg := strings.TrimSpace(syntaxErr.Message); msg != "" {
			d.Message = msg
		}
		if syntaxErr.File != nil {
			d.Line, d.Column = position(syntaxErr.File.Position(syntaxErr.Offset))
		}
	}
	return newDiagnosticError(module, err, d)
}

func evaluateFailure(module string, err error) *DiagnosticError {
	d := Diagnostic{
		Stage:   StageEvaluate,
		Message: shortMessage(err),
		Hint:    "the module body must run to completion without throwing",
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		if val := exception.Value(); val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
			if msg := strings.TrimSpace(val.String()); msg != "" {
				d.Message = msg
			}
		}
		if stack := exception.Stack(); len(stack) > 0 {
			d.Line, d.Column = position(stack[0].Position())
		}
	}
	return newDiagnosticError(module, err, d)
}

func exportsFailure(module string, cause error, hint string) *DiagnosticError {
	return newDiagnosticError(module, cause, Diagnostic{Stage: StageExports, Message: shortMessage(cause), Hint: hint})
}

func position(pos file.Position) (int, int) {
	return max(pos.Line, 0), max(pos.Column, 0)
}

// shortMessage keeps the first line of err without goja's trailing "at ..." location.
func shortMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg, _, _ := strings.Cut(strings.TrimSpace(err.Error()), "\n")
	if head, tail, ok := strings.Cut(msg, " at "); ok && head != "" && !strings.Contains(tail, " at ") {
		msg = head
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "unknown error"
	}
	if utf8.RuneCountInString(msg) > maxDiagnosticRunes {
		msg = string([]rune(msg)[:maxDiagnosticRunes])
	}
	return msg
}
