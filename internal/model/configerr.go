package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigErrorDetail is one schema violation reported by LoadConfig, reduced
// to something a human can act on.
type ConfigErrorDetail struct {
	Path    string // worker.pending_limit
	Code    string // missing_required | unknown_field | conflicting_values | validation_error
	Message string
	Line    int
	Column  int
}

func (d ConfigErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", d.Code),
		slog.String("path", d.Path),
		slog.String("message", d.Message),
		slog.Int("line", d.Line),
		slog.Int("column", d.Column),
	)
}

var (
	reIncomplete = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict   = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|out of bound`)
)

// ConfigErrDetails splits a LoadConfig error into per-field details. Errors
// not produced by the CUE validator yield a single validation_error entry.
func ConfigErrDetails(err error) []ConfigErrorDetail {
	if err == nil {
		return nil
	}

	var out []ConfigErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		detail := ConfigErrorDetail{
			Path: path,
		}
		detail.Code, detail.Message = classify(raw, path)
		if pos := e.Position(); pos.IsValid() {
			detail.Line = pos.Line()
			detail.Column = pos.Column()
		}
		out = append(out, detail)
	}
	if len(out) == 0 {
		out = append(out, ConfigErrorDetail{Code: "validation_error", Message: err.Error()})
	}
	return out
}

func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	field := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		field = path[i+1:]
	}
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", field)
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", field)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Field %s has invalid value: %s", field, raw)
	default:
		return "validation_error", raw
	}
}
