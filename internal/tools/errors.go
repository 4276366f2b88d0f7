// Package tools provides the tool registry and execution framework.
//
// This file defines the error types returned by registration and
// invocation, plus the structured payload used for error-tagged tool
// messages.
package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Registration errors.
var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrToolNameEmpty = errors.New("tool name is empty")
	ErrNilHandler    = errors.New("tool handler is nil")
	ErrInvalidSchema = errors.New("invalid input schema")
)

// Error kinds carried in error-tagged tool content.
const (
	KindUnknownTool      = "unknown_tool"
	KindInvalidArguments = "invalid_arguments"
	KindHandlerError     = "handler_error"
	KindPanic            = "panic"
	KindMissingName      = "missing_name"
	KindSkipped          = "skipped"
)

// ErrUnknownTool is returned when a tool call targets a name that is not
// present in the registry.
type ErrUnknownTool struct {
	Name string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ErrInvalidArguments is returned when tool arguments are not valid
// JSON or do not satisfy the tool's input schema.
type ErrInvalidArguments struct {
	Name string
	Err  error
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Name, e.Err)
}

// Unwrap returns the underlying parse or validation error.
func (e *ErrInvalidArguments) Unwrap() error { return e.Err }

type errorPayload struct {
	Error  bool   `json:"error"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// ErrorContent renders the content of an error-tagged tool message.
func ErrorContent(kind, detail string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(errorPayload{Error: true, Kind: kind, Detail: detail})
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

// ErrorKind maps an Invoke error to the kind recorded in tool content.
func ErrorKind(err error) string {
	var unknown *ErrUnknownTool
	var invalid *ErrInvalidArguments
	switch {
	case errors.As(err, &unknown):
		if unknown.Name == "" {
			return KindMissingName
		}
		return KindUnknownTool
	case errors.As(err, &invalid):
		return KindInvalidArguments
	}
	return KindHandlerError
}
