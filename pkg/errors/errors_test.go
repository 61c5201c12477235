package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewPopulatesCategoryAndRetryability(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		category  ErrorCategory
		retryable bool
	}{
		{ErrCodeConfigValidation, CategoryConfiguration, false},
		{ErrCodeClientNotFound, CategoryClient, true},
		{ErrCodeSocketTimeout, CategoryClient, true},
		{ErrCodePlaceholderDBNotFound, CategoryPlaceholder, false},
		{ErrCodePlaceholderLookup, CategoryPlaceholder, true},
		{ErrCodeMountFailed, CategoryFilesystem, false},
		{ErrCodeRemoteUnavailable, CategoryFilesystem, true},
		{ErrCodeOperationNotFound, CategoryOperation, false},
		{ErrCodeInternalError, CategoryInternal, false},
	}
	for _, tt := range tests {
		err := New(tt.code, "boom")
		if err.Category != tt.category {
			t.Errorf("%s: category = %s, want %s", tt.code, err.Category, tt.category)
		}
		if err.Retryable != tt.retryable {
			t.Errorf("%s: retryable = %v, want %v", tt.code, err.Retryable, tt.retryable)
		}
		if err.Timestamp.IsZero() {
			t.Errorf("%s: timestamp not set", tt.code)
		}
	}
}

func TestGetCategoryUnknownCode(t *testing.T) {
	if got := GetCategory(ErrorCode("NO_SUCH_CODE")); got != CategoryInternal {
		t.Errorf("GetCategory = %s, want internal", got)
	}
}

func TestErrorStringIncludesCodeComponentAndCause(t *testing.T) {
	cause := fmt.Errorf("dial unix: no such file")
	err := New(ErrCodeSocketConnect, "cannot reach sync client").
		WithComponent("control").
		WithCause(cause)

	msg := err.Error()
	for _, want := range []string{"SOCKET_CONNECT_FAILED", "control", "cannot reach sync client", "no such file"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := New(ErrCodeMountFailed, "mount failed").WithCause(cause)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is must reach the cause through Unwrap")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(ErrCodeClientNotFound, "first")
	b := New(ErrCodeClientNotFound, "second")
	c := New(ErrCodeMountFailed, "other")

	if !stderrors.Is(a, b) {
		t.Error("same code must match")
	}
	if stderrors.Is(a, c) {
		t.Error("different codes must not match")
	}
}

func TestBuildersAccumulate(t *testing.T) {
	err := New(ErrCodeOperationFailed, "op failed").
		WithComponent("fuse").
		WithOperation("setxattr").
		WithContext("path", "/doc.pdf").
		WithContext("value", "1")

	if err.Component != "fuse" || err.Operation != "setxattr" {
		t.Errorf("component/operation = %s/%s", err.Component, err.Operation)
	}
	if err.Context["path"] != "/doc.pdf" || err.Context["value"] != "1" {
		t.Errorf("context = %v", err.Context)
	}
}

func TestCodeOf(t *testing.T) {
	err := New(ErrCodeSchemaMismatch, "bad row")
	if got := CodeOf(err); got != ErrCodeSchemaMismatch {
		t.Errorf("CodeOf = %s", got)
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if got := CodeOf(wrapped); got != ErrCodeSchemaMismatch {
		t.Errorf("CodeOf(wrapped) = %s", got)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrCodeInternalError {
		t.Errorf("CodeOf(plain) = %s", got)
	}
}
