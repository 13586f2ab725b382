package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := ErrConflict("a1b2c3d4", 7)
	want := "task a1b2c3d4 was modified concurrently: Compare-and-set failed at version 7"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := ErrTransient("claim", cause)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the cause through Unwrap")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := ErrTaskNotFound("a1b2c3d4")
	b := ErrTaskNotFound("ffffffff")

	if !stderrors.Is(a, b) {
		t.Error("two NotFound errors should match via Is")
	}

	c := ErrConflict("a1b2c3d4", 1)
	if stderrors.Is(a, c) {
		t.Error("NotFound should not match Conflict")
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := ErrConflict("a1b2c3d4", 3)
	wrapped := fmt.Errorf("submit: %w", inner)

	if !IsCode(wrapped, CodeConflict) {
		t.Error("IsCode should see through fmt.Errorf wrapping")
	}
	if IsCode(wrapped, CodeNotFound) {
		t.Error("IsCode matched the wrong code")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  *DroverError
		want bool
	}{
		{ErrTransient("list", nil), true},
		{ErrConflict("x", 1), false},
		{ErrTaskNotFound("x"), false},
		{ErrScopeMissing("config.yaml"), false},
		{ErrPreconditionFailed("x", "pending hooks"), false},
	}

	for _, tc := range cases {
		if got := tc.err.Retryable(); got != tc.want {
			t.Errorf("Retryable(%s) = %v, want %v", tc.err.Code, got, tc.want)
		}
	}
}

func TestCategories(t *testing.T) {
	if ErrScopeMissing("p").Category() != CategoryConfig {
		t.Error("scope missing should be a config error")
	}
	if ErrLeaseExpired("t", "a").Category() != CategoryExecution {
		t.Error("lease expiry should be an execution error")
	}
	if Wrap(nil, "x").Category() != CategoryUnknown {
		t.Error("unknown code should map to unknown category")
	}
}

func TestUserMessage(t *testing.T) {
	msg := ErrScopeMissing(".drover/config.yaml").UserMessage()
	for _, part := range []string{"Error:", "Why:", "Fix:"} {
		if !strings.Contains(msg, part) {
			t.Errorf("UserMessage missing %q section:\n%s", part, msg)
		}
	}
}
