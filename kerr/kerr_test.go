package kerr

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestNew_WrapsAndFormats(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(FetchFailed, "zlib", "fetch", cause)

	if got, ok := KindOf(err); !ok || got != FetchFailed {
		t.Errorf("KindOf() = %v, %v, want FetchFailed, true", got, ok)
	}
	if !Is(err, FetchFailed) {
		t.Error("Is(FetchFailed) = false")
	}
	if Is(err, BuildFailed) {
		t.Error("Is(BuildFailed) = true for a FetchFailed error")
	}
	msg := err.Error()
	for _, want := range []string{"FetchFailed", "package=zlib", "phase=fetch", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, want it to contain %q", msg, want)
		}
	}
}

func TestNew_NilCause(t *testing.T) {
	err := New(Cancelled, "curl", "build", nil)
	if err.Unwrap() != nil {
		t.Errorf("Unwrap() = %v, want nil", err.Unwrap())
	}
	if got, ok := KindOf(err); !ok || got != Cancelled {
		t.Errorf("KindOf() = %v, %v", got, ok)
	}
}

func TestWrap_FormatsMessage(t *testing.T) {
	cause := errors.New("no such file")
	err := Wrap(RecipeInvalid, cause, "recipe %q: %s", "openssl", "missing build step")

	if !Is(err, RecipeInvalid) {
		t.Error("Is(RecipeInvalid) = false")
	}
	if !strings.Contains(err.Error(), `recipe "openssl": missing build step`) {
		t.Errorf("Error() = %q, missing formatted message", err.Error())
	}
	if !strings.Contains(err.Error(), "no such file") {
		t.Errorf("Error() = %q, missing wrapped cause", err.Error())
	}
}

func TestWrap_NilCauseStillReturnsError(t *testing.T) {
	err := Wrap(BuildFailed, nil, "build step %d failed", 3)
	if err == nil {
		t.Fatal("Wrap() with a nil cause returned nil")
	}
	if !strings.Contains(err.Error(), "build step 3 failed") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWithReasonAndWithStderr(t *testing.T) {
	err := New(ResolveFailed, "curl", "resolve", errors.New("no candidate")).
		WithReason("unsatisfied").
		WithStderr("error: could not find version\n")

	if err.Reason != "unsatisfied" {
		t.Errorf("Reason = %q, want unsatisfied", err.Reason)
	}
	if !strings.Contains(err.Error(), "reason=unsatisfied") {
		t.Errorf("Error() = %q, missing reason", err.Error())
	}
	if !strings.Contains(err.Error(), "stderr:") {
		t.Errorf("Error() = %q, missing stderr tail", err.Error())
	}
}

func TestWithStderr_Truncates(t *testing.T) {
	long := make([]byte, 8192)
	for i := range long {
		long[i] = 'x'
	}
	err := New(BuildFailed, "gcc", "build", errors.New("compile error")).WithStderr(string(long))
	if len(err.StderrTail) != 4096 {
		t.Errorf("len(StderrTail) = %d, want 4096", len(err.StderrTail))
	}
}

func TestKindOf_NonKilnError(t *testing.T) {
	if _, ok := KindOf(fmt.Errorf("plain error")); ok {
		t.Error("KindOf() = true for a plain error")
	}
	if Is(fmt.Errorf("plain error"), BuildFailed) {
		t.Error("Is() = true for a plain error")
	}
}
