package errors

import (
	stderrors "errors"
	"fmt"
	"os"
	"syscall"
	"testing"
)

func TestKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "not found", err: NotFoundf("storage pool %q", "p1"), want: NotFound},
		{name: "already exists", err: AlreadyExistsf("pool %q", "p1"), want: AlreadyExists},
		{name: "unsupported", err: Unsupportedf("volume resize"), want: Unsupported},
		{name: "invalid argument", err: InvalidArgumentf("bad flags %d", 3), want: InvalidArgument},
		{name: "invalid state", err: InvalidStatef("pool %q is active", "p1"), want: InvalidState},
		{name: "internal", err: Internalf("self-referential"), want: InternalInconsistency},
		{name: "io", err: NewIOError(syscall.EACCES, "cannot open %s", "/x"), want: IOFailure},
		{name: "wrapped", err: fmt.Errorf("outer: %w", InvalidStatef("busy")), want: InvalidState},
		{name: "plain", err: stderrors.New("plain"), want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewIOError(t *testing.T) {
	if NewIOError(nil, "unused") != nil {
		t.Fatal("NewIOError(nil) should be nil")
	}

	_, statErr := os.Stat("/nonexistent/poold/path")
	err := NewIOError(statErr, "cannot access %s", "/nonexistent/poold/path")

	if Errno(err) != syscall.ENOENT {
		t.Errorf("Errno() = %v, want ENOENT", Errno(err))
	}
	if !stderrors.Is(err, os.ErrNotExist) {
		t.Error("IOError should unwrap to its cause")
	}
	if got := err.Error(); got == "" {
		t.Error("Error() should not be empty")
	}
}

func TestNotFoundMessage(t *testing.T) {
	err := NotFoundf("storage pool %q", "p1")
	if got, want := err.Error(), `storage pool "p1" not found`; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
