package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfClassifiesAppErrors(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{ValidationError("bad input"), ErrorKindValidation},
		{NotFoundError("missing"), ErrorKindNotFound},
		{ConflictError("try again"), ErrorKindConflict},
		{InternalError(nil, "broken"), ErrorKindInternal},
		{errors.New("driver exploded"), ErrorKindInternal},
		{ErrorRecordNotFound, ErrorKindNotFound},
	}
	for i, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Fatalf("case %d: got %s, want %s", i, got, c.want)
		}
	}
}

func TestKindOfSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("executing split: %w", ValidationError("width mismatch"))
	if got := KindOf(err); got != ErrorKindValidation {
		t.Fatalf("got %s, want %s", got, ErrorKindValidation)
	}
}

func TestInternalErrorCarriesCause(t *testing.T) {
	cause := errors.New("deadlock")
	err := InternalError(cause, "commit failed")
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable via errors.Is")
	}
	if err.Error() != "commit failed: deadlock" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
