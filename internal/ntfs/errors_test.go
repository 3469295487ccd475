package ntfs

import (
	"errors"
	"testing"
)

func TestIsMatchesDomainAndKind(t *testing.T) {
	err := Input(KindInvalidData, "parseThing", nil)
	if !Is(err, DomainInput, KindInvalidData) {
		t.Error("Is(err, DomainInput, KindInvalidData) = false, want true")
	}
	if Is(err, DomainInput, KindValueMissing) {
		t.Error("Is(err, DomainInput, KindValueMissing) = true, want false")
	}
	if Is(err, DomainIO, KindInvalidData) {
		t.Error("Is(err, DomainIO, KindInvalidData) = true, want false")
	}
}

func TestIsUnwrapsWrappedCause(t *testing.T) {
	cause := errors.New("short read")
	err := IO(KindReadFailed, "readAtFull", cause)
	if !Is(err, DomainIO, KindReadFailed) {
		t.Error("Is did not recognize the wrapping error's own domain/kind")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}

func TestErrorMessageIncludesOp(t *testing.T) {
	err := Argument(KindInvalidValue, "Stream.Seek", nil)
	got := err.Error()
	want := "Stream.Seek: argument/invalid-value"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsFalseForNonNtfsError(t *testing.T) {
	if Is(errors.New("plain error"), DomainInput, KindInvalidData) {
		t.Error("Is(plain error) = true, want false")
	}
}
