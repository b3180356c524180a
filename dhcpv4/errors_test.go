package dhcpv4

import (
	"errors"
	"testing"
)

func TestNewFrameTooSmallReturnsMalformedKind(t *testing.T) {
	_, err := NewFrame(make([]byte, 10))
	if err == nil {
		t.Fatal("want an error for an undersized buffer")
	}
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("want a *dhcpv4.Error, got %T", err)
	}
	if derr.Kind != KindMalformed {
		t.Fatalf("want KindMalformed, got %s", derr.Kind)
	}
}

func TestForEachOptionBadLengthReturnsMalformedKind(t *testing.T) {
	buf := make([]byte, OptionsOffset+2)
	frm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	opts := frm.OptionsPayload()
	opts[0] = byte(OptHostName)
	opts[1] = 200 // claims 200 bytes of data that don't exist
	err = frm.ForEachOption(nil)
	if err == nil {
		t.Fatal("want an error for a truncated option")
	}
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindMalformed {
		t.Fatalf("want KindMalformed *Error, got %#v", err)
	}
	if !errors.Is(err, errDHCPBadOption) {
		t.Fatal("Error.Unwrap should expose the underlying sentinel")
	}
}

func TestErrorStringIncludesOp(t *testing.T) {
	e := newError(KindInvariant, "BeginRequest", errors.New("already in progress"))
	want := "dhcpv4: BeginRequest: invariant: already in progress"
	if e.Error() != want {
		t.Fatalf("want %q, got %q", want, e.Error())
	}
}
