package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonToolExec)
	if Reason(err) != ReasonToolExec {
		t.Fatalf("expected reason %s, got %s", ReasonToolExec, Reason(err))
	}
	if !HasReason(err, ReasonToolExec) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonModelSend)
	second := Wrap(first, ReasonToolExec)
	if Reason(second) != ReasonModelSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
