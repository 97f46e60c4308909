package model

import "testing"

func TestSignalValidAcceptsWellFormedLong(t *testing.T) {
	s := Signal{Side: Long, Entry: 100, SL: 99, TPs: []float64{100.6, 101, 101.5}}
	if !s.Valid(0.002, 0.02) {
		t.Fatal("expected well-formed long signal to be valid")
	}
}

func TestSignalValidRejectsSLOnWrongSide(t *testing.T) {
	s := Signal{Side: Long, Entry: 100, SL: 101, TPs: []float64{102}}
	if s.Valid(0.002, 0.02) {
		t.Fatal("SL above entry on a long must be rejected")
	}
}

func TestSignalValidRejectsOutOfRailSL(t *testing.T) {
	s := Signal{Side: Long, Entry: 100, SL: 99.99, TPs: []float64{101}} // 0.01% < 0.2% floor
	if s.Valid(0.002, 0.02) {
		t.Fatal("SL distance under the rail floor must be rejected")
	}
}

func TestSignalValidRejectsNonMonotonicTPs(t *testing.T) {
	s := Signal{Side: Long, Entry: 100, SL: 99, TPs: []float64{101, 100.5}}
	if s.Valid(0.002, 0.02) {
		t.Fatal("descending TP ladder on a long must be rejected")
	}
}

func TestSignalValidNoneSideAlwaysValid(t *testing.T) {
	s := Signal{Side: None}
	if !s.Valid(0.002, 0.02) {
		t.Fatal("NONE signals carry no invariant")
	}
}

func TestSideOpposite(t *testing.T) {
	if Long.Opposite() != Short || Short.Opposite() != Long || None.Opposite() != None {
		t.Fatal("Opposite mapping incorrect")
	}
}

func TestTradeStatusIsOpen(t *testing.T) {
	if !StatusOpen.IsOpen() || !StatusPartial.IsOpen() {
		t.Fatal("OPEN/PARTIAL must report open")
	}
	if StatusClosedTP.IsOpen() {
		t.Fatal("terminal status must not report open")
	}
}
