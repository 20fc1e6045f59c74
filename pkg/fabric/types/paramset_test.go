package types

import "testing"

func TestParseParamSet_RecognizedAndExtra(t *testing.T) {
	args := []Arg{
		Symbol("@scaling"), Symbol("linear"),
		Symbol("@range"), Int(0), Int(127), Float(0), Float(1),
		Symbol("@mysteryVendorKey"), Str("hello"),
	}
	ps := ParseParamSet(args)

	scaling, ok := ps.GetString("scaling")
	if !ok || scaling != "linear" {
		t.Fatalf("expected scaling=linear, got %q ok=%v", scaling, ok)
	}

	rng, ok := ps.Get("range")
	if !ok || len(rng) != 4 {
		t.Fatalf("expected 4-arg range, got %v", rng)
	}

	if ps.Has("scaling") == false {
		t.Fatalf("expected scaling key present")
	}

	extra, ok := ps.Extra["mysteryVendorKey"]
	if !ok || len(extra) != 1 {
		t.Fatalf("expected unrecognized key preserved in Extra, got %v", extra)
	}
}

func TestParamSet_RoundTrip(t *testing.T) {
	ps := NewParamSet()
	ps.Set("expression", Str("y=x*2+1"))
	ps.Set("scaling", Symbol("expression"))
	ps.Set("mute", Int(0))
	ps.Extra["vendorThing"] = []Arg{Int(42)}

	encoded := ps.Encode()
	roundTripped := ParseParamSet(encoded)

	expr, ok := roundTripped.GetString("expression")
	if !ok || expr != "y=x*2+1" {
		t.Fatalf("expected expression preserved, got %q ok=%v", expr, ok)
	}
	scaling, ok := roundTripped.GetString("scaling")
	if !ok || scaling != "expression" {
		t.Fatalf("expected scaling preserved, got %q", scaling)
	}
	mute, ok := roundTripped.GetBool("mute")
	if !ok || mute != false {
		t.Fatalf("expected mute=false, got %v ok=%v", mute, ok)
	}
	vendor, ok := roundTripped.Extra["vendorThing"]
	if !ok || len(vendor) != 1 {
		t.Fatalf("expected vendor extra preserved, got %v", vendor)
	}
}

func TestParamSet_NumericCoercion(t *testing.T) {
	ps := NewParamSet()
	ps.Set("min", Int(5))
	ps.Set("max", Float(12.5))

	min, ok := ps.GetFloat("min")
	if !ok || min != 5 {
		t.Fatalf("expected min coerced to float 5, got %v", min)
	}
	max, ok := ps.GetFloat("max")
	if !ok || max != 12.5 {
		t.Fatalf("expected max 12.5, got %v", max)
	}
}
