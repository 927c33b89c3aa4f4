package vgsl

import (
	"errors"
	"testing"
)

func TestParseSpec(t *testing.T) {
	in, blocks, err := parseSpec("[1,48,0,1 Cr3,3,32 Mp2,2 S1(1x24)1,3 Lbx100 Do0.1 O1c57]")
	if err != nil {
		t.Fatalf("parseSpec failed: %v", err)
	}
	if in != (Input{Batch: 1, Height: 48, Width: 0, Channels: 1}) {
		t.Errorf("input = %+v", in)
	}
	if in.String() != "[1,48,0,1" {
		t.Errorf("input string = %q", in.String())
	}

	kinds := ""
	for _, b := range blocks {
		kinds += string(b.kind)
	}
	if kinds != "CMSLDO" {
		t.Errorf("block kinds = %q, want CMSLDO", kinds)
	}
	if blocks[0].act != 'r' || blocks[0].ints[2] != 32 {
		t.Errorf("conv block = %+v", blocks[0])
	}
	if blocks[3].act != 'b' || blocks[3].ints[0] != 100 {
		t.Errorf("lstm block = %+v", blocks[3])
	}
	if blocks[4].p != 0.1 {
		t.Errorf("dropout p = %v", blocks[4].p)
	}
	if blocks[5].act != 'c' || blocks[5].ints[0] != 57 {
		t.Errorf("output block = %+v", blocks[5])
	}
}

func TestParseSpecClosingBracket(t *testing.T) {
	for _, spec := range []string{
		"[1,48,0,1 O1c3]",
		"[1,48,0,1 O1c3 ]",
		"  [1,48,0,1   Do   O1c3]  ",
	} {
		if _, _, err := parseSpec(spec); err != nil {
			t.Errorf("parseSpec(%q) failed: %v", spec, err)
		}
	}
}

func TestParseSpecDropoutDefault(t *testing.T) {
	_, blocks, err := parseSpec("[1,1,0,1 Do O1c2]")
	if err != nil {
		t.Fatal(err)
	}
	if blocks[0].p != 0.5 {
		t.Errorf("default dropout = %v, want 0.5", blocks[0].p)
	}
}

func TestParseSpecErrors(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"empty", ""},
		{"no closing bracket", "[1,48,0,1 O1c3"},
		{"only bracket", "]"},
		{"bad input", "[1,48,0 O1c3]"},
		{"variable channels", "[1,48,0,0 O1c3]"},
		{"unknown block", "[1,48,0,1 Gx3 O1c3]"},
		{"bad activation", "[1,48,0,1 Cq3,3,8 O1c3]"},
		{"zero filters", "[1,48,0,1 Cr3,3,0 O1c3]"},
		{"dropout range", "[1,48,0,1 Do1.5 O1c3]"},
		{"lstm direction", "[1,48,0,1 Lqx10 O1c3]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseSpec(tt.spec)
			if !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("parseSpec(%q) error = %v, want ErrInvalidSpec", tt.spec, err)
			}
		})
	}
}
