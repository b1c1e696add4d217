package coordinator

import (
	"slices"
	"testing"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		code int
		want Kind
		ok   bool
	}{
		{0, KindSwitch, true},
		{1, KindCover, true},
		{2, KindCover, true},
		{6, KindLight, true},
		{3, "", false},
		{0xFF, "", false},
	}
	for _, tt := range tests {
		got, ok := p.KindOf(tt.code)
		if got != tt.want || ok != tt.ok {
			t.Errorf("KindOf(%d) = (%q, %v), want (%q, %v)", tt.code, got, ok, tt.want, tt.ok)
		}
	}

	if got := p.Discoverable(); !slices.Equal(got, []int{0, 1, 2, 6}) {
		t.Errorf("Discoverable() = %v", got)
	}
	buttons := p.VirtualButtons()
	if len(buttons) != 48 || buttons[0] != 57 || buttons[47] != 104 {
		t.Errorf("VirtualButtons() = %v", buttons)
	}
}

func TestNewPolicy(t *testing.T) {
	p, err := NewPolicy(map[int]string{0: "switch", 6: "light", 9: "cover"}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if k, _ := p.KindOf(9); k != KindCover {
		t.Errorf("KindOf(9) = %q", k)
	}
	if got := p.VirtualButtons(); got != nil {
		t.Errorf("VirtualButtons() = %v, want none", got)
	}
}

func TestNewPolicyErrors(t *testing.T) {
	tests := []struct {
		name        string
		types       map[int]string
		first, last int
	}{
		{"unknown kind", map[int]string{0: "fan"}, 0, 0},
		{"button kind", map[int]string{0: "button"}, 0, 0},
		{"code out of range", map[int]string{256: "switch"}, 0, 0},
		{"inverted range", map[int]string{0: "switch"}, 104, 57},
		{"range past 192", map[int]string{0: "switch"}, 100, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPolicy(tt.types, tt.first, tt.last); err == nil {
				t.Error("expected error")
			}
		})
	}
}
