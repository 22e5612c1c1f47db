package kvcache

import (
	"testing"

	"github.com/shardrun/shardrun/shape"
)

func TestNUpdate(t *testing.T) {
	tests := []struct {
		name            string
		numPromptTokens int
		arPrefill       int
		want            int
	}{
		{"single token", 1, 4, 1},
		{"exactly fills window", 4, 4, 4},
		{"trailing partial window", 5, 4, 1},
		{"scenario 2 from spec", 5, 4, 1},
		{"two trailing", 6, 4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NUpdate(tt.numPromptTokens, tt.arPrefill); got != tt.want {
				t.Errorf("NUpdate(%d,%d) = %d, want %d", tt.numPromptTokens, tt.arPrefill, got, tt.want)
			}
		})
	}
}

// tinyShape is a minimal model shape for exercising writeback: num_layers=1,
// num_heads=1, head_dim=4, ar_prefill=4, ar_decode=1, context_len=8.
func tinyShape() shape.ModelShape {
	return shape.ModelShape{
		ContextLen:      8,
		HeadDim:         4,
		NumLayers:       1,
		NumHeads:        1,
		ARPrefill:       4,
		ARDecode:        1,
		VocabSize:       32000,
		CacheLenPrefill: 4,
		CacheLenDecode:  7,
	}
}

func TestWritebackPrefillThenRearrange(t *testing.T) {
	s := tinyShape()
	m, err := NewManager(s, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	slot := m.Slot(0, 0)
	// V output: one row (n_update=1) of head_dim=4 bytes.
	copy(slot.V.Output, []byte{11, 12, 13, 14})
	// K output: shape [head_dim, ar_prefill]=[4,4], one valid column (col 0).
	for d := 0; d < s.HeadDim; d++ {
		slot.K.Output[d*s.ARPrefill] = byte(21 + d)
	}

	if err := m.WritebackPrefill(0, 1); err != nil {
		t.Fatalf("WritebackPrefill: %v", err)
	}

	for i, want := range []byte{11, 12, 13, 14} {
		if slot.V.Input[i] != want {
			t.Errorf("V.Input[%d] = %d, want %d", i, slot.V.Input[i], want)
		}
	}
	for d := 0; d < s.HeadDim; d++ {
		want := byte(21 + d)
		got := slot.K.Input[d*s.CacheLenPrefill+0]
		if got != want {
			t.Errorf("K.Input at dim %d pos 0 (pre-rearrange, stride=cache_len_prefill) = %d, want %d", d, got, want)
		}
	}

	m.Rearrange()

	for d := 0; d < s.HeadDim; d++ {
		want := byte(21 + d)
		got := slot.K.Input[d*s.CacheLenDecode+0]
		if got != want {
			t.Errorf("K.Input at dim %d pos 0 (post-rearrange, stride=cache_len_decode) = %d, want %d", d, got, want)
		}
	}

	// Decode writeback at pos=n_update=1.
	for d := 0; d < s.HeadDim; d++ {
		slot.K.Output[d] = byte(31 + d)
	}
	copy(slot.V.Output[:s.HeadDim], []byte{41, 42, 43, 44})
	if err := m.WritebackDecodeStep(1); err != nil {
		t.Fatalf("WritebackDecodeStep: %v", err)
	}
	for d := 0; d < s.HeadDim; d++ {
		want := byte(31 + d)
		got := slot.K.Input[d*s.CacheLenDecode+1]
		if got != want {
			t.Errorf("K.Input at dim %d pos 1 = %d, want %d", d, got, want)
		}
	}
	for i, want := range []byte{41, 42, 43, 44} {
		if slot.V.Input[s.HeadDim+i] != want {
			t.Errorf("V.Input[%d] = %d, want %d", s.HeadDim+i, slot.V.Input[s.HeadDim+i], want)
		}
	}
}

func TestWritebackPrefillRejectsOutOfRangeNUpdate(t *testing.T) {
	s := tinyShape()
	m, err := NewManager(s, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.WritebackPrefill(0, 0); err == nil {
		t.Fatal("expected error for n_update=0")
	}
	if err := m.WritebackPrefill(0, s.ARPrefill+1); err == nil {
		t.Fatal("expected error for n_update > ar_prefill")
	}
}

func TestWritebackDecodeStepRejectsOutOfRangePos(t *testing.T) {
	s := tinyShape()
	m, err := NewManager(s, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.WritebackDecodeStep(-1); err == nil {
		t.Fatal("expected error for negative pos")
	}
	if err := m.WritebackDecodeStep(s.CacheLenDecode); err == nil {
		t.Fatal("expected error for pos == cache_len_decode")
	}
}

func TestTotalBytes(t *testing.T) {
	s := tinyShape()
	m, err := NewManager(s, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if got := m.TotalBytes(); got <= 0 {
		t.Errorf("TotalBytes() = %d, want > 0", got)
	}
}
