package audio

import "testing"

func TestPCM16ToFloat32(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x01}
	got := PCM16ToFloat32(pcm)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples (odd byte dropped), got %d", len(got))
	}
	if got[0] != 0 {
		t.Fatalf("sample 0 = %v, want 0", got[0])
	}
	if got[1] < 0.999 || got[1] > 1 {
		t.Fatalf("sample 1 = %v, want ~1", got[1])
	}
	if got[2] != -1 {
		t.Fatalf("sample 2 = %v, want -1", got[2])
	}
}

func TestFloat32ToPCM16Clips(t *testing.T) {
	pcm := Float32ToPCM16([]float32{2, -2, 0})
	back := PCM16ToFloat32(pcm)
	if back[0] < 0.999 {
		t.Fatalf("positive overflow not clipped: %v", back[0])
	}
	if back[1] > -0.999 {
		t.Fatalf("negative overflow not clipped: %v", back[1])
	}
	if back[2] != 0 {
		t.Fatalf("zero changed: %v", back[2])
	}
}

func TestFloat32ToInt(t *testing.T) {
	got := Float32ToInt([]float32{0.5, -0.5})
	if got[0] != 16384 || got[1] != -16384 {
		t.Fatalf("unexpected ints %v", got)
	}
}
