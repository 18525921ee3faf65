package iobuf

import "testing"

func TestValidate_WithinRangeReturnsSameBuffer(t *testing.T) {
	b := New(make([]byte, 4096), 0x1000, 0)

	out, replaced, err := b.Validate(0, 1<<32, 512, 4096, true)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if replaced {
		t.Fatal("expected no replacement buffer for an already-conformant buffer")
	}

	if out != b {
		t.Fatal("expected Validate to return the same buffer")
	}
}

func TestValidate_RemapsWhenOutOfRange(t *testing.T) {
	// Physical base well above the 4 GiB line the DMA path requires (spec.md §4.5 step 1).
	b := New(make([]byte, 4096), 1<<33, 0)

	out, replaced, err := b.Validate(0, 1<<32, 512, 4096, true)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if !replaced {
		t.Fatal("expected a replacement buffer")
	}

	if out == b {
		t.Fatal("expected a different buffer")
	}

	for _, f := range out.Fragments() {
		if f.PhysicalAddress+uint64(f.Size) > 1<<32 {
			t.Fatalf("replacement fragment still out of range: %+v", f)
		}
	}
}

func TestValidate_RefusesRemapWhenDisallowed(t *testing.T) {
	b := New(make([]byte, 4096), 1<<33, 0)

	if _, _, err := b.Validate(0, 1<<32, 512, 4096, false); err == nil {
		t.Fatal("expected error when remap is disallowed")
	}
}

func TestCopy_RoundTrips(t *testing.T) {
	src := New([]byte("hello, world"), 0, 0)
	dst := New(make([]byte, 12), 0, 0)

	if err := Copy(dst, 0, src, 0, 12); err != nil {
		t.Fatalf("copy: %v", err)
	}

	if string(dst.Bytes()) != "hello, world" {
		t.Fatalf("copy: got %q", dst.Bytes())
	}
}

func TestCopy_OutOfRange(t *testing.T) {
	src := New(make([]byte, 4), 0, 0)
	dst := New(make([]byte, 4), 0, 0)

	if err := Copy(dst, 0, src, 0, 8); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestFragments_SplitByFragmentSize(t *testing.T) {
	b := New(make([]byte, 1024), 0, 256)

	frags := b.Fragments()
	if len(frags) != 4 {
		t.Fatalf("fragments: got %d, want 4", len(frags))
	}

	for i, f := range frags {
		if f.Size != 256 {
			t.Errorf("fragment %d size: got %d, want 256", i, f.Size)
		}
	}
}

func TestFlushRecording(t *testing.T) {
	b := New(make([]byte, 16), 0, 0)

	b.FlushForDataOut(1, 16)
	b.FlushForDataIn(1, 16)

	flushes := b.Flushes()
	if len(flushes) != 2 {
		t.Fatalf("flushes: got %d, want 2", len(flushes))
	}

	if flushes[0].Kind != FlushForDataOut || flushes[1].Kind != FlushForDataIn {
		t.Fatalf("flushes: got %+v", flushes)
	}
}
