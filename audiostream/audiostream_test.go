package audiostream

import "testing"

func TestSequencerReordering(t *testing.T) {
	t.Parallel()

	s := NewSequencer()
	want := []bool{true, true, false, false}
	for i, c := range []uint8{0, 1, 3, 2} {
		if got := s.Observe(c); got != want[i] {
			t.Fatalf("Observe(%d) = %v, want %v", c, got, want[i])
		}
	}

	st := s.Stats()
	if st.SequenceErrors != 1 {
		t.Fatalf("SequenceErrors = %d, want 1", st.SequenceErrors)
	}
	if st.Mismatches != 2 {
		t.Fatalf("Mismatches = %d, want 2", st.Mismatches)
	}
	if st.Last != 2 {
		t.Fatalf("Last = %d, want 2", st.Last)
	}
}

func TestSequencerWrapsAndRecovers(t *testing.T) {
	t.Parallel()

	s := NewSequencer()
	for i := 0; i < 40; i++ {
		if !s.Observe(uint8((i + 9) % 16)) {
			t.Fatalf("packet %d flagged out of order", i)
		}
	}

	s.Observe(0) // 40+9 = 49 -> expected 1
	s.Observe(1)
	s.Observe(5)
	s.Observe(6)

	st := s.Stats()
	if st.SequenceErrors != 2 {
		t.Fatalf("SequenceErrors = %d, want 2", st.SequenceErrors)
	}
	if st.InOrder != 42 {
		t.Fatalf("InOrder = %d, want 42", st.InOrder)
	}
}

func TestSequencerReset(t *testing.T) {
	t.Parallel()

	s := NewSequencer()
	s.Observe(4)
	s.Reset()
	if !s.Observe(11) {
		t.Fatal("first packet after Reset not accepted")
	}
}

func TestJitterOrdering(t *testing.T) {
	t.Parallel()

	j := NewJitterBuffer()
	keys := []Key{{2, 0}, {1, 500}, {1, 100}, {3, 0}}
	for _, k := range keys {
		if r := j.Push(k, []byte{byte(k.Int)}); r != Inserted {
			t.Fatalf("Push(%v) = %s, want inserted", k, r)
		}
	}

	want := []Key{{1, 100}, {1, 500}, {2, 0}, {3, 0}}
	for _, w := range want {
		e, ok := j.Pop()
		if !ok {
			t.Fatal("Pop on non-empty buffer failed")
		}
		if e.Key != w {
			t.Fatalf("Pop = %v, want %v", e.Key, w)
		}
	}
	if _, ok := j.Pop(); ok {
		t.Fatal("Pop on empty buffer succeeded")
	}
}

func TestJitterStale(t *testing.T) {
	t.Parallel()

	j := NewJitterBuffer()
	j.Push(Key{5, 0}, nil)
	j.Pop()

	tests := []struct {
		key  Key
		want PushResult
	}{
		{Key{4, 999}, Stale},
		{Key{5, 0}, Stale},
		{Key{5, 1}, Inserted},
	}
	for _, tt := range tests {
		if got := j.Push(tt.key, nil); got != tt.want {
			t.Errorf("Push(%v) = %s, want %s", tt.key, got, tt.want)
		}
	}
}

func TestJitterOverflow(t *testing.T) {
	t.Parallel()

	j := NewJitterBuffer()
	for i := 0; i < JitterCapacity; i++ {
		if r := j.Push(Key{Int: uint32(i)}, nil); r != Inserted {
			t.Fatalf("insert %d = %s", i, r)
		}
	}
	if j.Len() != JitterCapacity {
		t.Fatalf("Len = %d, want %d", j.Len(), JitterCapacity)
	}

	if r := j.Push(Key{Int: 1000}, nil); r != Overflow {
		t.Fatalf("31st insert = %s, want overflow", r)
	}
	if j.Len() != 0 {
		t.Fatalf("Len = %d after overflow, want 0", j.Len())
	}
	if _, ok := j.Peek(); ok {
		t.Fatal("31st insert was retained")
	}
	if s := j.Stats(); s.Overflows != 1 {
		t.Fatalf("Overflows = %d, want 1", s.Overflows)
	}
}

func TestJitterDuplicateReplaces(t *testing.T) {
	t.Parallel()

	j := NewJitterBuffer()
	j.Push(Key{1, 1}, []byte("a"))
	j.Push(Key{1, 1}, []byte("b"))
	if j.Len() != 1 {
		t.Fatalf("Len = %d, want 1", j.Len())
	}
	e, _ := j.Peek()
	if string(e.Payload) != "b" {
		t.Fatalf("payload = %q, want b", e.Payload)
	}
}

func TestJitterConcurrentPushPop(t *testing.T) {
	t.Parallel()

	j := NewJitterBuffer()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			j.Pop()
		}
	}()
	for i := 0; i < 1000; i++ {
		j.Push(Key{Int: uint32(i)}, nil)
	}
	<-done

	if j.Len() > JitterCapacity {
		t.Fatalf("Len = %d exceeds capacity", j.Len())
	}
}
