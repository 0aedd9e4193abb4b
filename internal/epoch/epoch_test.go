package epoch

import (
	"sync"
	"testing"
	"time"
)

func TestLoadSeesPublishedValue(t *testing.T) {
	v := NewValue(&[]int{1, 2, 3})

	got, release := v.Load()
	defer release()

	if len(*got) != 3 || (*got)[0] != 1 {
		t.Fatalf("Load returned %v, want [1 2 3]", *got)
	}
}

func TestReplaceReturnsOldSnapshot(t *testing.T) {
	old := &[]int{1}
	v := NewValue(old)

	got := v.Replace(&[]int{2})
	if got != old {
		t.Fatalf("Replace returned %p, want the old snapshot %p", got, old)
	}
	if (*v.Peek())[0] != 2 {
		t.Fatalf("Peek sees %v after Replace, want [2]", *v.Peek())
	}
}

func TestReplaceWaitsForActiveReader(t *testing.T) {
	v := NewValue(&[]int{1})

	_, release := v.Load()

	done := make(chan struct{})
	go func() {
		v.Replace(&[]int{2})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Replace returned while a reader was still inside its read section")
	case <-time.After(10 * time.Millisecond):
	}

	release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Replace did not return after the reader left")
	}
}

func TestReaderDuringReplaceGetsConsistentSnapshot(t *testing.T) {
	// A reader must always see either the old or the new snapshot in
	// full, never a torn value.
	type pair struct{ a, b int }
	v := NewValue(&pair{0, 0})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			p, release := v.Load()
			if p.a != p.b {
				t.Errorf("torn read: %+v", *p)
				release()
				return
			}
			release()
		}
	}()

	for i := 1; i <= 100; i++ {
		v.Replace(&pair{i, i})
	}
	close(stop)
	wg.Wait()
}

func TestLoadAfterReplaceSeesNewValue(t *testing.T) {
	v := NewValue(&[]int{1})
	v.Replace(&[]int{2})

	got, release := v.Load()
	defer release()
	if (*got)[0] != 2 {
		t.Fatalf("Load returned %v after Replace, want [2]", *got)
	}
}
