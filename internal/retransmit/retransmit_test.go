package retransmit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestTable_AckCancelsRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := New(clock, 300*time.Millisecond, 10)

	sends := 0
	done := table.Register(1, []byte("hi"), func([]byte) error {
		sends++
		return nil
	})

	clock.BlockUntil(1)
	if !table.Ack(1) {
		t.Fatal("Ack(1) = false, want true")
	}

	select {
	case res := <-done:
		if res.Err != nil {
			t.Fatalf("Result.Err = %v, want nil", res.Err)
		}
		if res.BytesSent != 2 {
			t.Errorf("BytesSent = %d, want 2", res.BytesSent)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack result")
	}

	if sends != 1 {
		t.Errorf("send invoked %d times, want exactly 1 (the initial attempt)", sends)
	}
	if table.Len() != 0 {
		t.Errorf("table.Len() = %d, want 0 after ack", table.Len())
	}
}

func TestTable_DuplicateAckIsNoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := New(clock, 300*time.Millisecond, 10)

	table.Register(5, nil, func([]byte) error { return nil })
	clock.BlockUntil(1)

	if !table.Ack(5) {
		t.Fatal("first Ack(5) = false, want true")
	}
	if table.Ack(5) {
		t.Error("second Ack(5) = true, want false (duplicate ack is a no-op)")
	}
	if table.Ack(999) {
		t.Error("Ack of unknown nonce = true, want false")
	}
}

func TestTable_ExhaustsAfterMaxAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := New(clock, 10*time.Millisecond, 3)

	sends := 0
	done := table.Register(7, []byte("x"), func([]byte) error {
		sends++
		return nil
	})

	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(10 * time.Millisecond)
	}

	select {
	case res := <-done:
		if res.Err != ErrNotAcknowledged {
			t.Fatalf("Result.Err = %v, want ErrNotAcknowledged", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exhaustion result")
	}

	if sends != 3 {
		t.Errorf("send invoked %d times, want 3", sends)
	}
	if table.Len() != 0 {
		t.Errorf("table.Len() = %d, want 0 after exhaustion", table.Len())
	}
}

func TestTable_CloseAllFailsOutstanding(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := New(clock, 300*time.Millisecond, 10)

	done1 := table.Register(1, nil, func([]byte) error { return nil })
	done2 := table.Register(2, nil, func([]byte) error { return nil })
	clock.BlockUntil(2)

	table.CloseAll()

	for _, done := range []<-chan Result{done1, done2} {
		select {
		case res := <-done:
			if res.Err != ErrClosed {
				t.Errorf("Result.Err = %v, want ErrClosed", res.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for CloseAll result")
		}
	}
	if table.Len() != 0 {
		t.Errorf("table.Len() = %d, want 0 after CloseAll", table.Len())
	}
}
