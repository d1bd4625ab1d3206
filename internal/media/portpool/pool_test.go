package portpool

import "testing"

func TestAllocateReleaseCycle(t *testing.T) {
	pool := NewPortPool(10000, 10007)

	if pool.Available() != 3 {
		t.Fatalf("Available() = %d, want 3", pool.Available())
	}

	rtpPort, rtcpPort, err := pool.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if rtpPort%2 != 0 {
		t.Errorf("rtp port %d is odd", rtpPort)
	}
	if rtcpPort != rtpPort+1 {
		t.Errorf("rtcp port = %d, want %d", rtcpPort, rtpPort+1)
	}
	if pool.Allocated() != 1 {
		t.Errorf("Allocated() = %d, want 1", pool.Allocated())
	}

	pool.Release(rtpPort)
	if pool.Available() != 3 {
		t.Errorf("Available() after release = %d, want 3", pool.Available())
	}
	// Releasing twice must not double-add.
	pool.Release(rtpPort)
	if pool.Available() != 3 {
		t.Errorf("Available() after double release = %d, want 3", pool.Available())
	}
}

func TestExhaustion(t *testing.T) {
	pool := NewPortPool(20000, 20003)

	if _, _, err := pool.Allocate(); err != nil {
		t.Fatalf("first Allocate() error: %v", err)
	}
	if _, _, err := pool.Allocate(); err == nil {
		t.Fatal("expected exhaustion error")
	}
}

func TestOddMinPortRoundedUp(t *testing.T) {
	pool := NewPortPool(10001, 10006)
	rtpPort, _, err := pool.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if rtpPort%2 != 0 {
		t.Errorf("rtp port %d is odd", rtpPort)
	}
}
