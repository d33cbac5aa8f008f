package supervise

import (
	"net"
	"strconv"
	"testing"
	"time"
)

func TestAllocateEphemeral(t *testing.T) {
	a := NewPortAllocator("127.0.0.1", 0, 0)
	p1, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	p2, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p1 == 0 || p2 == 0 || p1 == p2 {
		t.Fatalf("expected two distinct ports, got %d and %d", p1, p2)
	}
}

func TestAllocateRangeSkipsReserved(t *testing.T) {
	// Find a base of free ports by grabbing an ephemeral one.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	base := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	a := NewPortAllocator("127.0.0.1", base, base+10)
	p1, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	p2, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("allocator handed out the same port twice: %d", p1)
	}
	a.Release(p1)
	p3, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if p3 != p1 {
		t.Fatalf("released port should be reusable: got %d, want %d", p3, p1)
	}
}

func TestClaimConflicts(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	bound := l.Addr().(*net.TCPAddr).Port
	defer l.Close()

	a := NewPortAllocator("127.0.0.1", 0, 0)
	if err := a.Claim(bound); err == nil {
		t.Fatalf("claim of a bound port must fail")
	}

	free, err := pickEphemeral("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Claim(free); err != nil {
		t.Fatalf("claim of free port: %v", err)
	}
	if err := a.Claim(free); err == nil {
		t.Fatalf("double claim must fail")
	}
}

func TestPortAnswers(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port
	if !portAnswers("127.0.0.1", port, 500*time.Millisecond) {
		t.Fatalf("listener port must answer")
	}
	free, _ := pickEphemeral("127.0.0.1")
	if portAnswers("127.0.0.1", free, 500*time.Millisecond) {
		t.Fatalf("unbound port %s must not answer", strconv.Itoa(free))
	}
}
