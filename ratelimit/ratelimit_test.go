package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	l := &Limiter{
		WindowLimits: []WindowLimit{
			{
				Window: time.Minute,
				Limits: [3]int64{2, 4, 6},
			},
		},
	}

	now := time.Now()
	ip := net.ParseIP("10.0.10.1")

	if !l.CanAdd(ip, now, 1) {
		t.Fatalf("canadd within limit returned false")
	}
	if !l.Add(ip, now, 1) || !l.Add(ip, now, 1) {
		t.Fatalf("add within limit returned false")
	}
	if l.Add(ip, now, 1) {
		t.Fatalf("add beyond ip limit returned true")
	}

	// Another IP in the same /26 counts against the wider class.
	ip2 := net.ParseIP("10.0.10.2")
	if !l.Add(ip2, now, 1) || !l.Add(ip2, now, 1) {
		t.Fatalf("add for second ip within subnet limit returned false")
	}
	if l.Add(ip2, now, 1) {
		t.Fatalf("add beyond subnet limit returned true")
	}

	// Reset clears the counts for the ip.
	l.Reset(ip, now)
	if !l.Add(ip, now, 1) {
		t.Fatalf("add after reset returned false")
	}

	// A later window starts fresh.
	if !l.Add(ip, now.Add(2*time.Minute), 2) {
		t.Fatalf("add in new window returned false")
	}
}
