package dns

import (
	"errors"
	"testing"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr error) {
		t.Helper()
		dom, err := ParseDomain(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	// We rely on normalization of names throughout the code base.
	test("oonru.example", Domain{"oonru.example", ""}, nil)
	test("OONRU.EXAMPLE", Domain{"oonru.example", ""}, nil)
	test("TEST☺.OONRU.EXAMPLE", Domain{"xn--test-3o3b.oonru.example", "test☺.oonru.example"}, nil)
	test("ℂᵤⓇℒ。𝐒🄴", Domain{"curl.se", ""}, nil) // https://daniel.haxx.se/blog/2022/12/14/idn-is-crazy/
	test("oonru.example.", Domain{}, errTrailingDot)
}
