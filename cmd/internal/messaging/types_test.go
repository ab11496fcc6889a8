package messaging

import (
	"strings"
	"testing"
)

func TestNormalizeContextKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", DefaultContextKey, false},
		{"   ", DefaultContextKey, false},
		{"order:1234", "order:1234", false},
		{"  gig_55-a  ", "gig_55-a", false},
		{strings.Repeat("k", MaxContextKeyLen), strings.Repeat("k", MaxContextKeyLen), false},
		{strings.Repeat("k", MaxContextKeyLen+1), "", true},
		{"bad key", "", true},
		{"bad/key", "", true},
	}

	for _, tc := range cases {
		got, err := NormalizeContextKey(tc.in)
		if tc.wantErr {
			if !IsInvalidInput(err) {
				t.Fatalf("NormalizeContextKey(%q): expected invalid input, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeContextKey(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeContextKey(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestOrderPair(t *testing.T) {
	t.Parallel()

	a, b := OrderPair("bob", "alice")
	if a != "alice" || b != "bob" {
		t.Fatalf("OrderPair: got (%s,%s)", a, b)
	}

	a2, b2 := OrderPair("alice", "bob")
	if a2 != a || b2 != b {
		t.Fatalf("OrderPair must be symmetric: (%s,%s) vs (%s,%s)", a, b, a2, b2)
	}
}

func TestConversationOtherParticipant(t *testing.T) {
	t.Parallel()

	c := Conversation{ParticipantA: "a", ParticipantB: "b"}

	if got, ok := c.OtherParticipant("a"); !ok || got != "b" {
		t.Fatalf("OtherParticipant(a)=%q,%v", got, ok)
	}
	if got, ok := c.OtherParticipant("b"); !ok || got != "a" {
		t.Fatalf("OtherParticipant(b)=%q,%v", got, ok)
	}
	if _, ok := c.OtherParticipant("c"); ok {
		t.Fatalf("OtherParticipant(c) must not match")
	}
}
