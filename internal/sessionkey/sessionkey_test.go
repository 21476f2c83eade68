package sessionkey

import "testing"

func TestBuildParseRoundTrip(t *testing.T) {
	key := Build("HTTP", "Chat-1", "")
	if key != "http:chat-1" {
		t.Fatalf("unexpected key: %q", key)
	}
	parts, err := Parse(key)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parts.Channel != "http" || parts.ChatID != "chat-1" || parts.ThreadID != "" {
		t.Fatalf("unexpected parts: %+v", parts)
	}
}

func TestBuildWithThread(t *testing.T) {
	key := Build("cli", "abc", "T1")
	if key != "cli:abc:thread:t1" {
		t.Fatalf("unexpected key: %q", key)
	}
	parts, err := Parse(key)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parts.ThreadID != "t1" {
		t.Fatalf("expected thread id t1, got %q", parts.ThreadID)
	}

	base, ok := ParentOf(key)
	if !ok || base != "cli:abc" {
		t.Fatalf("expected parent cli:abc, got %q (ok=%v)", base, ok)
	}
}

func TestNormalizeDisallowedCharacters(t *testing.T) {
	key := Build("disc ord!", "chat@1", "")
	if key != "disc-ord-:chat-1" {
		t.Fatalf("unexpected normalized key: %q", key)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{"", "nocolonhere", ":emptychannel", "channel:", "channel:chat:thread:"}
	for _, c := range cases {
		if _, err := Parse(c); err != ErrMalformed {
			t.Fatalf("expected ErrMalformed for %q, got %v", c, err)
		}
	}
}

func TestParentOfNoThread(t *testing.T) {
	if _, ok := ParentOf("cli:abc"); ok {
		t.Fatalf("expected no parent for key without thread marker")
	}
}

func TestIdempotentRoundTrip(t *testing.T) {
	p1 := Build("http", "abc", "t1")
	parts, err := Parse(p1)
	if err != nil {
		t.Fatal(err)
	}
	p2 := Build(parts.Channel, parts.ChatID, parts.ThreadID)
	if p1 != p2 {
		t.Fatalf("round trip not idempotent: %q != %q", p1, p2)
	}
}
