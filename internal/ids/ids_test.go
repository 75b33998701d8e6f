package ids

import "testing"

func TestValidProjectName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"simple", "my-project", true},
		{"underscore", "my_project_1", true},
		{"empty", "", false},
		{"too long", string(make([]byte, 65)), false},
		{"bad char", "my project", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidProjectName(tt.in); got != tt.want {
				t.Errorf("ValidProjectName(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidAgentID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"ok", "codex-brisk-falcon", true},
		{"too short", "ab", false},
		{"uppercase rejected", "Codex-Agent", false},
		{"underscore rejected", "codex_agent", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidAgentID(tt.in); got != tt.want {
				t.Errorf("ValidAgentID(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestGenerateAgentIDIsValid(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := GenerateAgentID("codex")
		if !ValidAgentID(id) {
			t.Fatalf("GenerateAgentID produced invalid id %q", id)
		}
	}
}

func TestEventIDCounterMonotonic(t *testing.T) {
	var c EventIDCounter
	prev := uint64(0)
	for i := 0; i < 10; i++ {
		id, n := c.Next()
		if n <= prev {
			t.Fatalf("EventIDCounter not monotonic: %d after %d", n, prev)
		}
		prev = n
		if got, ok := ParseEventID(id); !ok || got != n {
			t.Errorf("ParseEventID(%q) = %d, %v; want %d, true", id, got, ok, n)
		}
	}
}

func TestParseEventIDRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "evt-", "evt-x", "foo-1"} {
		if _, ok := ParseEventID(bad); ok {
			t.Errorf("ParseEventID(%q) unexpectedly succeeded", bad)
		}
	}
}
