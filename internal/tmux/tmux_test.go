package tmux

import "testing"

func TestParsePaneInfo(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want PaneInfo
	}{
		{
			"alive bash",
			"0|bash|codex \"do the thing\"|%3|12345\n",
			PaneInfo{Dead: false, CurrentCommand: "bash", StartCommand: `codex "do the thing"`, PaneID: "%3", PanePID: 12345},
		},
		{
			"dead pane",
			"1|bash||%1|1\n",
			PaneInfo{Dead: true, CurrentCommand: "bash", StartCommand: "", PaneID: "%1", PanePID: 1},
		},
		{
			"missing fields",
			"0|zsh",
			PaneInfo{Dead: false, CurrentCommand: "zsh", StartCommand: "", PaneID: "", PanePID: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parsePaneInfo(tt.in)
			if got != tt.want {
				t.Errorf("parsePaneInfo(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitNonEmpty(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"trailing newline", "a\nb\nc\n", []string{"a", "b", "c"}},
		{"blank lines dropped", "a\n\nb\n", []string{"a", "b"}},
		{"empty input", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitNonEmpty(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("splitNonEmpty(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("splitNonEmpty(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestUnavailableDoesNotPanicWithoutTmux(t *testing.T) {
	_ = Unavailable()
}
