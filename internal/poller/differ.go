package poller

import "strings"

// Diff returns the text that appeared in current since previous, per
// spec.md §4.2.1. It withstands scrollback shifting and repeated short
// lines and never emits duplicates when current == previous.
func Diff(previous, current string) string {
	if previous == "" {
		return current
	}
	if previous == current {
		return ""
	}

	prevLines := strings.Split(previous, "\n")
	currLines := strings.Split(current, "\n")

	tail := lastN(prevLines, 10)
	if idx, ok := findSubsequence(currLines, tail); ok {
		after := currLines[idx+len(tail):]
		return strings.Join(after, "\n")
	}

	if lastLine, ok := lastNonBlank(prevLines); ok {
		if idx := lastIndexOf(currLines, lastLine); idx >= 0 {
			after := currLines[idx+1:]
			return strings.Join(after, "\n")
		}
	}

	if len(currLines) > len(prevLines) {
		excess := currLines[len(prevLines):]
		return strings.Join(excess, "\n")
	}

	return ""
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// findSubsequence returns the starting index of the first exact occurrence
// of sub within lines, scanning left to right.
func findSubsequence(lines, sub []string) (int, bool) {
	if len(sub) == 0 || len(sub) > len(lines) {
		return 0, false
	}
	for i := 0; i+len(sub) <= len(lines); i++ {
		match := true
		for j := range sub {
			if lines[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i, true
		}
	}
	return 0, false
}

func lastNonBlank(lines []string) (string, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i], true
		}
	}
	return "", false
}

// lastIndexOf returns the last index of target within lines, or -1.
func lastIndexOf(lines []string, target string) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == target {
			return i
		}
	}
	return -1
}
