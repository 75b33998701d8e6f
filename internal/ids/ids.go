// Package ids validates and generates the opaque identifier types that flow
// through the harness: project names, agent ids, and event ids.
package ids

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
)

var (
	projectNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	agentIDRe     = regexp.MustCompile(`^[a-z0-9-]{3,40}$`)
)

// ValidProjectName reports whether name satisfies the ProjectName grammar.
func ValidProjectName(name string) bool {
	return projectNameRe.MatchString(name)
}

// ValidAgentID reports whether id satisfies the AgentId grammar.
func ValidAgentID(id string) bool {
	return agentIDRe.MatchString(id)
}

var (
	adjectives = []string{
		"brisk", "calm", "eager", "faint", "gentle", "hollow", "idle", "keen",
		"lucid", "mellow", "nimble", "opal", "quiet", "rapid", "solemn", "terse",
		"umber", "vivid", "wry", "amber",
	}
	nouns = []string{
		"falcon", "harbor", "lantern", "meadow", "otter", "pebble", "quartz",
		"ridge", "sable", "tundra", "unicorn", "vale", "willow", "yarrow",
		"zephyr", "brook", "cinder", "ember", "glade", "heron",
	}
)

// GenerateAgentID returns a provider-prefixed auto-generated id of the form
// "<prefix>-<adjective>-<noun>". Callers must check project-local uniqueness
// and retry with a new call on collision.
func GenerateAgentID(providerPrefix string) string {
	a := adjectives[rand.Intn(len(adjectives))]
	n := nouns[rand.Intn(len(nouns))]
	return fmt.Sprintf("%s-%s-%s", providerPrefix, a, n)
}

// SanitizePrefix normalizes a provider name into a short lowercase id-safe
// prefix, e.g. "claude-code" -> "claude".
func SanitizePrefix(s string) string {
	s = strings.ToLower(s)
	s = strings.SplitN(s, "-", 2)[0]
	return s
}

// EventIDCounter generates monotonically increasing event ids, formatted
// "evt-<N>". It is process-local and must never be shared across processes.
type EventIDCounter struct {
	n atomic.Uint64
}

// Next returns the next event id in the sequence and its numeric value.
func (c *EventIDCounter) Next() (string, uint64) {
	n := c.n.Add(1)
	return fmt.Sprintf("evt-%d", n), n
}

// ParseEventID extracts the numeric ordinal from an "evt-<N>" string. Returns
// false if id is not well-formed.
func ParseEventID(id string) (uint64, bool) {
	const prefix = "evt-"
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(id, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
