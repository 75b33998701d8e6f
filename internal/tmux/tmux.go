// Package tmux wraps the terminal-multiplexer subprocess contract of
// spec.md §6.2. Every exported method shells out to a fresh "tmux"
// invocation; the multiplexer itself serialises operations per window.
package tmux

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	pty "github.com/creack/pty/v2"
)

// Unavailable reports whether the tmux binary cannot be found on PATH.
func Unavailable() bool {
	_, err := exec.LookPath("tmux")
	return err != nil
}

// PaneInfo is the parsed result of a display-message status probe.
type PaneInfo struct {
	Dead           bool
	CurrentCommand string
	StartCommand   string
	PaneID         string
	PanePID        int
}

// Client issues tmux subcommands. It has no state of its own beyond the
// binary name, so it is safe to share across goroutines.
type Client struct {
	bin string
}

// New returns a Client using the "tmux" binary on PATH.
func New() *Client {
	return &Client{bin: "tmux"}
}

// Unavailable reports whether the tmux binary cannot be found on PATH.
func (c *Client) Unavailable() bool {
	return Unavailable()
}

func (c *Client) run(args ...string) (string, error) {
	cmd := exec.Command(c.bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// NewSession creates a detached session named name rooted at cwd, and
// disables automatic/allow window renaming — critical: renaming would change
// "session:window" targets mid-flight and break every subsequent command.
func (c *Client) NewSession(name, cwd string) error {
	if _, err := c.run("new-session", "-d", "-s", name, "-c", cwd); err != nil {
		return err
	}
	if _, err := c.run("set-option", "-t", name, "allow-rename", "off"); err != nil {
		return err
	}
	if _, err := c.run("set-option", "-t", name, "automatic-rename", "off"); err != nil {
		return err
	}
	return nil
}

// HasSession reports whether a session named name exists.
func (c *Client) HasSession(name string) bool {
	_, err := c.run("has-session", "-t", name)
	return err == nil
}

// KillSession destroys a session.
func (c *Client) KillSession(name string) error {
	_, err := c.run("kill-session", "-t", name)
	return err
}

// ListSessions returns the names of every live tmux session.
func (c *Client) ListSessions() ([]string, error) {
	out, err := c.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(out, "no server running") || strings.Contains(out, "no sessions") {
			return nil, nil
		}
		return nil, err
	}
	return splitNonEmpty(out), nil
}

// SessionPath returns the working directory a session was created with.
func (c *Client) SessionPath(name string) (string, error) {
	out, err := c.run("display-message", "-t", name, "-p", "#{session_path}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// NewWindow spawns a window inside sess running command with env merged on
// top of the current process environment, and an explicit unset list
// removing ambient vars that would override subscription credentials.
func (c *Client) NewWindow(sess, window, cwd string, command []string, env map[string]string, unset []string) error {
	target := sess
	args := []string{"new-window", "-t", target, "-n", window, "-c", cwd, "--"}
	args = append(args, command...)
	if _, err := c.run(args...); err != nil {
		return err
	}
	winTarget := sess + ":" + window
	for _, u := range unset {
		_, _ = c.run("set-environment", "-t", winTarget, "-u", u)
	}
	for k, v := range env {
		if _, err := c.run("set-environment", "-t", winTarget, k, v); err != nil {
			return err
		}
	}
	return nil
}

// ListWindows returns the window names inside a session.
func (c *Client) ListWindows(sess string) ([]string, error) {
	out, err := c.run("list-windows", "-t", sess, "-F", "#{window_name}")
	if err != nil {
		return nil, err
	}
	return splitNonEmpty(out), nil
}

// KillWindow destroys a single window.
func (c *Client) KillWindow(target string) error {
	_, err := c.run("kill-window", "-t", target)
	return err
}

// CapturePane returns up to lines of pane history (0 = whole visible pane).
func (c *Client) CapturePane(target string, lines int) (string, error) {
	args := []string{"capture-pane", "-t", target, "-p"}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	out, err := c.run(args...)
	if err != nil {
		return "", err
	}
	return out, nil
}

// DisplayMessage probes pane_dead, pane_current_command, pane_start_command,
// pane_id and pane_pid in one round trip.
func (c *Client) DisplayMessage(target string) (PaneInfo, error) {
	out, err := c.run("display-message", "-t", target, "-p",
		"#{pane_dead}|#{pane_current_command}|#{pane_start_command}|#{pane_id}|#{pane_pid}")
	if err != nil {
		return PaneInfo{}, err
	}
	return parsePaneInfo(out), nil
}

// parsePaneInfo parses the pipe-delimited display-message output used by
// DisplayMessage. Split out for unit testing without a live tmux process.
func parsePaneInfo(out string) PaneInfo {
	parts := strings.SplitN(strings.TrimRight(out, "\n"), "|", 5)
	for len(parts) < 5 {
		parts = append(parts, "")
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(parts[4]))
	return PaneInfo{
		Dead:           strings.TrimSpace(parts[0]) == "1",
		CurrentCommand: strings.TrimSpace(parts[1]),
		StartCommand:   strings.TrimSpace(parts[2]),
		PaneID:         strings.TrimSpace(parts[3]),
		PanePID:        pid,
	}
}

// SendEnter sends the Enter key as a discrete keystroke.
func (c *Client) SendEnter(target string) error {
	_, err := c.run("send-keys", "-t", target, "Enter")
	return err
}

// SendEscape sends the Escape key as a discrete keystroke.
func (c *Client) SendEscape(target string) error {
	_, err := c.run("send-keys", "-t", target, "Escape")
	return err
}

// SendInterrupt sends Ctrl-C as a discrete keystroke.
func (c *Client) SendInterrupt(target string) error {
	_, err := c.run("send-keys", "-t", target, "C-c")
	return err
}

// PasteText loads text into a tmux paste buffer and pastes it into target
// without shell interpretation, per the "load-buffer + paste-buffer" idiom
// of spec.md §6.2. It does not send Enter — callers decide submission timing.
func (c *Client) PasteText(target, text string) error {
	f, err := os.CreateTemp("", "agentharness-paste-*")
	if err != nil {
		return fmt.Errorf("create paste buffer file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("write paste buffer file: %w", err)
	}
	f.Close()

	bufName := "agentharness-" + strconv.Itoa(os.Getpid())
	if _, err := c.run("load-buffer", "-b", bufName, path); err != nil {
		return fmt.Errorf("load-buffer: %w", err)
	}
	defer c.run("delete-buffer", "-b", bufName)

	if _, err := c.run("paste-buffer", "-b", bufName, "-t", target); err != nil {
		return fmt.Errorf("paste-buffer: %w", err)
	}
	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// MonitorClient is a persistent PTY "virtual client" attached to a session so
// the multiplexer never exits for lack of attached clients, grounded on the
// teacher's TmuxSession.attachPty/closePty.
type MonitorClient struct {
	ptmx *os.File
}

// Attach opens a detached-stealing attach-session client and drains its
// output to avoid blocking the PTY buffer.
func Attach(sessionName string) (*MonitorClient, error) {
	cmd := exec.Command("tmux", "attach-session", "-d", "-t", sessionName)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 200})
	if err != nil {
		return nil, fmt.Errorf("pty attach: %w", err)
	}
	mc := &MonitorClient{ptmx: ptmx}
	go drain(ptmx)
	return mc, nil
}

func drain(f *os.File) {
	buf := make([]byte, 4096)
	for {
		if _, err := f.Read(buf); err != nil {
			return
		}
	}
}

// Close releases the PTY master file descriptor.
func (m *MonitorClient) Close() error {
	if m == nil || m.ptmx == nil {
		return nil
	}
	err := m.ptmx.Close()
	m.ptmx = nil
	return err
}

// Attach satisfies manager.Attacher, letting the Manager keep one
// MonitorClient open per project for the project's lifetime without
// depending on this package's concrete type.
func (c *Client) Attach(sessionName string) (io.Closer, error) {
	mc, err := Attach(sessionName)
	if err != nil {
		return nil, err
	}
	return mc, nil
}
