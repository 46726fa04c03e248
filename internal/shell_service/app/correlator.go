package app

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

// frameHeadRe matches the opening of a result frame. The body runs to the
// next frameEnd; payloads never contain a bare '|'.
var frameHeadRe = regexp.MustCompile(`@@([0-9a-fA-F-]{36})\|(OK|ERR)\|`)

var frameEnd = []byte("|@@")

// frameHeadLen is the length of a complete frame head.
const frameHeadLen = 2 + 36 + 1 + 3 + 1

// promptPatterns are checked in order against unframed output.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)enter\b.*\bcode`),
	regexp.MustCompile(`(?i)verification code`),
	regexp.MustCompile(`(?i)authentication code`),
	regexp.MustCompile(`(?i)\bmfa\b`),
	regexp.MustCompile(`(?i)two[- ]factor`),
}

// maxPartialLine bounds unframed text kept while waiting for a newline.
const maxPartialLine = 64 * 1024

// DefaultMaxFrameBytes bounds the body of one result frame.
const DefaultMaxFrameBytes = 32 << 20

// Outcome is the resolution of one submitted command.
type Outcome struct {
	Payload string
	Err     error
}

type pendingCommand struct {
	name string
	ch   chan Outcome
}

// openFrame is a frame whose head has been seen but not its end.
type openFrame struct {
	marker   string
	kind     string
	scanned  int
	overflow bool
}

// CorrelatorOption customises a Correlator.
type CorrelatorOption func(*Correlator)

// WithMaxFrameBytes sets the largest frame body accepted before the command
// fails with domain.ErrFrameTooLarge.
func WithMaxFrameBytes(n int) CorrelatorOption {
	return func(c *Correlator) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// Correlator demultiplexes the single output stream of a shell process onto
// the commands submitted to it, using the marker embedded in each command.
type Correlator struct {
	writeMu sync.Mutex
	w       io.Writer

	mu         sync.Mutex
	pending    map[string]*pendingCommand
	partial    []byte
	open       *openFrame
	maxFrame   int
	scrollback []string
	scrollMax  int
	closedErr  error

	onPrompt  func(text string)
	newMarker func() string
	logger    *slog.Logger
}

// NewCorrelator wraps the input side w of a process. onPrompt is called, outside
// any lock, with the text of each detected multi-factor prompt.
func NewCorrelator(w io.Writer, scrollbackLines int, onPrompt func(string), logger *slog.Logger, opts ...CorrelatorOption) *Correlator {
	if scrollbackLines <= 0 {
		scrollbackLines = 500
	}
	if onPrompt == nil {
		onPrompt = func(string) {}
	}
	c := &Correlator{
		w:         w,
		pending:   make(map[string]*pendingCommand),
		maxFrame:  DefaultMaxFrameBytes,
		scrollMax: scrollbackLines,
		onPrompt:  onPrompt,
		newMarker: func() string { return uuid.NewString() },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit registers a fresh marker for cmd and writes the rendered command.
// Registration and write happen under one lock so input order equals
// submission order.
func (c *Correlator) Submit(cmd Command) (string, <-chan Outcome, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	marker := c.newMarker()
	p := &pendingCommand{name: cmd.Name, ch: make(chan Outcome, 1)}

	c.mu.Lock()
	if c.closedErr != nil {
		err := c.closedErr
		c.mu.Unlock()
		return "", nil, err
	}
	if _, dup := c.pending[marker]; dup {
		c.mu.Unlock()
		return "", nil, fmt.Errorf("marker %s already pending", marker)
	}
	c.pending[marker] = p
	c.mu.Unlock()

	if _, err := io.WriteString(c.w, cmd.Render(marker)+"\n"); err != nil {
		c.mu.Lock()
		delete(c.pending, marker)
		c.mu.Unlock()
		return "", nil, fmt.Errorf("%w: write command: %v", domain.ErrSessionClosed, err)
	}
	return marker, p.ch, nil
}

// WriteLine writes an unframed line, used to answer a multi-factor prompt.
func (c *Correlator) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	closed := c.closedErr
	c.mu.Unlock()
	if closed != nil {
		return closed
	}
	line = strings.NewReplacer("\r", "", "\n", "").Replace(line)
	if _, err := io.WriteString(c.w, line+"\n"); err != nil {
		return fmt.Errorf("%w: write line: %v", domain.ErrSessionClosed, err)
	}
	return nil
}

// Feed consumes one raw chunk of process output.
func (c *Correlator) Feed(chunk []byte) {
	var (
		resolved []resolution
		prompts  []string
	)

	c.mu.Lock()
	c.partial = append(c.partial, chunk...)

	for {
		if c.open == nil {
			loc := frameHeadRe.FindSubmatchIndex(c.partial)
			if loc == nil {
				break
			}
			if before := c.partial[:loc[0]]; len(before) > 0 {
				prompts = c.consumeTextLocked(before, prompts)
			}
			c.open = &openFrame{
				marker: string(c.partial[loc[2]:loc[3]]),
				kind:   string(c.partial[loc[4]:loc[5]]),
			}
			c.partial = append([]byte(nil), c.partial[loc[1]:]...)
		}

		idx := bytes.Index(c.partial[c.open.scanned:], frameEnd)
		if idx < 0 {
			c.open.scanned = max(0, len(c.partial)-len(frameEnd)+1)
			if !c.open.overflow && len(c.partial) > c.maxFrame {
				resolved = c.overflowLocked(resolved)
			}
			if c.open.overflow {
				// Keep only enough tail to spot a split terminator.
				c.partial = append([]byte(nil), c.partial[c.open.scanned:]...)
				c.open.scanned = 0
			}
			break
		}
		idx += c.open.scanned
		if !c.open.overflow && idx > c.maxFrame {
			resolved = c.overflowLocked(resolved)
		}
		if !c.open.overflow {
			resolved = c.resolveLocked(c.open, string(c.partial[:idx]), resolved)
		}
		c.partial = append([]byte(nil), c.partial[idx+len(frameEnd):]...)
		c.open = nil
	}

	if c.open == nil {
		// Complete lines cannot hold a frame head, so they are final.
		if idx := bytes.LastIndexByte(c.partial, '\n'); idx >= 0 {
			lines := c.partial[:idx]
			c.partial = append([]byte(nil), c.partial[idx+1:]...)
			prompts = c.consumeTextLocked(lines, prompts)
		}
		// Prompts usually wait on the same line for input.
		if len(c.partial) > 0 && !bytes.Contains(c.partial, []byte("@@")) && matchPrompt(string(c.partial)) {
			prompts = c.consumeTextLocked(c.partial, prompts)
			c.partial = c.partial[:0]
		}
		if len(c.partial) > maxPartialLine {
			c.truncatePartialLocked()
		}
	}
	c.mu.Unlock()

	for _, r := range resolved {
		r.p.ch <- r.out
	}
	for _, text := range prompts {
		c.onPrompt(text)
	}
}

type resolution struct {
	p   *pendingCommand
	out Outcome
}

func (c *Correlator) resolveLocked(frame *openFrame, body string, resolved []resolution) []resolution {
	p, ok := c.pending[frame.marker]
	if !ok {
		c.logger.Debug("Dropping frame for unknown or cancelled marker", "marker", frame.marker, "kind", frame.kind)
		return resolved
	}
	delete(c.pending, frame.marker)
	out := Outcome{Payload: body}
	if frame.kind == "ERR" {
		out = Outcome{Err: &domain.CommandError{Marker: frame.marker, Message: strings.TrimSpace(body)}}
	}
	return append(resolved, resolution{p: p, out: out})
}

// overflowLocked fails the open frame's command. The rest of its body is
// discarded as it arrives.
func (c *Correlator) overflowLocked(resolved []resolution) []resolution {
	c.open.overflow = true
	p, ok := c.pending[c.open.marker]
	if !ok {
		return resolved
	}
	delete(c.pending, c.open.marker)
	c.logger.Warn("Result frame exceeds limit", "marker", c.open.marker, "command", p.name, "limit_bytes", c.maxFrame)
	err := fmt.Errorf("%w: %s result over %d bytes", domain.ErrFrameTooLarge, p.name, c.maxFrame)
	return append(resolved, resolution{p: p, out: Outcome{Err: err}})
}

// truncatePartialLocked moves an over-long unterminated line to scrollback,
// keeping a trailing fragment that may still grow into a frame head.
func (c *Correlator) truncatePartialLocked() {
	keep := len(c.partial)
	if at := bytes.LastIndex(c.partial, []byte("@@")); at >= 0 && len(c.partial)-at < frameHeadLen {
		keep = at
	} else if bytes.HasSuffix(c.partial, []byte("@")) {
		keep--
	}
	c.appendScrollLocked(string(c.partial[:keep]))
	c.partial = append([]byte(nil), c.partial[keep:]...)
}

func (c *Correlator) consumeTextLocked(text []byte, prompts []string) []string {
	for _, line := range strings.Split(strings.ReplaceAll(string(text), "\r", ""), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		c.appendScrollLocked(line)
		if matchPrompt(line) {
			prompts = append(prompts, strings.TrimSpace(line))
		}
	}
	return prompts
}

func (c *Correlator) appendScrollLocked(line string) {
	c.scrollback = append(c.scrollback, line)
	if over := len(c.scrollback) - c.scrollMax; over > 0 {
		c.scrollback = append([]string(nil), c.scrollback[over:]...)
	}
}

func matchPrompt(text string) bool {
	for _, re := range promptPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Cancel forgets a pending marker; a late frame for it is dropped.
func (c *Correlator) Cancel(marker string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[marker]; !ok {
		return false
	}
	delete(c.pending, marker)
	return true
}

// FailAll resolves every pending command with err and rejects later submissions.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	if c.closedErr == nil {
		c.closedErr = err
	}
	pending := c.pending
	c.pending = make(map[string]*pendingCommand)
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- Outcome{Err: err}
	}
}

// Pending returns the number of unresolved markers.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Scrollback returns a copy of the unframed output kept for diagnostics.
func (c *Correlator) Scrollback() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.scrollback...)
}
