// Package logtail keeps the most recent process log lines in memory so the
// viewer can show them, and hands new lines to live followers.
package logtail

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zapcore"

	"github.com/petervdpas/infinitchat/internal/util"
)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 500

// Console lines from go-log look like
// "2026-10-17T12:00:00.000Z\tINFO\tcall\trtc/client.go:80\tCALL: ...".
const consoleTime = "2006-01-02T15:04:05.000Z0700"

type Entry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	Logger string    `json:"logger,omitempty"`
	Msg    string    `json:"msg"`
}

// AtLeast reports whether e is logged at min or above. Lines that did not
// come from the logger count as info.
func (e Entry) AtLeast(min zapcore.Level) bool {
	l := zapcore.InfoLevel
	if e.Level != "" {
		_ = l.UnmarshalText([]byte(e.Level))
	}
	return l >= min
}

// Buffer is an io.Writer holding the last lines written to it.
type Buffer struct {
	clk clock.Clock

	mu        sync.Mutex
	lines     *util.RingBuffer[Entry]
	followers map[chan Entry]struct{}
	pending   []byte
}

func New(size int, clk clock.Clock) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Buffer{
		clk:       clk,
		lines:     util.NewRingBuffer[Entry](size),
		followers: make(map[chan Entry]struct{}),
	}
}

// Write takes every complete line in p. A trailing fragment is held until
// the rest of it arrives.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, p...)
	for {
		line, rest, found := bytes.Cut(b.pending, []byte{'\n'})
		if !found {
			break
		}
		b.addLocked(string(line))
		b.pending = rest
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return len(p), nil
}

// Pump reads r line by line until it is closed.
func (b *Buffer) Pump(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		b.mu.Lock()
		b.addLocked(sc.Text())
		b.mu.Unlock()
	}
	return sc.Err()
}

func (b *Buffer) addLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	e := b.parse(line)
	b.lines.Push(e)
	for ch := range b.followers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Buffer) parse(line string) Entry {
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) == 5 {
		if ts, err := time.Parse(consoleTime, parts[0]); err == nil {
			return Entry{
				TS:     ts,
				Level:  strings.ToLower(parts[1]),
				Logger: parts[2],
				Msg:    parts[4],
			}
		}
	}
	return Entry{TS: b.clk.Now(), Msg: line}
}

// Tail returns up to n lines at or above min, oldest first. n <= 0 means
// every line held.
func (b *Buffer) Tail(n int, min zapcore.Level) []Entry {
	all := b.lines.Snapshot()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.AtLeast(min) {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Follow returns a channel of lines written from now on. Lines are dropped
// for a follower that falls behind. stop closes the channel.
func (b *Buffer) Follow() (<-chan Entry, func()) {
	ch := make(chan Entry, 64)
	b.mu.Lock()
	b.followers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.followers, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}
