// File: internal/protocol/parser.go
package protocol

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// maxLineBytes bounds a single protocol line; focus payloads can get large.
const maxLineBytes = 1024 * 1024

// Parser turns the raw progress stream back into typed callbacks. Each event
// type fans out to zero or more registered callbacks; lines without a known
// prefix are forwarded to the log callbacks untouched.
//
// Callbacks must be registered before Run starts; the Parser itself does no
// locking because a stream has exactly one reader.
type Parser struct {
	logger *zap.Logger

	onStatus     []func(string)
	onStep       []func(int)
	onAction     []func(string)
	onScreenshot []func(string)
	onAnnotated  []func(string)
	onFocus      []func(string)
	onEnd        []func(string)
	onLog        []func(string)

	dispatch map[string]func(string)
}

// NewParser returns a Parser with the prefix dispatch table wired up.
func NewParser(logger *zap.Logger) *Parser {
	p := &Parser{logger: logger.Named("protocol")}
	p.dispatch = map[string]func(string){
		PrefixStatus:              func(v string) { fanOut(p.onStatus, v) },
		PrefixAction:              func(v string) { fanOut(p.onAction, v) },
		PrefixScreenshot:          func(v string) { fanOut(p.onScreenshot, v) },
		PrefixAnnotatedScreenshot: func(v string) { fanOut(p.onAnnotated, v) },
		PrefixEnd:                 func(v string) { fanOut(p.onEnd, v) },
		PrefixStep:                p.dispatchStep,
		PrefixFocus:               p.dispatchFocus,
	}
	return p
}

func fanOut(fns []func(string), v string) {
	for _, fn := range fns {
		fn(v)
	}
}

func (p *Parser) OnStatus(fn func(string)) *Parser     { p.onStatus = append(p.onStatus, fn); return p }
func (p *Parser) OnStep(fn func(int)) *Parser          { p.onStep = append(p.onStep, fn); return p }
func (p *Parser) OnAction(fn func(string)) *Parser     { p.onAction = append(p.onAction, fn); return p }
func (p *Parser) OnScreenshot(fn func(string)) *Parser { p.onScreenshot = append(p.onScreenshot, fn); return p }
func (p *Parser) OnAnnotatedScreenshot(fn func(string)) *Parser {
	p.onAnnotated = append(p.onAnnotated, fn)
	return p
}
func (p *Parser) OnFocus(fn func(string)) *Parser { p.onFocus = append(p.onFocus, fn); return p }
func (p *Parser) OnEnd(fn func(string)) *Parser   { p.onEnd = append(p.onEnd, fn); return p }
func (p *Parser) OnLog(fn func(string)) *Parser   { p.onLog = append(p.onLog, fn); return p }

// dispatchStep coerces the value to an integer. Unparsable values are
// dropped, not fatal: a garbled line must never take the monitor down.
func (p *Parser) dispatchStep(v string) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.logger.Debug("Dropping unparsable step value", zap.String("value", v))
		return
	}
	for _, fn := range p.onStep {
		fn(n)
	}
}

// dispatchFocus relays the payload verbatim after checking it is well-formed
// JSON; the payload shape is opaque to the protocol.
func (p *Parser) dispatchFocus(v string) {
	if !json.Valid([]byte(v)) {
		p.logger.Debug("Dropping malformed focus payload", zap.Int("len", len(v)))
		return
	}
	fanOut(p.onFocus, v)
}

// ParseLine classifies one line and invokes the matching callbacks.
func (p *Parser) ParseLine(line string) {
	for prefix, handle := range p.dispatch {
		if strings.HasPrefix(line, prefix) {
			handle(strings.TrimSpace(line[len(prefix):]))
			return
		}
	}
	// Not a protocol event: plain log output from the crawl process.
	fanOut(p.onLog, line)
}

// Run drains r line by line until EOF or a read error, checking ctx between
// lines. It returns nil on clean EOF.
func (p *Parser) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.ParseLine(scanner.Text())
	}
	return scanner.Err()
}
