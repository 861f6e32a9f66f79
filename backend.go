package disclaimr

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/d--j/go-disclaimr/internal/metrics"
	"github.com/d--j/go-disclaimr/patch"
	"github.com/d--j/go-disclaimr/rules"
	"github.com/d--j/go-milter"
	"github.com/d--j/go-milter/milterutil"
	"golang.org/x/text/transform"
)

const defaultProgressInterval = time.Second

// backend handles one MTA connection. A connection can carry multiple messages,
// each of them gets a fresh session.
type backend struct {
	milter.NoOpMilter
	engine  *rules.Engine
	opts    options
	addr    string
	session *rules.Session
}

func (b *backend) ctx() context.Context {
	ctx := context.Background()
	if b.session != nil {
		ctx = b.session.Context(ctx)
	}
	return ctx
}

// start creates the session for the next message.
func (b *backend) start() error {
	s, err := b.engine.NewSession(context.Background())
	if err != nil {
		return err
	}
	b.session = s
	s.Connect(b.ctx(), b.addr)
	return nil
}

// skip accepts the current message without modifications.
func (b *backend) skip(outcome string) (*milter.Response, error) {
	metrics.Transactions.WithLabelValues(outcome).Inc()
	b.reset()
	return milter.RespAccept, nil
}

// fail logs err and lets the message pass unmodified.
func (b *backend) fail(stage string, err error) (*milter.Response, error) {
	log.ErrorContext(b.ctx()).Err(err).Str("stage", stage).Msg("accept message unmodified because of error")
	return b.skip("error")
}

func (b *backend) reset() {
	if b.session != nil {
		if err := b.session.Close(); err != nil {
			log.WarnContext(b.ctx()).Err(err).Msg("cannot clean up session")
		}
		b.session = nil
	}
}

// clientAddr strips the decorations MTAs put around IPv6 addresses.
func clientAddr(addr string) string {
	addr = strings.TrimPrefix(addr, "IPv6:")
	if len(addr) > 2 && addr[0] == '[' && addr[len(addr)-1] == ']' {
		addr = addr[1 : len(addr)-1]
	}
	return addr
}

func (b *backend) Connect(host string, family string, port uint16, addr string, _ *milter.Modifier) (*milter.Response, error) {
	b.reset()
	b.addr = clientAddr(addr)
	if err := b.start(); err != nil {
		return b.fail("connect", err)
	}
	log.DebugContext(b.ctx()).Str("host", host).Str("family", family).Str("addr", b.addr).Uint16("port", port).Msg("connect")
	if !b.session.Enabled() {
		return b.skip("disabled")
	}
	return milter.RespContinue, nil
}

func (b *backend) MailFrom(from string, _ string, _ *milter.Modifier) (*milter.Response, error) {
	if b.session == nil {
		if err := b.start(); err != nil {
			return b.fail("mail", err)
		}
	}
	if err := b.session.MailFrom(b.ctx(), from); err != nil {
		return b.fail("mail", err)
	}
	if !b.session.Enabled() {
		return b.skip("disabled")
	}
	return milter.RespContinue, nil
}

func (b *backend) RcptTo(rcptTo string, _ string, _ *milter.Modifier) (*milter.Response, error) {
	if b.session == nil {
		return milter.RespContinue, nil
	}
	if err := b.session.Rcpt(b.ctx(), rcptTo); err != nil {
		return b.fail("rcpt", err)
	}
	return milter.RespContinue, nil
}

func (b *backend) Header(name string, value string, _ *milter.Modifier) (*milter.Response, error) {
	if b.session != nil {
		// folded values may arrive with bare LF line breaks
		if canonical, _, err := transform.String(&milterutil.CrLfCanonicalizationTransformer{}, value); err == nil {
			value = canonical
		}
		b.session.Header(strings.TrimSpace(name), value)
	}
	return milter.RespContinue, nil
}

func (b *backend) Headers(_ *milter.Modifier) (*milter.Response, error) {
	if b.session == nil {
		return milter.RespContinue, nil
	}
	if err := b.session.EndOfHeaders(b.ctx()); err != nil {
		return b.fail("eoh", err)
	}
	if !b.session.Enabled() {
		return b.skip("disabled")
	}
	return milter.RespContinue, nil
}

func (b *backend) BodyChunk(chunk []byte, _ *milter.Modifier) (*milter.Response, error) {
	if b.session == nil {
		return milter.RespContinue, nil
	}
	if err := b.session.BodyChunk(chunk); err != nil {
		return b.fail("body", err)
	}
	if !b.session.Enabled() {
		return b.skip("too_big")
	}
	return milter.RespContinue, nil
}

func (b *backend) EndOfMessage(m *milter.Modifier) (*milter.Response, error) {
	if b.session == nil {
		return milter.RespAccept, nil
	}
	ctx := log.WithQueueID(b.ctx(), m.Macros.Get(milter.MacroQueueId))
	p, err := b.endOfBody(ctx, m)
	b.session = nil
	if err != nil {
		log.ErrorContext(ctx).Err(err).Msg("accept message unmodified because of error")
		return milter.RespAccept, nil
	}
	if p == nil {
		return milter.RespAccept, nil
	}
	if err := apply(p, m); err != nil {
		log.ErrorContext(ctx).Err(err).Msg("cannot send modifications")
		return milter.RespAccept, err
	}
	log.InfoContext(ctx).Int("add_headers", len(p.AddHeaders)).Int("change_headers", len(p.ChangeHeaders)).Int("delete_headers", len(p.DeleteHeaders)).Msg("message modified")
	return milter.RespAccept, nil
}

// endOfBody runs the session while sending progress notifications to the MTA.
// The evaluation gets canceled when a progress notification fails.
func (b *backend) endOfBody(ctx context.Context, m *milter.Modifier) (*patch.Patch, error) {
	ticker := time.NewTicker(b.opts.progressInterval)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	type result struct {
		p   *patch.Patch
		err error
	}
	done := make(chan result, 1)
	session := b.session
	go func() {
		p, err := session.EndOfBody(ctx)
		done <- result{p, err}
	}()
	for {
		select {
		case r := <-done:
			return r.p, r.err
		case <-ticker.C:
			if err := m.Progress(); err != nil {
				cancel()
				r := <-done
				if r.err == nil {
					r.err = err
				}
				return nil, r.err
			}
		}
	}
}

// apply sends p to the MTA. Deleted and changed headers address the first field with that name.
// The body gets sent with CRLF line endings.
func apply(p *patch.Patch, m *milter.Modifier) error {
	for _, name := range p.DeleteHeaders {
		if err := m.ChangeHeader(1, name, ""); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(p.ChangeHeaders) {
		if err := m.ChangeHeader(1, name, p.ChangeHeaders[name]); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(p.AddHeaders) {
		if err := m.AddHeader(name, p.AddHeaders[name]); err != nil {
			return err
		}
	}
	if p.Body != nil {
		return m.ReplaceBody(transform.NewReader(bytes.NewReader(p.Body), &milterutil.CrLfCanonicalizationTransformer{}))
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *backend) Abort(_ *milter.Modifier) error {
	if b.session != nil {
		metrics.Transactions.WithLabelValues("aborted").Inc()
	}
	b.reset()
	return nil
}

func (b *backend) Cleanup() {
	b.reset()
}

var _ milter.Milter = &backend{}
