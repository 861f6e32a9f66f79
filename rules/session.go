package rules

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/d--j/go-disclaimr/document"
	"github.com/d--j/go-disclaimr/internal/body"
	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/d--j/go-disclaimr/internal/metrics"
	"github.com/d--j/go-disclaimr/model"
	"github.com/d--j/go-disclaimr/patch"
	"github.com/d--j/go-disclaimr/repository"
	"github.com/d--j/go-disclaimr/transform"
)

// Session is the state of one mail transaction. It is not safe for concurrent use.
type Session struct {
	engine   *Engine
	id       string
	enabled  bool
	networks []model.RequirementNetwork

	candidates []int64
	// recipientsSettled gets set in SkipAfterAccept mode once an accepting requirement matched a recipient
	recipientsSettled bool

	senderIP    netip.Addr
	sender      string
	recipients  []string
	headerLines []string
	headers     map[string]string
	body        *body.Buffer

	requirements map[int64]*model.Requirement
	rules        map[int64]*model.Rule
}

// ID returns the random identifier of this session.
func (s *Session) ID() string {
	return s.id
}

// Enabled reports whether there are candidate requirements left.
// Once a session is disabled it stays disabled.
func (s *Session) Enabled() bool {
	return s.enabled
}

// Context returns ctx tagged with the session ID for logging.
func (s *Session) Context(ctx context.Context) context.Context {
	return log.WithSession(ctx, s.id)
}

func (s *Session) disable(ctx context.Context, reason string) {
	if s.enabled {
		log.DebugContext(s.Context(ctx)).Str("reason", reason).Msg("no matching requirement left")
	}
	s.enabled = false
	s.candidates = nil
}

// fail disables the session because of an infrastructure error.
func (s *Session) fail(err error) error {
	s.enabled = false
	s.candidates = nil
	return err
}

// Connect seeds the candidate requirements with all requirements whose network contains ip.
// ip can be anything the MTA reports as client address. Values that are no IP address
// (e.g. a unix socket path) match no network.
func (s *Session) Connect(ctx context.Context, ip string) {
	if !s.enabled {
		return
	}
	if addr, err := netip.ParseAddr(ip); err == nil {
		s.senderIP = addr.Unmap()
	}
	seen := make(map[int64]bool)
	if s.senderIP.IsValid() {
		for _, n := range s.networks {
			if n.Network.Contains(s.senderIP) && !seen[n.RequirementID] {
				seen[n.RequirementID] = true
				s.candidates = append(s.candidates, n.RequirementID)
			}
		}
	}
	if len(s.candidates) == 0 {
		s.disable(ctx, "connect")
	}
}

// requirement loads requirement id. It returns nil when the requirement vanished or got disabled.
func (s *Session) requirement(ctx context.Context, id int64) (*model.Requirement, error) {
	if r, ok := s.requirements[id]; ok {
		return r, nil
	}
	r, err := s.engine.repo.Requirement(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		log.WarnContext(s.Context(ctx)).Int64("requirement", id).Msg("requirement vanished")
		r, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rules: load requirement %d: %w", id, err)
	}
	if r != nil && !r.Enabled {
		r = nil
	}
	s.requirements[id] = r
	return r, nil
}

// filter drops all candidates where the pattern returned by field does not match subject.
// matched gets called for every requirement that survives.
func (s *Session) filter(ctx context.Context, field string, pattern func(*model.Requirement) string, subject string, matched func(*model.Requirement)) error {
	kept := s.candidates[:0]
	for _, id := range s.candidates {
		req, err := s.requirement(ctx, id)
		if err != nil {
			return s.fail(err)
		}
		if req == nil || !s.engine.match(s.Context(ctx), req, field, pattern(req), subject) {
			continue
		}
		if matched != nil {
			matched(req)
		}
		kept = append(kept, id)
	}
	s.candidates = kept
	if len(kept) == 0 {
		s.disable(ctx, field)
	}
	return nil
}

// MailFrom filters the candidates by their sender pattern.
func (s *Session) MailFrom(ctx context.Context, addr string) error {
	s.sender = addr
	if !s.enabled {
		return nil
	}
	return s.filter(ctx, "sender", func(r *model.Requirement) string { return r.Sender }, addr, nil)
}

// Rcpt filters the candidates by their recipient pattern.
func (s *Session) Rcpt(ctx context.Context, addr string) error {
	s.recipients = append(s.recipients, addr)
	if !s.enabled || s.recipientsSettled {
		return nil
	}
	accepted := false
	err := s.filter(ctx, "recipient", func(r *model.Requirement) string { return r.Recipient }, addr, func(r *model.Requirement) {
		if r.Effect == model.EffectAccept {
			accepted = true
		}
	})
	if err == nil && accepted && s.engine.opts.recipientMatching == SkipAfterAccept {
		s.recipientsSettled = true
	}
	return err
}

// Header records a header field. Later fields with the same name overwrite the value in the header map
// that template tags get resolved against.
func (s *Session) Header(key, value string) {
	if !s.enabled {
		return
	}
	s.headerLines = append(s.headerLines, key+": "+value)
	s.headers[strings.ToLower(key)] = value
}

// EndOfHeaders filters the candidates by their header pattern.
// The pattern gets matched against all "key: value" lines joined with "\n".
func (s *Session) EndOfHeaders(ctx context.Context) error {
	if !s.enabled {
		return nil
	}
	return s.filter(ctx, "header", func(r *model.Requirement) string { return r.Header }, strings.Join(s.headerLines, "\n"), nil)
}

// BodyChunk appends chunk to the message body.
// A body that grows beyond the engine's maximum size disables the session.
func (s *Session) BodyChunk(chunk []byte) error {
	if !s.enabled {
		return nil
	}
	if s.body == nil {
		s.body = body.New(s.engine.opts.bodyMaxMem)
	}
	if limit := s.engine.opts.bodyMaxSize; limit > 0 && s.body.Size()+int64(len(chunk)) > limit {
		log.InfoContext(s.Context(context.Background())).Int64("max_size", limit).Msg("message body too big, leaving it unmodified")
		s.enabled = false
		s.candidates = nil
		return s.closeBody()
	}
	if _, err := s.body.Write(chunk); err != nil {
		return s.fail(fmt.Errorf("rules: buffer body: %w", err))
	}
	return nil
}

// Close discards the transaction state. It is safe to call Close multiple times.
func (s *Session) Close() error {
	s.enabled = false
	s.candidates = nil
	return s.closeBody()
}

// EndOfBody filters the candidates by their body pattern, runs the actions of all eligible rules
// and returns the resulting modifications. It returns nil when the message stays as it is.
//
// The body gets read back into memory for matching and MIME parsing. Spooling only bounds
// memory while the body arrives, the body max size bounds it here.
//
// The session is closed afterwards.
func (s *Session) EndOfBody(ctx context.Context) (p *patch.Patch, err error) {
	ctx = s.Context(ctx)
	start := time.Now()
	defer func() {
		switch {
		case err != nil:
			metrics.Transactions.WithLabelValues("error").Inc()
		case !s.enabled:
			metrics.Transactions.WithLabelValues("disabled").Inc()
		case p == nil:
			metrics.Transactions.WithLabelValues("unmodified").Inc()
		default:
			metrics.Transactions.WithLabelValues("modified").Inc()
		}
		metrics.Since(metrics.EndOfBodyDuration, start)
		if cerr := s.closeBody(); cerr != nil {
			log.WarnContext(ctx).Err(cerr).Msg("cannot remove body buffer")
		}
	}()
	if !s.enabled {
		return nil, nil
	}
	var raw []byte
	if s.body != nil {
		if raw, err = s.body.Bytes(); err != nil {
			return nil, s.fail(fmt.Errorf("rules: read body: %w", err))
		}
	}
	if err = s.filter(ctx, "body", func(r *model.Requirement) string { return r.Body }, string(raw), nil); err != nil || !s.enabled {
		return nil, err
	}

	ruleIDs, err := s.eligibleRules(ctx)
	if err != nil {
		return nil, s.fail(err)
	}
	if len(ruleIDs) == 0 {
		log.DebugContext(ctx).Msg("all matching rules are denied")
		return nil, nil
	}

	pristine, err := document.Parse(s.message(raw))
	if err != nil {
		return nil, s.fail(fmt.Errorf("rules: parse message: %w", err))
	}
	current := pristine
	for _, rule := range ruleIDs {
		var executed bool
		current, executed, err = s.runRule(ctx, rule, current)
		if err != nil {
			return nil, s.fail(err)
		}
		if executed && !rule.ContinueRules {
			break
		}
	}
	if current == pristine {
		return nil, nil
	}
	p, err = patch.Diff(pristine, current)
	if err != nil {
		return nil, s.fail(fmt.Errorf("rules: diff: %w", err))
	}
	if p.Empty() {
		return nil, nil
	}
	return p, nil
}

func (s *Session) closeBody() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}

// message reassembles the raw message out of the recorded header lines and the body.
func (s *Session) message(raw []byte) []byte {
	var b strings.Builder
	b.Grow(len(raw) + 64*len(s.headerLines))
	for _, l := range s.headerLines {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(raw)
	return []byte(b.String())
}

// eligibleRules returns the rules that have a surviving requirement and no surviving deny requirement,
// ordered by position and ID.
func (s *Session) eligibleRules(ctx context.Context) ([]*model.Rule, error) {
	denied := make(map[int64]bool)
	var ids []int64
	for _, id := range s.candidates {
		req, err := s.requirement(ctx, id)
		if err != nil {
			return nil, err
		}
		if req == nil {
			continue
		}
		if req.Effect == model.EffectDeny {
			log.DebugContext(ctx).Int64("rule", req.RuleID).Int64("requirement", req.ID).Msg("rule denied")
			denied[req.RuleID] = true
			continue
		}
		ids = append(ids, req.RuleID)
	}
	var rules []*model.Rule
	seen := make(map[int64]bool)
	for _, id := range ids {
		if denied[id] || seen[id] {
			continue
		}
		seen[id] = true
		rule, err := s.engine.repo.Rule(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			log.WarnContext(ctx).Int64("rule", id).Msg("rule vanished")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rules: load rule %d: %w", id, err)
		}
		rules = append(rules, rule)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Position != rules[j].Position {
			return rules[i].Position < rules[j].Position
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

// runRule applies all enabled actions of rule to msg. executed reports whether at least one action ran.
func (s *Session) runRule(ctx context.Context, rule *model.Rule, msg *document.Part) (_ *document.Part, executed bool, err error) {
	for _, id := range rule.ActionIDs {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		action, err := s.engine.repo.Action(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			log.WarnContext(ctx).Int64("rule", rule.ID).Int64("action", id).Msg("action vanished")
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("rules: load action %d: %w", id, err)
		}
		if !action.Enabled {
			continue
		}
		job, err := s.job(ctx, action)
		if err != nil {
			return nil, false, err
		}
		if job == nil {
			metrics.Actions.WithLabelValues(action.Kind.String(), "invalid").Inc()
			continue
		}
		out, err := transform.Apply(ctx, msg, *job)
		switch {
		case err == nil:
			log.InfoContext(ctx).Str("rule", rule.Name).Str("action", action.Name).Stringer("kind", action.Kind).Msg("carried out action")
			metrics.Actions.WithLabelValues(action.Kind.String(), "executed").Inc()
			msg = out
			executed = true
		case errors.Is(err, transform.ErrActionAborted):
			log.InfoContext(ctx).Err(err).Str("rule", rule.Name).Str("action", action.Name).Msg("action aborted")
			metrics.Actions.WithLabelValues(action.Kind.String(), "aborted").Inc()
		case errors.Is(err, transform.ErrInvalidAction):
			log.ErrorContext(ctx).Err(err).Str("rule", rule.Name).Str("action", action.Name).Msg("invalid action")
			metrics.Actions.WithLabelValues(action.Kind.String(), "invalid").Inc()
		default:
			return nil, false, err
		}
	}
	return msg, executed, nil
}

// job collects everything action needs. It returns nil when the disclaimer of action is missing.
func (s *Session) job(ctx context.Context, action *model.Action) (*transform.Job, error) {
	disclaimer, err := s.engine.repo.Disclaimer(ctx, action.DisclaimerID)
	if errors.Is(err, repository.ErrNotFound) {
		log.ErrorContext(ctx).Int64("action", action.ID).Int64("disclaimer", action.DisclaimerID).Msg("action references unknown disclaimer")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rules: load disclaimer %d: %w", action.DisclaimerID, err)
	}
	return &transform.Job{
		Action:     action,
		Disclaimer: disclaimer,
		Sender:     s.sender,
		Recipient:  strings.Join(s.recipients, ","),
		Headers:    s.headers,
		Resolve:    s.resolveFunc(action),
		Compile:    s.engine.compile,
	}, nil
}

func (s *Session) resolveFunc(action *model.Action) transform.ResolveFunc {
	if s.engine.resolver == nil {
		return nil
	}
	return func(ctx context.Context) (map[string]string, error) {
		servers := make([]*model.DirectoryServer, 0, len(action.DirectoryServerIDs))
		for _, id := range action.DirectoryServerIDs {
			srv, err := s.engine.repo.DirectoryServer(ctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				log.ErrorContext(ctx).Int64("action", action.ID).Int64("directory_server", id).Msg("action references unknown directory server")
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("rules: load directory server %d: %w", id, err)
			}
			servers = append(servers, srv)
		}
		return s.engine.resolver.Resolve(ctx, action, servers, s.sender)
	}
}
