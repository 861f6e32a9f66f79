// Package rules evaluates the configured rules against one mail transaction at a time.
//
// An [Engine] is created once and shared by all connections. Every transaction gets its own
// [Session] that gets fed the milter events in protocol order:
//
//	Connect → MailFrom → Rcpt* → Header* → EndOfHeaders → BodyChunk* → EndOfBody
//
// Each event narrows the set of candidate requirements. Once no candidate is left the session is
// disabled and all later events are no-ops.
package rules

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/d--j/go-disclaimr/model"
	"github.com/d--j/go-disclaimr/repository"
	"github.com/google/uuid"
)

// RecipientMatching controls how the recipient pattern gets checked when there are multiple recipients.
type RecipientMatching int

const (
	// MatchEveryRecipient checks every recipient. A requirement survives only if it matches all of them.
	MatchEveryRecipient RecipientMatching = iota
	// SkipAfterAccept stops checking recipients once a requirement with effect accept matched a recipient.
	SkipAfterAccept
)

// ParseRecipientMatching parses "every" or "skip_after_accept".
func ParseRecipientMatching(s string) (RecipientMatching, error) {
	switch s {
	case "every", "":
		return MatchEveryRecipient, nil
	case "skip_after_accept":
		return SkipAfterAccept, nil
	default:
		return 0, fmt.Errorf("rules: unknown recipient matching %q", s)
	}
}

// Resolver looks up the envelope sender in directory servers.
// [github.com/d--j/go-disclaimr/directory.Resolver] implements it.
type Resolver interface {
	Resolve(ctx context.Context, action *model.Action, servers []*model.DirectoryServer, sender string) (map[string]string, error)
}

// DefaultBodyMaxSize is the default of [WithBodyMaxSize].
const DefaultBodyMaxSize = 32 << 20

type options struct {
	recipientMatching RecipientMatching
	bodyMaxMem        int
	bodyMaxSize       int64
}

// Option configures an [Engine].
type Option func(*options)

// WithRecipientMatching sets the recipient matching mode. The default is [MatchEveryRecipient].
func WithRecipientMatching(m RecipientMatching) Option {
	return func(o *options) {
		o.recipientMatching = m
	}
}

// WithBodyMaxMem sets how many bytes of a message body get kept in memory
// before the body gets spooled to a temporary file.
func WithBodyMaxMem(n int) Option {
	return func(o *options) {
		o.bodyMaxMem = n
	}
}

// WithBodyMaxSize sets the largest message body the engine transforms.
// A session that receives more body bytes gets disabled and the message stays as it is.
// Zero or less means no limit.
func WithBodyMaxSize(n int64) Option {
	return func(o *options) {
		o.bodyMaxSize = n
	}
}

// Engine creates sessions. It is safe for concurrent use.
type Engine struct {
	repo     repository.Repository
	resolver Resolver
	opts     options
	regexps  sync.Map // pattern -> compiled
}

// NewEngine creates an engine that reads its configuration from repo.
// resolver can be nil. Actions that want to resolve the sender then get an empty resolver context.
func NewEngine(repo repository.Repository, resolver Resolver, opts ...Option) *Engine {
	o := options{
		recipientMatching: MatchEveryRecipient,
		bodyMaxMem:        4 << 20,
		bodyMaxSize:       DefaultBodyMaxSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{repo: repo, resolver: resolver, opts: o}
}

type compiled struct {
	re  *regexp.Regexp
	err error
}

// compile returns the cached compilation result of expr.
func (e *Engine) compile(expr string) (*regexp.Regexp, error) {
	if c, ok := e.regexps.Load(expr); ok {
		c := c.(compiled)
		return c.re, c.err
	}
	re, err := regexp.Compile(expr)
	c, _ := e.regexps.LoadOrStore(expr, compiled{re: re, err: err})
	return c.(compiled).re, c.(compiled).err
}

// match reports whether pattern is found anywhere in subject.
// An invalid pattern never matches.
func (e *Engine) match(ctx context.Context, req *model.Requirement, field, pattern, subject string) bool {
	re, err := e.compile(pattern)
	if err != nil {
		log.ErrorContext(ctx).Err(err).Int64("requirement", req.ID).Str("field", field).Msg("invalid requirement pattern")
		return false
	}
	return re.MatchString(subject)
}

// NewSession starts a new transaction.
func (e *Engine) NewSession(ctx context.Context) (*Session, error) {
	networks, err := e.repo.RequirementNetworks(ctx)
	if err != nil {
		return nil, fmt.Errorf("rules: load requirement networks: %w", err)
	}
	return &Session{
		engine:       e,
		id:           uuid.NewString(),
		enabled:      true,
		networks:     networks,
		headers:      map[string]string{},
		requirements: map[int64]*model.Requirement{},
		rules:        map[int64]*model.Rule{},
	}, nil
}
