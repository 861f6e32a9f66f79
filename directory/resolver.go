// Package directory resolves envelope senders against directory servers (LDAP).
//
// The attributes of the resolved directory entry are available as resolver template tags in disclaimers.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/d--j/go-disclaimr/internal/metrics"
	"github.com/d--j/go-disclaimr/model"
	"github.com/d--j/go-disclaimr/querycache"
	"github.com/go-ldap/ldap/v3"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

// ErrUnresolved is returned by [Resolver.Resolve] when the sender could not be resolved
// and the action requires a resolved sender.
var ErrUnresolved = errors.New("directory: sender not resolved")

var (
	errNotFound  = errors.New("no entry found")
	errAmbiguous = errors.New("more than one entry found")
	errNoURL     = errors.New("no server URL answered")
)

const (
	DefaultTimeout         = 5 * time.Second
	DefaultBreakerFailures = 3
	DefaultBreakerTimeout  = 30 * time.Second
)

// Resolver looks up envelope senders on directory servers.
// It is safe for concurrent use.
type Resolver struct {
	client          Client
	cache           *querycache.Cache
	timeout         time.Duration
	breakerFailures uint32
	breakerTimeout  time.Duration

	group    singleflight.Group
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

type Option func(r *Resolver)

// WithCache stores successful lookups in c. Only servers with enabled cache use it.
func WithCache(c *querycache.Cache) Option {
	return func(r *Resolver) {
		r.cache = c
	}
}

// WithTimeout sets the timeout of one URL attempt (dial, bind and search).
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = d
	}
}

// WithCircuitBreaker configures the per-URL circuit breakers.
// After failures consecutive failed attempts a URL gets skipped for openTimeout.
func WithCircuitBreaker(failures uint32, openTimeout time.Duration) Option {
	return func(r *Resolver) {
		r.breakerFailures = failures
		r.breakerTimeout = openTimeout
	}
}

// NewResolver creates a Resolver that uses client to connect to the directory servers.
func NewResolver(client Client, opts ...Option) *Resolver {
	r := &Resolver{
		client:          client,
		timeout:         DefaultTimeout,
		breakerFailures: DefaultBreakerFailures,
		breakerTimeout:  DefaultBreakerTimeout,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve looks up sender on servers (in order) and returns the attributes of the first entry found.
// Attribute names are lower-cased, multiple values are joined with a comma.
//
// When no server resolves sender Resolve returns an empty map, or an error wrapping [ErrUnresolved]
// when action.ResolveSenderFail is set.
func (r *Resolver) Resolve(ctx context.Context, action *model.Action, servers []*model.DirectoryServer, sender string) (map[string]string, error) {
	failHard := action != nil && action.ResolveSenderFail
	for _, srv := range servers {
		if srv == nil || !srv.Enabled {
			continue
		}
		entry, err := r.lookup(ctx, srv, sender)
		switch {
		case err == nil:
			metrics.DirectoryLookups.WithLabelValues("found").Inc()
			log.DebugContext(ctx).Str("dn", entry.DN).Str("server", srv.Name).Msg("resolved sender")
			return flatten(entry), nil
		case errors.Is(err, errAmbiguous):
			metrics.DirectoryLookups.WithLabelValues("ambiguous").Inc()
			log.WarnContext(ctx).Str("sender", sender).Str("server", srv.Name).Msg("multiple directory entries found")
			if failHard {
				return nil, fmt.Errorf("%w: %s is ambiguous on %s", ErrUnresolved, sender, srv.Name)
			}
		case errors.Is(err, errNotFound):
			metrics.DirectoryLookups.WithLabelValues("not_found").Inc()
			log.InfoContext(ctx).Str("sender", sender).Str("server", srv.Name).Msg("cannot resolve sender")
		default:
			metrics.DirectoryLookups.WithLabelValues("error").Inc()
			log.WarnContext(ctx).Err(err).Str("server", srv.Name).Msg("directory server failed")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if failHard {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, sender)
	}
	return map[string]string{}, nil
}

// Query returns the search filter for sender on srv.
func Query(srv *model.DirectoryServer, sender string) string {
	q := srv.SearchQuery
	if q == "" {
		q = model.DefaultSearchQuery
	}
	return strings.ReplaceAll(q, "%s", ldap.EscapeFilter(sender))
}

func (r *Resolver) lookup(ctx context.Context, srv *model.DirectoryServer, sender string) (querycache.Entry, error) {
	query := Query(srv, sender)
	useCache := srv.EnableCache && r.cache != nil
	if useCache {
		if res, ok := r.cache.Get(srv.ID, query); ok && len(res) == 1 {
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			return res[0], nil
		}
		metrics.CacheRequests.WithLabelValues("miss").Inc()
	}
	if err := ctx.Err(); err != nil {
		return querycache.Entry{}, err
	}
	// The shared search must outlive a caller that gives up. searchURL bounds it with the URL timeout.
	ch := r.group.DoChan(fmt.Sprintf("%d\x00%s", srv.ID, query), func() (interface{}, error) {
		return r.search(context.WithoutCancel(ctx), srv, query)
	})
	var res querycache.Result
	select {
	case <-ctx.Done():
		return querycache.Entry{}, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return querycache.Entry{}, out.Err
		}
		res = out.Val.(querycache.Result)
	}
	switch len(res) {
	case 0:
		return querycache.Entry{}, errNotFound
	case 1:
		if useCache {
			r.cache.Set(srv.ID, query, srv.CacheTTL(), res)
		}
		return res[0], nil
	default:
		return querycache.Entry{}, errAmbiguous
	}
}

// search tries every URL of srv in order until one answers.
func (r *Resolver) search(ctx context.Context, srv *model.DirectoryServer, query string) (querycache.Result, error) {
	for _, u := range srv.URLs {
		res, err := r.searchURL(ctx, srv, u, query)
		if err == nil {
			return res, nil
		}
		log.WarnContext(ctx).Err(err).Str("url", u).Msg("skipping directory server URL")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, errNoURL
}

func (r *Resolver) searchURL(ctx context.Context, srv *model.DirectoryServer, url, query string) (querycache.Result, error) {
	v, err := r.breaker(url).Execute(func() (interface{}, error) {
		ctx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		conn, err := r.client.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		defer func() { _ = conn.Close() }()
		var user, password string
		if srv.Auth == model.AuthSimple {
			user, password = srv.UserDN, srv.Password
		}
		if err := conn.Bind(ctx, user, password); err != nil {
			return nil, err
		}
		return conn.Search(ctx, srv.BaseDN, query)
	})
	if err != nil {
		return nil, err
	}
	return v.(querycache.Result), nil
}

func (r *Resolver) breaker(url string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[url]; ok {
		return cb
	}
	failures := r.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     r.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info().Str("url", name).Stringer("from", from).Stringer("to", to).Msg("directory circuit breaker state changed")
		},
	})
	r.breakers[url] = cb
	return cb
}

func flatten(e querycache.Entry) map[string]string {
	m := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		m[strings.ToLower(k)] = strings.Join(v, ",")
	}
	return m
}
