package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/d--j/go-disclaimr/model"
	"github.com/d--j/go-disclaimr/querycache"
	"github.com/stretchr/testify/suite"
)

type fakeServer struct {
	dialErr   error
	bindErr   error
	searchErr error
	results   map[string]querycache.Result
	// started receives a value when a search begins, block holds it until closed.
	started chan struct{}
	block   chan struct{}
}

type fakeClient struct {
	mu      sync.Mutex
	servers map[string]*fakeServer
	dials   map[string]int
	binds   []string
	filters []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{servers: map[string]*fakeServer{}, dials: map[string]int{}}
}

func (f *fakeClient) Dial(_ context.Context, url string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials[url]++
	srv, ok := f.servers[url]
	if !ok {
		return nil, errors.New("connection refused")
	}
	if srv.dialErr != nil {
		return nil, srv.dialErr
	}
	return &fakeConn{client: f, srv: srv}, nil
}

func (f *fakeClient) dialCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[url]
}

type fakeConn struct {
	client *fakeClient
	srv    *fakeServer
}

func (c *fakeConn) Bind(_ context.Context, user, _ string) error {
	c.client.mu.Lock()
	c.client.binds = append(c.client.binds, user)
	c.client.mu.Unlock()
	return c.srv.bindErr
}

func (c *fakeConn) Search(_ context.Context, _, filter string) (querycache.Result, error) {
	c.client.mu.Lock()
	c.client.filters = append(c.client.filters, filter)
	c.client.mu.Unlock()
	if c.srv.started != nil {
		select {
		case c.srv.started <- struct{}{}:
		default:
		}
	}
	if c.srv.block != nil {
		<-c.srv.block
	}
	if c.srv.searchErr != nil {
		return nil, c.srv.searchErr
	}
	return c.srv.results[filter], nil
}

func (c *fakeConn) Close() error { return nil }

func entry(dn string, attrs map[string][]string) querycache.Entry {
	return querycache.Entry{DN: dn, Attributes: attrs}
}

type ResolverTestSuite struct {
	suite.Suite
	client *fakeClient
	cache  *querycache.Cache
	r      *Resolver
	srv    *model.DirectoryServer
	action *model.Action
}

func (s *ResolverTestSuite) SetupTest() {
	s.client = newFakeClient()
	s.cache = querycache.New()
	s.r = NewResolver(s.client, WithCache(s.cache), WithTimeout(time.Second))
	s.srv = &model.DirectoryServer{
		ID:           1,
		Name:         "ldap",
		Enabled:      true,
		URLs:         []string{"ldap://down", "ldap://up"},
		BaseDN:       "dc=example,dc=com",
		SearchQuery:  model.DefaultSearchQuery,
		CacheTimeout: model.DefaultCacheTimeout,
	}
	s.action = &model.Action{ID: 1, ResolveSender: true}
	s.client.servers["ldap://up"] = &fakeServer{results: map[string]querycache.Result{
		"mail=jane@example.com": {entry("cn=Jane,dc=example,dc=com", map[string][]string{
			"cn":              {"Jane Doe"},
			"telephoneNumber": {"+49 1", "+49 2"},
		})},
		"mail=twice@example.com": {entry("cn=a", nil), entry("cn=b", nil)},
		"mail=nobody@example.com": {},
	}}
}

func (s *ResolverTestSuite) TestURLFallthrough() {
	got, err := s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "jane@example.com")
	s.Require().NoError(err)
	s.Equal(map[string]string{"cn": "Jane Doe", "telephonenumber": "+49 1,+49 2"}, got)
	s.Equal(1, s.client.dialCount("ldap://down"))
	s.Equal(1, s.client.dialCount("ldap://up"))
	s.Equal([]string{""}, s.client.binds)
}

func (s *ResolverTestSuite) TestBindFailureFallsThrough() {
	s.srv.Auth = model.AuthSimple
	s.srv.UserDN = "cn=admin"
	s.srv.Password = "secret"
	s.client.servers["ldap://down"] = &fakeServer{bindErr: errors.New("invalid credentials")}
	got, err := s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "jane@example.com")
	s.Require().NoError(err)
	s.Equal("Jane Doe", got["cn"])
	s.Equal([]string{"cn=admin", "cn=admin"}, s.client.binds)
}

func (s *ResolverTestSuite) TestAmbiguous() {
	got, err := s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "twice@example.com")
	s.Require().NoError(err)
	s.Empty(got)

	s.action.ResolveSenderFail = true
	_, err = s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "twice@example.com")
	s.ErrorIs(err, ErrUnresolved)
}

func (s *ResolverTestSuite) TestNotFoundTriesNextServer() {
	second := *s.srv
	second.ID = 2
	second.Name = "second"
	second.URLs = []string{"ldap://second"}
	s.client.servers["ldap://second"] = &fakeServer{results: map[string]querycache.Result{
		"mail=nobody@example.com": {entry("cn=Nobody", map[string][]string{"CN": {"Nobody"}})},
	}}
	got, err := s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv, &second}, "nobody@example.com")
	s.Require().NoError(err)
	s.Equal(map[string]string{"cn": "Nobody"}, got)
}

func (s *ResolverTestSuite) TestUnresolved() {
	got, err := s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "nobody@example.com")
	s.Require().NoError(err)
	s.Empty(got)

	s.action.ResolveSenderFail = true
	_, err = s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "nobody@example.com")
	s.ErrorIs(err, ErrUnresolved)
}

func (s *ResolverTestSuite) TestDisabledServerSkipped() {
	s.srv.Enabled = false
	s.action.ResolveSenderFail = true
	_, err := s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv, nil}, "jane@example.com")
	s.ErrorIs(err, ErrUnresolved)
	s.Equal(0, s.client.dialCount("ldap://up"))
}

func (s *ResolverTestSuite) TestCache() {
	s.srv.EnableCache = true
	for i := 0; i < 3; i++ {
		got, err := s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "jane@example.com")
		s.Require().NoError(err)
		s.Equal("Jane Doe", got["cn"])
	}
	s.Equal(1, s.client.dialCount("ldap://up"))
	s.Equal(1, s.cache.Len())

	// ambiguous results do not get cached
	_, _ = s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "twice@example.com")
	s.Equal(1, s.cache.Len())
}

func (s *ResolverTestSuite) TestCacheDisabled() {
	for i := 0; i < 2; i++ {
		_, err := s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "jane@example.com")
		s.Require().NoError(err)
	}
	s.Equal(2, s.client.dialCount("ldap://up"))
	s.Equal(0, s.cache.Len())
}

func (s *ResolverTestSuite) TestCircuitBreaker() {
	s.r = NewResolver(s.client, WithCircuitBreaker(2, time.Hour))
	for i := 0; i < 5; i++ {
		_, err := s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "jane@example.com")
		s.Require().NoError(err)
	}
	s.Equal(2, s.client.dialCount("ldap://down"))
	s.Equal(5, s.client.dialCount("ldap://up"))
}

func (s *ResolverTestSuite) TestEscapesSender() {
	_, err := s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "a*(b)@example.com")
	s.Require().NoError(err)
	s.Equal([]string{`mail=a\2a\28b\29@example.com`}, s.client.filters)
}

func (s *ResolverTestSuite) TestCancelledContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.client.servers["ldap://down"] = &fakeServer{searchErr: context.Canceled}
	_, err := s.r.Resolve(ctx, s.action, []*model.DirectoryServer{s.srv}, "jane@example.com")
	s.ErrorIs(err, context.Canceled)
	s.Equal(0, s.client.dialCount("ldap://up"))
}

func (s *ResolverTestSuite) TestSharedLookupSurvivesCancelledCaller() {
	up := s.client.servers["ldap://up"]
	up.started = make(chan struct{}, 2)
	up.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.r.Resolve(ctx, s.action, []*model.DirectoryServer{s.srv}, "jane@example.com")
		firstErr <- err
	}()
	<-up.started

	type result struct {
		attrs map[string]string
		err   error
	}
	second := make(chan result, 1)
	go func() {
		attrs, err := s.r.Resolve(context.Background(), s.action, []*model.DirectoryServer{s.srv}, "jane@example.com")
		second <- result{attrs, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	s.ErrorIs(<-firstErr, context.Canceled)

	close(up.block)
	got := <-second
	s.Require().NoError(got.err)
	s.Equal("Jane Doe", got.attrs["cn"])
}

func TestResolverTestSuite(t *testing.T) {
	suite.Run(t, new(ResolverTestSuite))
}
