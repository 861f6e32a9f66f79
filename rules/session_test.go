package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/d--j/go-disclaimr/model"
	"github.com/d--j/go-disclaimr/patch"
	"github.com/d--j/go-disclaimr/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transaction struct {
	ip         string
	from       string
	rcpts      []string
	headers    [][2]string
	body       string
	wantActive bool
}

func defaultTransaction() transaction {
	return transaction{
		ip:      "192.0.2.1",
		from:    "sender@example.com",
		rcpts:   []string{"rcpt@example.net"},
		headers: [][2]string{{"Subject", "test"}, {"X-Mailer", "unit"}},
		body:    "Testmail",
	}
}

// run feeds tr into a new session and returns the patch and whether the session stayed enabled.
func run(t *testing.T, e *Engine, tr transaction) (*patch.Patch, bool) {
	t.Helper()
	ctx := context.Background()
	s, err := e.NewSession(ctx)
	require.NoError(t, err)
	defer s.Close()
	s.Connect(ctx, tr.ip)
	require.NoError(t, s.MailFrom(ctx, tr.from))
	for _, r := range tr.rcpts {
		require.NoError(t, s.Rcpt(ctx, r))
	}
	for _, h := range tr.headers {
		s.Header(h[0], h[1])
	}
	require.NoError(t, s.EndOfHeaders(ctx))
	require.NoError(t, s.BodyChunk([]byte(tr.body)))
	p, err := s.EndOfBody(ctx)
	require.NoError(t, err)
	return p, s.Enabled()
}

func accept(id, rule int64) model.Requirement {
	return model.Requirement{
		ID:        id,
		RuleID:    rule,
		Enabled:   true,
		SenderIP:  model.DefaultSenderIP,
		Sender:    model.DefaultPattern,
		Recipient: model.DefaultPattern,
		Header:    model.DefaultPattern,
		Body:      model.DefaultPattern,
		Effect:    model.EffectAccept,
	}
}

// simpleRepo has rule 1 with requirement 10 and an add action using disclaimer 100.
func simpleRepo(req model.Requirement) *repository.Memory {
	m := repository.NewMemory()
	m.PutRule(model.Rule{ID: 1, Name: "rule"})
	req.ID, req.RuleID = 10, 1
	m.PutRequirement(req)
	m.PutAction(model.Action{ID: 20, RuleID: 1, Name: "add", Enabled: true, Kind: model.ActionAdd, DisclaimerID: 100})
	m.PutDisclaimer(model.Disclaimer{ID: 100, Text: "Test-Disclaimer", TextUseTemplate: true, HTMLUseText: true})
	return m
}

func TestAdd(t *testing.T) {
	e := NewEngine(simpleRepo(accept(0, 0)), nil)
	p, enabled := run(t, e, defaultTransaction())
	assert.True(t, enabled)
	require.NotNil(t, p)
	assert.Equal(t, "Testmail\nTest-Disclaimer", string(p.Body))
	assert.Empty(t, p.AddHeaders)
	assert.Empty(t, p.ChangeHeaders)
	assert.Empty(t, p.DeleteHeaders)
}

func TestReplaceTag(t *testing.T) {
	m := simpleRepo(accept(0, 0))
	m.PutAction(model.Action{ID: 20, RuleID: 1, Enabled: true, Kind: model.ActionReplaceTag, Parameters: "#DISCLAIMER#", DisclaimerID: 100})
	e := NewEngine(m, nil)

	tr := defaultTransaction()
	tr.body = "Testmail #DISCLAIMER#"
	p, _ := run(t, e, tr)
	require.NotNil(t, p)
	assert.Equal(t, "Testmail Test-Disclaimer", string(p.Body))

	tr.body = "Testmail without tag"
	p, enabled := run(t, e, tr)
	assert.True(t, enabled)
	assert.Nil(t, p)
}

func TestDisabledPredicates(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *model.Requirement)
	}{
		{"ip", func(r *model.Requirement) { r.SenderIP = "10.0.0.0/8" }},
		{"sender", func(r *model.Requirement) { r.Sender = `@other\.com` }},
		{"recipient", func(r *model.Requirement) { r.Recipient = `@other\.com` }},
		{"header", func(r *model.Requirement) { r.Header = "X-Spam" }},
		{"body", func(r *model.Requirement) { r.Body = "secret" }},
		{"invalid pattern", func(r *model.Requirement) { r.Body = "(" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := accept(0, 0)
			tt.modify(&req)
			e := NewEngine(simpleRepo(req), nil)
			p, enabled := run(t, e, defaultTransaction())
			assert.False(t, enabled)
			assert.Nil(t, p)
		})
	}
}

func TestUnanchoredMatching(t *testing.T) {
	req := accept(0, 0)
	req.Sender = `example\.com`
	req.Header = `X-Mailer: un`
	req.Body = "mail"
	e := NewEngine(simpleRepo(req), nil)
	p, enabled := run(t, e, defaultTransaction())
	assert.True(t, enabled)
	assert.NotNil(t, p)
}

func TestConnect(t *testing.T) {
	req := accept(0, 0)
	req.SenderIP = "192.0.2.0/24"
	e := NewEngine(simpleRepo(req), nil)
	ctx := context.Background()
	tests := []struct {
		ip   string
		want bool
	}{
		{"192.0.2.77", true},
		{"::ffff:192.0.2.77", true},
		{"198.51.100.1", false},
		{"/var/run/socket", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			s, err := e.NewSession(ctx)
			require.NoError(t, err)
			s.Connect(ctx, tt.ip)
			assert.Equal(t, tt.want, s.Enabled())
		})
	}
}

func TestContinueRules(t *testing.T) {
	build := func(continueRules bool) *Engine {
		m := repository.NewMemory()
		m.PutRule(model.Rule{ID: 1, Name: "first", Position: 1, ContinueRules: continueRules})
		m.PutRule(model.Rule{ID: 2, Name: "second", Position: 2})
		m.PutRequirement(accept(10, 2))
		m.PutRequirement(accept(11, 1))
		m.PutAction(model.Action{ID: 20, RuleID: 1, Enabled: true, Kind: model.ActionAdd, DisclaimerID: 100})
		m.PutAction(model.Action{ID: 21, RuleID: 2, Enabled: true, Kind: model.ActionAdd, DisclaimerID: 101})
		m.PutDisclaimer(model.Disclaimer{ID: 100, Text: "First"})
		m.PutDisclaimer(model.Disclaimer{ID: 101, Text: "Second"})
		return NewEngine(m, nil)
	}

	p, _ := run(t, build(false), defaultTransaction())
	require.NotNil(t, p)
	assert.Equal(t, "Testmail\nFirst", string(p.Body))

	p, _ = run(t, build(true), defaultTransaction())
	require.NotNil(t, p)
	assert.Equal(t, "Testmail\nFirst\nSecond", string(p.Body))
}

func TestAbortedActionDoesNotStopRules(t *testing.T) {
	m := repository.NewMemory()
	m.PutRule(model.Rule{ID: 1, Position: 1})
	m.PutRule(model.Rule{ID: 2, Position: 2})
	m.PutRequirement(accept(10, 1))
	m.PutRequirement(accept(11, 2))
	m.PutAction(model.Action{ID: 20, RuleID: 1, Enabled: true, Kind: model.ActionAdd, DisclaimerID: 100})
	m.PutAction(model.Action{ID: 21, RuleID: 2, Enabled: true, Kind: model.ActionAdd, DisclaimerID: 101})
	m.PutDisclaimer(model.Disclaimer{ID: 100, Text: "{unknown}", TextUseTemplate: true, TemplateFail: true})
	m.PutDisclaimer(model.Disclaimer{ID: 101, Text: "Second"})

	p, _ := run(t, NewEngine(m, nil), defaultTransaction())
	require.NotNil(t, p)
	assert.Equal(t, "Testmail\nSecond", string(p.Body))
}

func TestDeny(t *testing.T) {
	m := simpleRepo(accept(0, 0))
	deny := accept(11, 1)
	deny.Effect = model.EffectDeny
	deny.Sender = `@example\.com$`
	m.PutRequirement(deny)

	p, enabled := run(t, NewEngine(m, nil), defaultTransaction())
	assert.True(t, enabled)
	assert.Nil(t, p)

	tr := defaultTransaction()
	tr.from = "sender@example.org"
	p, _ = run(t, NewEngine(m, nil), tr)
	assert.NotNil(t, p, "deny requirement did not match, so the rule is eligible")
}

func TestRecipientMatching(t *testing.T) {
	req := accept(0, 0)
	req.Recipient = `@example\.net$`
	tr := defaultTransaction()
	tr.rcpts = []string{"a@example.net", "b@example.org"}

	p, enabled := run(t, NewEngine(simpleRepo(req), nil), tr)
	assert.False(t, enabled)
	assert.Nil(t, p)

	p, enabled = run(t, NewEngine(simpleRepo(req), nil, WithRecipientMatching(SkipAfterAccept)), tr)
	assert.True(t, enabled)
	assert.NotNil(t, p)

	tr.rcpts = []string{"b@example.org", "a@example.net"}
	_, enabled = run(t, NewEngine(simpleRepo(req), nil, WithRecipientMatching(SkipAfterAccept)), tr)
	assert.False(t, enabled)
}

func TestParseRecipientMatching(t *testing.T) {
	m, err := ParseRecipientMatching("skip_after_accept")
	require.NoError(t, err)
	assert.Equal(t, SkipAfterAccept, m)
	m, err = ParseRecipientMatching("every")
	require.NoError(t, err)
	assert.Equal(t, MatchEveryRecipient, m)
	_, err = ParseRecipientMatching("first")
	assert.Error(t, err)
}

func TestTemplateValues(t *testing.T) {
	m := simpleRepo(accept(0, 0))
	m.PutDisclaimer(model.Disclaimer{ID: 100, Text: `{sender} to {recipient}: {header["subject"]}`, TextUseTemplate: true})
	tr := defaultTransaction()
	tr.rcpts = []string{"a@example.net", "b@example.net"}
	tr.headers = append(tr.headers, [2]string{"subject", "second"})

	p, _ := run(t, NewEngine(m, nil), tr)
	require.NotNil(t, p)
	assert.Equal(t, "Testmail\nsender@example.com to a@example.net,b@example.net: second", string(p.Body))
}

type fakeResolver struct {
	calls   int
	servers []*model.DirectoryServer
	sender  string
	attrs   map[string]string
	err     error
}

func (f *fakeResolver) Resolve(_ context.Context, _ *model.Action, servers []*model.DirectoryServer, sender string) (map[string]string, error) {
	f.calls++
	f.servers = servers
	f.sender = sender
	return f.attrs, f.err
}

func TestResolver(t *testing.T) {
	m := simpleRepo(accept(0, 0))
	m.PutAction(model.Action{ID: 20, RuleID: 1, Enabled: true, Kind: model.ActionAdd, DisclaimerID: 100,
		ResolveSender: true, DirectoryServerIDs: []int64{30, 31}})
	m.PutDisclaimer(model.Disclaimer{ID: 100, Text: `Regards, {resolver["cn"]}`, TextUseTemplate: true})
	m.PutDirectoryServer(model.DirectoryServer{ID: 30, Name: "ldap", Enabled: true})

	r := &fakeResolver{attrs: map[string]string{"cn": "Jane Doe"}}
	p, _ := run(t, NewEngine(m, r), defaultTransaction())
	require.NotNil(t, p)
	assert.Equal(t, "Testmail\nRegards, Jane Doe", string(p.Body))
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, "sender@example.com", r.sender)
	require.Len(t, r.servers, 1, "unknown directory servers get skipped")
	assert.Equal(t, "ldap", r.servers[0].Name)

	r = &fakeResolver{err: errors.New("unresolvable")}
	p, enabled := run(t, NewEngine(m, r), defaultTransaction())
	assert.True(t, enabled)
	assert.Nil(t, p)
}

func TestInvalidConfiguration(t *testing.T) {
	m := simpleRepo(accept(0, 0))
	m.PutAction(model.Action{ID: 20, RuleID: 1, Enabled: true, Kind: model.ActionAdd, DisclaimerID: 404})
	p, enabled := run(t, NewEngine(m, nil), defaultTransaction())
	assert.True(t, enabled)
	assert.Nil(t, p)

	m = simpleRepo(accept(0, 0))
	m.PutAction(model.Action{ID: 20, RuleID: 1, Enabled: true, Kind: model.ActionReplaceTag, Parameters: "[", DisclaimerID: 100})
	p, _ = run(t, NewEngine(m, nil), defaultTransaction())
	assert.Nil(t, p)
}

func TestDisabledSessionIgnoresEvents(t *testing.T) {
	req := accept(0, 0)
	req.Sender = "nobody"
	e := NewEngine(simpleRepo(req), nil)
	ctx := context.Background()
	s, err := e.NewSession(ctx)
	require.NoError(t, err)
	s.Connect(ctx, "192.0.2.1")
	require.True(t, s.Enabled())
	require.NoError(t, s.MailFrom(ctx, "sender@example.com"))
	require.False(t, s.Enabled())
	s.Header("Subject", "x")
	assert.Empty(t, s.headerLines)
	require.NoError(t, s.BodyChunk([]byte("data")))
	assert.Nil(t, s.body)
	p, err := s.EndOfBody(ctx)
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.NotEmpty(t, s.ID())
}

func TestBodySpooling(t *testing.T) {
	e := NewEngine(simpleRepo(accept(0, 0)), nil, WithBodyMaxMem(4))
	ctx := context.Background()
	s, err := e.NewSession(ctx)
	require.NoError(t, err)
	s.Connect(ctx, "192.0.2.1")
	require.NoError(t, s.MailFrom(ctx, "a@example.com"))
	require.NoError(t, s.Rcpt(ctx, "b@example.com"))
	require.NoError(t, s.EndOfHeaders(ctx))
	require.NoError(t, s.BodyChunk([]byte("Test")))
	require.NoError(t, s.BodyChunk([]byte("mail")))
	require.True(t, s.body.Spooled())
	p, err := s.EndOfBody(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Testmail\nTest-Disclaimer", string(p.Body))
	assert.Nil(t, s.body)
	assert.NoError(t, s.Close())
}

func TestBodyMaxSize(t *testing.T) {
	e := NewEngine(simpleRepo(accept(0, 0)), nil, WithBodyMaxMem(4), WithBodyMaxSize(8))
	ctx := context.Background()
	s, err := e.NewSession(ctx)
	require.NoError(t, err)
	s.Connect(ctx, "192.0.2.1")
	require.NoError(t, s.MailFrom(ctx, "a@example.com"))
	require.NoError(t, s.EndOfHeaders(ctx))
	require.NoError(t, s.BodyChunk([]byte("Testmail")))
	require.True(t, s.Enabled())
	require.NoError(t, s.BodyChunk([]byte("!")))
	assert.False(t, s.Enabled())
	assert.Nil(t, s.body)
	p, err := s.EndOfBody(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)
}

type failingRepo struct {
	repository.Repository
	err error
}

func (f failingRepo) Requirement(context.Context, int64) (*model.Requirement, error) {
	return nil, f.err
}

func TestRepositoryError(t *testing.T) {
	boom := errors.New("database gone")
	e := NewEngine(failingRepo{Repository: simpleRepo(accept(0, 0)), err: boom}, nil)
	ctx := context.Background()
	s, err := e.NewSession(ctx)
	require.NoError(t, err)
	s.Connect(ctx, "192.0.2.1")
	err = s.MailFrom(ctx, "a@example.com")
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Enabled())
}

func TestVanishedRequirement(t *testing.T) {
	m := simpleRepo(accept(0, 0))
	e := NewEngine(failingRepo{Repository: m, err: repository.ErrNotFound}, nil)
	ctx := context.Background()
	s, err := e.NewSession(ctx)
	require.NoError(t, err)
	s.Connect(ctx, "192.0.2.1")
	assert.NoError(t, s.MailFrom(ctx, "a@example.com"))
	assert.False(t, s.Enabled())
}

func TestCompileCache(t *testing.T) {
	e := NewEngine(repository.NewMemory(), nil)
	a, err := e.compile("a+")
	require.NoError(t, err)
	b, err := e.compile("a+")
	require.NoError(t, err)
	assert.Same(t, a, b)
	_, err = e.compile("(")
	assert.Error(t, err)
	_, err = e.compile("(")
	assert.Error(t, err)
}
