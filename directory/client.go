package directory

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/d--j/go-disclaimr/querycache"
	"github.com/go-ldap/ldap/v3"
)

// Client opens connections to directory servers.
type Client interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one connection to a directory server.
type Conn interface {
	// Bind authenticates the connection. An empty user binds anonymously.
	Bind(ctx context.Context, user, password string) error
	// Search runs filter on the whole subtree of baseDN.
	Search(ctx context.Context, baseDN, filter string) (querycache.Result, error)
	Close() error
}

// LDAPClient is a [Client] for LDAP servers.
type LDAPClient struct {
	// Timeout is the dial and request timeout. Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to url (ldap://, ldaps:// or ldapi://).
func (c *LDAPClient) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := &net.Dialer{Timeout: c.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	conn, err := ldap.DialURL(url, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, fmt.Errorf("directory: connect %s: %w", url, err)
	}
	if c.Timeout > 0 {
		conn.SetTimeout(c.Timeout)
	}
	return &ldapConn{conn: conn}, nil
}

type ldapConn struct {
	conn *ldap.Conn
}

// closeOnDone closes the connection when ctx gets cancelled so that a blocking request returns.
func (l *ldapConn) closeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { _ = l.conn.Close() })
}

func (l *ldapConn) Bind(ctx context.Context, user, password string) error {
	defer l.closeOnDone(ctx)()
	var err error
	if user == "" {
		err = l.conn.UnauthenticatedBind("")
	} else {
		err = l.conn.Bind(user, password)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("directory: bind as %q: %w", user, err)
	}
	return nil
}

func (l *ldapConn) Search(ctx context.Context, baseDN, filter string) (querycache.Result, error) {
	defer l.closeOnDone(ctx)()
	req := ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		normalizeFilter(filter),
		nil,
		nil,
	)
	res, err := l.conn.Search(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("directory: search %q: %w", filter, err)
	}
	result := make(querycache.Result, 0, len(res.Entries))
	for _, e := range res.Entries {
		result = append(result, convertEntry(e))
	}
	return result, nil
}

func (l *ldapConn) Close() error {
	return l.conn.Close()
}

// normalizeFilter wraps filter in parentheses when needed ("mail=x" -> "(mail=x)").
func normalizeFilter(filter string) string {
	filter = strings.TrimSpace(filter)
	if strings.HasPrefix(filter, "(") {
		return filter
	}
	return "(" + filter + ")"
}

// convertEntry copies e. Values that are not valid UTF-8 get base64 encoded.
func convertEntry(e *ldap.Entry) querycache.Entry {
	entry := querycache.Entry{DN: e.DN, Attributes: make(map[string][]string, len(e.Attributes))}
	for _, a := range e.Attributes {
		values := make([]string, 0, len(a.ByteValues))
		for _, v := range a.ByteValues {
			if utf8.Valid(v) {
				values = append(values, string(v))
			} else {
				values = append(values, base64.StdEncoding.EncodeToString(v))
			}
		}
		entry.Attributes[a.Name] = values
	}
	return entry
}
