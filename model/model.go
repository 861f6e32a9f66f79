// Package model holds the configuration entities the disclaimer milter works with.
//
// All entities are plain read-only snapshots. They get loaded through a [repository.Repository]
// and are never written back by the milter.
package model

import (
	"net/netip"
	"time"
)

// Rule is an ordered, named container of requirements and actions.
type Rule struct {
	ID          int64
	Name        string
	Description string
	// Position orders the rules. Lower positions get evaluated first.
	Position int
	// ContinueRules controls whether rules with a higher position get evaluated
	// after this rule executed at least one action.
	ContinueRules bool
	// ActionIDs are the IDs of the actions of this rule, ordered by action position.
	ActionIDs []int64
}

// Requirement is one match condition of a [Rule] together with its [Effect].
//
// Sender, Recipient, Header and Body are regular expressions that need to be found
// somewhere in the respective subject (unanchored search).
type Requirement struct {
	ID          int64
	RuleID      int64
	Name        string
	Description string
	Enabled     bool
	// SenderIP is the sender IP network in CIDR notation (e.g. "192.0.2.0/24").
	SenderIP  string
	Sender    string
	Recipient string
	Header    string
	Body      string
	Effect    Effect
}

// Network parses SenderIP. An address without prefix length is treated as a host network.
func (r *Requirement) Network() (netip.Prefix, error) {
	return ParseNetwork(r.SenderIP)
}

// ParseNetwork parses s as CIDR network. A plain address gets the prefix length of its bit size.
// An empty string is the IPv4 catch-all network 0.0.0.0/0.
func ParseNetwork(s string) (netip.Prefix, error) {
	if s == "" {
		return netip.PrefixFrom(netip.IPv4Unspecified(), 0), nil
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// RequirementNetwork is the pre-filter tuple the milter loads once per transaction.
// Only enabled requirements whose rule has at least one enabled action are listed.
type RequirementNetwork struct {
	RequirementID int64
	RuleID        int64
	Network       netip.Prefix
}

// Action describes what to do with a message that matched a [Rule].
type Action struct {
	ID          int64
	RuleID      int64
	Name        string
	Description string
	Position    int
	Enabled     bool
	Kind        ActionKind
	// Parameters holds the regular expression of the tag to replace for [ActionReplaceTag].
	Parameters string
	// OnlyMIME restricts the action to MIME parts of this content type. Empty means all parts.
	OnlyMIME           string
	DisclaimerID       int64
	DirectoryServerIDs []int64
	// ResolveSender enables the directory lookup of the envelope sender for template tags.
	ResolveSender bool
	// ResolveSenderFail stops the action when the sender cannot be resolved.
	ResolveSenderFail bool
}

// Disclaimer is the text that an [Action] injects.
type Disclaimer struct {
	ID              int64
	Name            string
	Description     string
	Text            string
	TextCharset     string
	TextUseTemplate bool
	// HTMLUseText derives the HTML disclaimer from Text instead of using HTML.
	HTMLUseText     bool
	HTML            string
	HTMLCharset     string
	HTMLUseTemplate bool
	// TemplateFail stops the action when a template tag cannot be resolved.
	// Otherwise unresolved tags get replaced with the empty string.
	TemplateFail bool
	// UseHTMLFallback uses the HTML disclaimer when the content type of a part is not text/plain or text/html.
	UseHTMLFallback bool
}

// DirectoryServer is an LDAP-like directory used to resolve the envelope sender.
type DirectoryServer struct {
	ID          int64
	Name        string
	Description string
	Enabled     bool
	// URLs get tried in order until one succeeds.
	URLs     []string
	Auth     AuthMethod
	UserDN   string
	Password string
	BaseDN   string
	// SearchQuery is the search filter. Every %s gets replaced with the escaped envelope sender.
	SearchQuery string
	EnableCache bool
	// CacheTimeout is the cache lifetime in seconds.
	CacheTimeout int
}

// CacheTTL returns CacheTimeout as [time.Duration].
func (d *DirectoryServer) CacheTTL() time.Duration {
	return time.Duration(d.CacheTimeout) * time.Second
}

// Defaults of new entities, mirroring the column defaults of the configuration store.
const (
	DefaultPattern      = ".*"
	DefaultSenderIP     = "0.0.0.0/0"
	DefaultCharset      = "utf-8"
	DefaultSearchQuery  = "mail=%s"
	DefaultCacheTimeout = 3600
)
