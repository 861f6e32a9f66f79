// Package filerepo loads the milter configuration from a YAML file.
//
// Example:
//
//	rules:
//	  - name: company disclaimer
//	    requirements:
//	      - sender: "@example\\.com$"
//	    actions:
//	      - kind: add
//	        disclaimer: 1
//	disclaimers:
//	  - id: 1
//	    text: "Example Inc. - {sender}"
//
// Rules, requirements and actions without id get one assigned.
// Omitted fields get the same defaults as in the SQL schema.
package filerepo

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/d--j/go-disclaimr/model"
	"github.com/d--j/go-disclaimr/repository"
)

type file struct {
	Rules            []ruleDoc            `yaml:"rules"`
	Disclaimers      []disclaimerDoc      `yaml:"disclaimers"`
	DirectoryServers []directoryServerDoc `yaml:"directory_servers"`
}

type ruleDoc struct {
	ID            int64            `yaml:"id"`
	Name          string           `yaml:"name"`
	Description   string           `yaml:"description"`
	Position      int              `yaml:"position"`
	ContinueRules bool             `yaml:"continue_rules"`
	Requirements  []requirementDoc `yaml:"requirements"`
	Actions       []actionDoc      `yaml:"actions"`
}

type requirementDoc struct {
	ID          int64        `yaml:"id"`
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Enabled     *bool        `yaml:"enabled"`
	SenderIP    string       `yaml:"sender_ip"`
	Sender      string       `yaml:"sender"`
	Recipient   string       `yaml:"recipient"`
	Header      string       `yaml:"header"`
	Body        string       `yaml:"body"`
	Effect      model.Effect `yaml:"effect"`
}

type actionDoc struct {
	ID                int64            `yaml:"id"`
	Name              string           `yaml:"name"`
	Description       string           `yaml:"description"`
	Position          int              `yaml:"position"`
	Enabled           *bool            `yaml:"enabled"`
	Kind              model.ActionKind `yaml:"kind"`
	Parameters        string           `yaml:"parameters"`
	OnlyMIME          string           `yaml:"only_mime"`
	Disclaimer        int64            `yaml:"disclaimer"`
	DirectoryServers  []int64          `yaml:"directory_servers"`
	ResolveSender     bool             `yaml:"resolve_sender"`
	ResolveSenderFail bool             `yaml:"resolve_sender_fail"`
}

type disclaimerDoc struct {
	ID              int64  `yaml:"id"`
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	Text            string `yaml:"text"`
	TextCharset     string `yaml:"text_charset"`
	TextUseTemplate *bool  `yaml:"text_use_template"`
	HTMLUseText     *bool  `yaml:"html_use_text"`
	HTML            string `yaml:"html"`
	HTMLCharset     string `yaml:"html_charset"`
	HTMLUseTemplate *bool  `yaml:"html_use_template"`
	TemplateFail    bool   `yaml:"template_fail"`
	UseHTMLFallback bool   `yaml:"use_html_fallback"`
}

type directoryServerDoc struct {
	ID           int64            `yaml:"id"`
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description"`
	Enabled      *bool            `yaml:"enabled"`
	URLs         []string         `yaml:"urls"`
	Auth         model.AuthMethod `yaml:"auth"`
	UserDN       string           `yaml:"user_dn"`
	Password     string           `yaml:"password"`
	BaseDN       string           `yaml:"base_dn"`
	SearchQuery  string           `yaml:"search_query"`
	EnableCache  *bool            `yaml:"enable_cache"`
	CacheTimeout *int             `yaml:"cache_timeout"`
}

// Load reads the YAML configuration file at path from fs.
func Load(fs afero.Fs, path string) (*repository.Memory, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filerepo: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("filerepo: read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w (in %s)", err, path)
	}
	return m, nil
}

// Parse parses a YAML configuration.
func Parse(data []byte) (*repository.Memory, error) {
	var doc file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("filerepo: %w", err)
	}
	return doc.build()
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

type ids struct {
	seen map[int64]bool
	next int64
}

func newIDs() *ids {
	return &ids{seen: map[int64]bool{}}
}

func (i *ids) reserve(kind string, id int64) error {
	if id < 0 {
		return fmt.Errorf("filerepo: %s has negative id %d", kind, id)
	}
	if id == 0 {
		return nil
	}
	if i.seen[id] {
		return fmt.Errorf("filerepo: duplicate %s id %d", kind, id)
	}
	i.seen[id] = true
	if id >= i.next {
		i.next = id + 1
	}
	return nil
}

func (i *ids) assign(id int64) int64 {
	if id != 0 {
		return id
	}
	if i.next == 0 {
		i.next = 1
	}
	id = i.next
	i.next++
	return id
}

func (doc *file) build() (*repository.Memory, error) {
	ruleIDs, reqIDs, actionIDs, disclaimerIDs, serverIDs := newIDs(), newIDs(), newIDs(), newIDs(), newIDs()
	for _, d := range doc.Disclaimers {
		if d.ID == 0 {
			return nil, fmt.Errorf("filerepo: disclaimer %q needs an id", d.Name)
		}
		if err := disclaimerIDs.reserve("disclaimer", d.ID); err != nil {
			return nil, err
		}
	}
	for _, s := range doc.DirectoryServers {
		if s.ID == 0 {
			return nil, fmt.Errorf("filerepo: directory server %q needs an id", s.Name)
		}
		if err := serverIDs.reserve("directory server", s.ID); err != nil {
			return nil, err
		}
	}
	for _, r := range doc.Rules {
		if err := ruleIDs.reserve("rule", r.ID); err != nil {
			return nil, err
		}
		for _, req := range r.Requirements {
			if err := reqIDs.reserve("requirement", req.ID); err != nil {
				return nil, err
			}
		}
		for _, a := range r.Actions {
			if err := actionIDs.reserve("action", a.ID); err != nil {
				return nil, err
			}
		}
	}

	m := repository.NewMemory()
	for _, d := range doc.Disclaimers {
		m.PutDisclaimer(model.Disclaimer{
			ID:              d.ID,
			Name:            d.Name,
			Description:     d.Description,
			Text:            d.Text,
			TextCharset:     stringOr(d.TextCharset, model.DefaultCharset),
			TextUseTemplate: boolOr(d.TextUseTemplate, true),
			HTMLUseText:     boolOr(d.HTMLUseText, true),
			HTML:            d.HTML,
			HTMLCharset:     stringOr(d.HTMLCharset, model.DefaultCharset),
			HTMLUseTemplate: boolOr(d.HTMLUseTemplate, true),
			TemplateFail:    d.TemplateFail,
			UseHTMLFallback: d.UseHTMLFallback,
		})
	}
	for _, s := range doc.DirectoryServers {
		cacheTimeout := model.DefaultCacheTimeout
		if s.CacheTimeout != nil {
			cacheTimeout = *s.CacheTimeout
		}
		m.PutDirectoryServer(model.DirectoryServer{
			ID:           s.ID,
			Name:         s.Name,
			Description:  s.Description,
			Enabled:      boolOr(s.Enabled, true),
			URLs:         s.URLs,
			Auth:         s.Auth,
			UserDN:       s.UserDN,
			Password:     s.Password,
			BaseDN:       s.BaseDN,
			SearchQuery:  stringOr(s.SearchQuery, model.DefaultSearchQuery),
			EnableCache:  boolOr(s.EnableCache, true),
			CacheTimeout: cacheTimeout,
		})
	}
	for _, r := range doc.Rules {
		ruleID := ruleIDs.assign(r.ID)
		m.PutRule(model.Rule{
			ID:            ruleID,
			Name:          r.Name,
			Description:   r.Description,
			Position:      r.Position,
			ContinueRules: r.ContinueRules,
		})
		for _, req := range r.Requirements {
			if _, err := model.ParseNetwork(req.SenderIP); err != nil {
				return nil, fmt.Errorf("filerepo: rule %q: sender_ip %q: %w", r.Name, req.SenderIP, err)
			}
			m.PutRequirement(model.Requirement{
				ID:          reqIDs.assign(req.ID),
				RuleID:      ruleID,
				Name:        req.Name,
				Description: req.Description,
				Enabled:     boolOr(req.Enabled, true),
				SenderIP:    stringOr(req.SenderIP, model.DefaultSenderIP),
				Sender:      stringOr(req.Sender, model.DefaultPattern),
				Recipient:   stringOr(req.Recipient, model.DefaultPattern),
				Header:      stringOr(req.Header, model.DefaultPattern),
				Body:        stringOr(req.Body, model.DefaultPattern),
				Effect:      req.Effect,
			})
		}
		for _, a := range r.Actions {
			if !disclaimerIDs.seen[a.Disclaimer] {
				return nil, fmt.Errorf("filerepo: rule %q: action %q references unknown disclaimer %d", r.Name, a.Name, a.Disclaimer)
			}
			for _, id := range a.DirectoryServers {
				if !serverIDs.seen[id] {
					return nil, fmt.Errorf("filerepo: rule %q: action %q references unknown directory server %d", r.Name, a.Name, id)
				}
			}
			m.PutAction(model.Action{
				ID:                 actionIDs.assign(a.ID),
				RuleID:             ruleID,
				Name:               a.Name,
				Description:        a.Description,
				Position:           a.Position,
				Enabled:            boolOr(a.Enabled, true),
				Kind:               a.Kind,
				Parameters:         a.Parameters,
				OnlyMIME:           a.OnlyMIME,
				DisclaimerID:       a.Disclaimer,
				DirectoryServerIDs: a.DirectoryServers,
				ResolveSender:      a.ResolveSender,
				ResolveSenderFail:  a.ResolveSenderFail,
			})
		}
	}
	return m, nil
}
