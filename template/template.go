// Package template resolves the template tags of disclaimer texts.
//
// A tag is either {key} or {key["subkey"]}. Keys and subkeys are case-insensitive.
// The available keys are sender and recipient (plain values) and header and resolver (maps that need a subkey).
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnresolvedKey is returned by [Resolve] in strict mode when a tag cannot be resolved.
var ErrUnresolvedKey = errors.New("template: unresolved key")

var (
	tagRegex    = regexp.MustCompile(`\{([^}]*)\}`)
	subkeyRegex = regexp.MustCompile(`^([^\[]*)\["([^"]*)"\]$`)
)

// Context holds the replacement values of one transaction.
type Context struct {
	Sender    string
	Recipient string
	// Header maps lower-cased header names to their values.
	Header map[string]string
	// Resolver maps lower-cased directory attribute names to their values.
	Resolver map[string]string
}

func (c *Context) value(key string) (string, bool) {
	switch key {
	case "sender":
		return c.Sender, true
	case "recipient":
		return c.Recipient, true
	}
	return "", false
}

func (c *Context) subValue(key, subkey string) (string, bool) {
	var m map[string]string
	switch key {
	case "header":
		m = c.Header
	case "resolver":
		m = c.Resolver
	default:
		return "", false
	}
	v, ok := m[subkey]
	return v, ok
}

// Lookup resolves the inner part of a tag (the text between the braces).
func (c *Context) Lookup(tag string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(tag))
	if m := subkeyRegex.FindStringSubmatch(key); m != nil {
		return c.subValue(strings.TrimSpace(m[1]), m[2])
	}
	return c.value(key)
}

// Options change how [Resolve] works.
type Options struct {
	// Strict makes Resolve fail with [ErrUnresolvedKey] on the first unknown tag.
	// Otherwise unknown tags get replaced with the empty string.
	Strict bool
	// Escape gets applied to every substituted value (e.g. HTML escaping). Can be nil.
	Escape func(string) string
	// OnUnresolved gets called for every tag that could not be resolved. Can be nil.
	OnUnresolved func(tag string)
}

// Resolve replaces all tags in text, left to right.
// Substituted values are not scanned for tags again.
func Resolve(text string, ctx *Context, opts Options) (string, error) {
	matches := tagRegex.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		last = m[1]
		tag := text[m[2]:m[3]]
		value, ok := ctx.Lookup(tag)
		if !ok {
			if opts.OnUnresolved != nil {
				opts.OnUnresolved(tag)
			}
			if opts.Strict {
				return "", fmt.Errorf("%w: %s", ErrUnresolvedKey, tag)
			}
			continue
		}
		if opts.Escape != nil {
			value = opts.Escape(value)
		}
		b.WriteString(value)
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// HasTags reports whether text contains at least one tag.
func HasTags(text string) bool {
	return tagRegex.MatchString(text)
}
