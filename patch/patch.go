// Package patch computes the modifications that turn an original message into a transformed one.
package patch

import (
	"bytes"
	"net/textproto"
	"sort"

	"github.com/d--j/go-disclaimr/document"
	gotextproto "github.com/emersion/go-message/textproto"
)

// Patch describes the modifications of a message.
// Header keys are canonical MIME header keys.
type Patch struct {
	AddHeaders    map[string]string
	ChangeHeaders map[string]string
	DeleteHeaders []string
	// Body is the complete new body. It is nil when the body is unchanged.
	Body []byte
}

// Empty reports whether p does not modify anything.
func (p *Patch) Empty() bool {
	return p == nil || (len(p.AddHeaders) == 0 && len(p.ChangeHeaders) == 0 && len(p.DeleteHeaders) == 0 && p.Body == nil)
}

// Diff compares the top-level headers of orig and mutated and returns the changes.
// Only the first occurrence of a header key gets compared. The order of the header fields is ignored.
//
// Body is always set to the complete serialized body of mutated.
// Diff returns nil when mutated serializes to the same bytes as orig.
func Diff(orig, mutated *document.Part) (*Patch, error) {
	var origBuf, mutatedBuf bytes.Buffer
	if _, err := orig.WriteTo(&origBuf); err != nil {
		return nil, err
	}
	if _, err := mutated.WriteTo(&mutatedBuf); err != nil {
		return nil, err
	}
	if bytes.Equal(origBuf.Bytes(), mutatedBuf.Bytes()) {
		return nil, nil
	}
	p := &Patch{
		AddHeaders:    map[string]string{},
		ChangeHeaders: map[string]string{},
	}
	before, after := firstValues(orig.Header()), firstValues(mutated.Header())
	for k, v := range after {
		old, ok := before[k]
		switch {
		case !ok:
			p.AddHeaders[k] = v
		case old != v:
			p.ChangeHeaders[k] = v
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			p.DeleteHeaders = append(p.DeleteHeaders, k)
		}
	}
	sort.Strings(p.DeleteHeaders)
	_, body := SplitHeaderBody(mutatedBuf.Bytes())
	if body == nil {
		body = []byte{}
	}
	p.Body = body
	return p, nil
}

func firstValues(h gotextproto.Header) map[string]string {
	m := make(map[string]string, h.Len())
	fields := h.Fields()
	for fields.Next() {
		k := textproto.CanonicalMIMEHeaderKey(fields.Key())
		if _, ok := m[k]; !ok {
			m[k] = fields.Value()
		}
	}
	return m
}

var (
	crlf2 = []byte("\r\n\r\n")
	lf2   = []byte("\n\n")
)

// SplitHeaderBody splits a serialized message at the first empty line.
// Line endings may be CRLF or LF, the first of both that is found wins.
// A message that starts with an empty line has no header. A message without empty line has no body.
func SplitHeaderBody(msg []byte) (header, body []byte) {
	switch {
	case bytes.HasPrefix(msg, []byte("\r\n")):
		return nil, msg[2:]
	case bytes.HasPrefix(msg, []byte("\n")):
		return nil, msg[1:]
	}
	rn, n := bytes.Index(msg, crlf2), bytes.Index(msg, lf2)
	switch {
	case rn < 0 && n < 0:
		return msg, nil
	case n < 0 || (rn >= 0 && rn < n):
		return msg[:rn+2], msg[rn+4:]
	default:
		return msg[:n+1], msg[n+2:]
	}
}
