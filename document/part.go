// Package document parses and serializes MIME messages as a tree of parts.
//
// Parsing is lossless: a tree that was not modified serializes to exactly the bytes it was parsed from.
// Multipart framing (preamble, delimiter lines and epilogue) is kept as-is.
package document

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// MaxDepth is the maximum nesting level of multipart parts that [Parse] accepts.
const MaxDepth = 64

// ErrTooDeep is returned by [Parse] when multipart parts are nested deeper than [MaxDepth].
var ErrTooDeep = errors.New("document: multipart nesting too deep")

// Part is one MIME entity. A Part is either a leaf with a body or a multipart container with children.
type Part struct {
	header      textproto.Header
	rawHeader   []byte
	headerDirty bool
	// malformed is set when the header could not be parsed. The whole part is then kept as body.
	malformed bool

	body []byte

	children []*Part
	// frames[i] holds the bytes in front of children[i]: preamble and/or line break plus delimiter line.
	frames [][]byte
	// closing holds the line break, close delimiter and epilogue.
	closing []byte
}

// Parse parses raw into a tree of parts.
//
// A header that cannot be parsed does not produce an error. The part is marked as malformed
// and raw becomes its body.
func Parse(raw []byte) (*Part, error) {
	return parse(raw, 0)
}

func parse(raw []byte, depth int) (*Part, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	src := bytes.NewReader(raw)
	br := bufio.NewReader(src)
	h, err := textproto.ReadHeader(br)
	if err != nil && !errors.Is(err, io.EOF) {
		return &Part{malformed: true, body: raw}, nil
	}
	headerLen := len(raw) - src.Len() - br.Buffered()
	p := &Part{
		header:    h,
		rawHeader: raw[:headerLen],
		body:      raw[headerLen:],
	}
	mediaType, params, err := p.ContentType()
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return p, nil
	}
	if err := p.splitMultipart(params["boundary"], depth); err != nil {
		return nil, err
	}
	return p, nil
}

type delimiter struct {
	start, end int
	close      bool
}

// findDelimiters returns all delimiter lines for boundary up to and including the first close delimiter.
func findDelimiters(body []byte, boundary string) []delimiter {
	dash := []byte("--" + boundary)
	var found []delimiter
	for pos := 0; pos < len(body); {
		end := bytes.IndexByte(body[pos:], '\n')
		if end < 0 {
			end = len(body)
		} else {
			end += pos + 1
		}
		line := bytes.TrimRight(body[pos:end], "\r\n")
		if bytes.HasPrefix(line, dash) {
			rest := line[len(dash):]
			isClose := bytes.HasPrefix(rest, []byte("--"))
			if isClose {
				rest = rest[2:]
			}
			if len(bytes.TrimRight(rest, " \t")) == 0 {
				found = append(found, delimiter{start: pos, end: end, close: isClose})
				if isClose {
					return found
				}
			}
		}
		pos = end
	}
	return found
}

// lineBreakBefore returns the start of the line break in front of pos but never less than min.
func lineBreakBefore(body []byte, pos, min int) int {
	s := pos
	if s > 0 && body[s-1] == '\n' {
		s--
		if s > 0 && body[s-1] == '\r' {
			s--
		}
	}
	if s < min {
		return min
	}
	return s
}

func (p *Part) splitMultipart(boundary string, depth int) error {
	delims := findDelimiters(p.body, boundary)
	if len(delims) == 0 || delims[0].close {
		// no usable boundary, keep as leaf
		return nil
	}
	var children []*Part
	var frames [][]byte
	var closing []byte
	contentStart := -1
	for i, d := range delims {
		frameStart := 0
		if i > 0 {
			frameStart = lineBreakBefore(p.body, d.start, contentStart)
			child, err := parse(p.body[contentStart:frameStart], depth+1)
			if err != nil {
				return err
			}
			children = append(children, child)
		}
		if d.close {
			closing = p.body[frameStart:]
			break
		}
		frames = append(frames, p.body[frameStart:d.end])
		contentStart = d.end
	}
	if closing == nil {
		// missing close delimiter: the last part runs to the end
		child, err := parse(p.body[contentStart:], depth+1)
		if err != nil {
			return err
		}
		children = append(children, child)
		closing = []byte{}
	}
	p.children = children
	p.frames = frames
	p.closing = closing
	p.body = nil
	return nil
}

// NewLeaf creates a leaf part. body must already be transfer-encoded.
func NewLeaf(h textproto.Header, body []byte) *Part {
	return &Part{header: h, headerDirty: true, body: body}
}

// NewMultipart creates a multipart container with the given children.
// h must carry a multipart Content-Type with boundary as boundary parameter.
func NewMultipart(h textproto.Header, boundary string, children ...*Part) *Part {
	p := &Part{header: h, headerDirty: true, children: children}
	p.frames = make([][]byte, len(children))
	for i := range children {
		if i == 0 {
			p.frames[i] = []byte("--" + boundary + "\r\n")
		} else {
			p.frames[i] = []byte("\r\n--" + boundary + "\r\n")
		}
	}
	p.closing = []byte("\r\n--" + boundary + "--\r\n")
	return p
}

// IsMultipart reports whether p is a container.
func (p *Part) IsMultipart() bool {
	return p.frames != nil
}

// Malformed reports whether the header of p could not be parsed.
func (p *Part) Malformed() bool {
	return p.malformed
}

// Children returns the child parts of a container.
func (p *Part) Children() []*Part {
	return p.children
}

// Body returns the transfer-encoded body of a leaf.
func (p *Part) Body() []byte {
	return p.body
}

// SetBody replaces the transfer-encoded body of a leaf.
func (p *Part) SetBody(b []byte) {
	p.body = b
}

// Header returns a copy of the header of p.
func (p *Part) Header() textproto.Header {
	return p.header.Copy()
}

// Get returns the first value of the header field key.
func (p *Part) Get(key string) string {
	return p.header.Get(key)
}

// Set replaces all header fields key with one field that has value.
func (p *Part) Set(key, value string) {
	p.header.Set(key, value)
	p.headerDirty = true
}

// Del deletes all header fields key.
func (p *Part) Del(key string) {
	if !p.header.Has(key) {
		return
	}
	p.header.Del(key)
	p.headerDirty = true
}

// ContentType parses the Content-Type header field.
// A part without Content-Type is text/plain in us-ascii.
// A malformed part has no content type.
func (p *Part) ContentType() (string, map[string]string, error) {
	if p.malformed {
		return "", nil, nil
	}
	if !p.header.Has("Content-Type") {
		return "text/plain", map[string]string{"charset": "us-ascii"}, nil
	}
	mh := message.Header{Header: p.header}
	t, params, err := mh.ContentType()
	if err != nil {
		return "", nil, fmt.Errorf("document: parse content type: %w", err)
	}
	return strings.ToLower(t), params, nil
}

// SetContentType sets the Content-Type header field.
func (p *Part) SetContentType(t string, params map[string]string) {
	mh := message.Header{Header: p.header}
	mh.SetContentType(t, params)
	p.header = mh.Header
	p.headerDirty = true
}

// TransferEncoding returns the lower-cased Content-Transfer-Encoding. It is "7bit" when the field is missing.
func (p *Part) TransferEncoding() string {
	cte := strings.ToLower(strings.TrimSpace(p.header.Get("Content-Transfer-Encoding")))
	if cte == "" {
		return "7bit"
	}
	return cte
}

// Walk calls fn for every leaf in depth-first order.
// A leaf may replace itself with [Part.ReplaceWith] inside fn. The replacement is not walked.
func (p *Part) Walk(fn func(leaf *Part) error) error {
	if !p.IsMultipart() {
		return fn(p)
	}
	for _, c := range p.children {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceWith makes p a copy of q. q must not be used afterwards.
func (p *Part) ReplaceWith(q *Part) {
	*p = *q
}

// Clone returns a deep copy of p.
func (p *Part) Clone() *Part {
	c := &Part{
		header:      p.header.Copy(),
		rawHeader:   p.rawHeader,
		headerDirty: p.headerDirty,
		malformed:   p.malformed,
		body:        bytes.Clone(p.body),
		closing:     p.closing,
	}
	if p.frames != nil {
		c.frames = make([][]byte, len(p.frames))
		copy(c.frames, p.frames)
		c.children = make([]*Part, len(p.children))
		for i, child := range p.children {
			c.children[i] = child.Clone()
		}
	}
	return c
}

// WriteTo serializes p to w.
func (p *Part) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := p.write(cw)
	return cw.n, err
}

func (p *Part) write(w io.Writer) error {
	if p.headerDirty {
		if err := textproto.WriteHeader(w, p.header); err != nil {
			return err
		}
	} else if _, err := w.Write(p.rawHeader); err != nil {
		return err
	}
	if !p.IsMultipart() {
		_, err := w.Write(p.body)
		return err
	}
	for i, c := range p.children {
		if _, err := w.Write(p.frames[i]); err != nil {
			return err
		}
		if err := c.write(w); err != nil {
			return err
		}
	}
	_, err := w.Write(p.closing)
	return err
}

// Bytes returns the serialization of p.
func (p *Part) Bytes() []byte {
	var buf bytes.Buffer
	_ = p.write(&buf)
	return buf.Bytes()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
