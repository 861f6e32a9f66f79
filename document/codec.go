package document

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Encoded is text in its raw form: bytes in the declared Charset.
type Encoded struct {
	Data    []byte
	Charset string
}

func isUTF8Compatible(cs string) bool {
	switch strings.ToLower(cs) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

// Decode converts e to UTF-8.
func (e Encoded) Decode() (string, error) {
	if isUTF8Compatible(e.Charset) {
		return string(e.Data), nil
	}
	r, err := charset.Reader(e.Charset, bytes.NewReader(e.Data))
	if err != nil {
		return "", fmt.Errorf("document: %w", err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("document: decode %s: %w", e.Charset, err)
	}
	return string(b), nil
}

// Encode converts the UTF-8 text to charset cs. Runes that cs cannot represent get replaced.
//
// The returned Charset can differ from cs: us-ascii becomes utf-8 when text is valid UTF-8
// but not ASCII, an unknown charset becomes utf-8. Undeclared 8-bit bytes that are not UTF-8
// keep the declared charset.
func Encode(text, cs string) Encoded {
	if isUTF8Compatible(cs) {
		if !isASCII(text) && !strings.HasPrefix(strings.ToLower(cs), "utf") && utf8.ValidString(text) {
			cs = "utf-8"
		}
		return Encoded{Data: []byte(text), Charset: cs}
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return Encoded{Data: []byte(text), Charset: "utf-8"}
	}
	s, err := encoding.ReplaceUnsupported(enc.NewEncoder()).String(text)
	if err != nil {
		return Encoded{Data: []byte(text), Charset: "utf-8"}
	}
	return Encoded{Data: []byte(s), Charset: cs}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func is7bit(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf || c == 0 {
			return false
		}
	}
	return true
}

// RawText returns the transfer-decoded body of leaf p together with its declared charset.
func RawText(p *Part) (Encoded, error) {
	_, params, err := p.ContentType()
	if err != nil {
		return Encoded{}, err
	}
	var r io.Reader = bytes.NewReader(p.body)
	switch cte := p.TransferEncoding(); cte {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "7bit", "8bit", "binary":
	default:
		return Encoded{}, fmt.Errorf("document: unknown transfer encoding %q", cte)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return Encoded{}, fmt.Errorf("document: transfer decode: %w", err)
	}
	return Encoded{Data: b, Charset: params["charset"]}, nil
}

// DecodeBody returns the body of leaf p as UTF-8 text.
func DecodeBody(p *Part) (string, error) {
	e, err := RawText(p)
	if err != nil {
		return "", err
	}
	return e.Decode()
}

// EncodeBody replaces the body of leaf p with text.
//
// text gets converted to the charset of p and encoded with the transfer encoding of p.
// A part without transfer encoding that now needs 8 bits gets declared as 8bit.
// When the charset had to change (see [Encode]) the Content-Type header gets updated.
// EncodeBody is a no-op when text equals the current decoded body.
func EncodeBody(p *Part, text string) error {
	if current, err := DecodeBody(p); err == nil && current == text {
		return nil
	}
	t, params, err := p.ContentType()
	if err != nil {
		return err
	}
	declared := params["charset"]
	e := Encode(text, declared)
	if !strings.EqualFold(e.Charset, declared) {
		if params == nil {
			params = map[string]string{}
		}
		params["charset"] = e.Charset
		p.SetContentType(t, params)
	}
	eol := EOL(string(p.body))
	switch cte := p.TransferEncoding(); cte {
	case "quoted-printable":
		p.body = QuotedPrintable(e.Data)
	case "base64":
		p.body = wrapBase64(e.Data, eol)
	default:
		if cte == "7bit" && !is7bit(e.Data) {
			p.Set("Content-Transfer-Encoding", "8bit")
		}
		p.body = e.Data
	}
	return nil
}

const base64LineLen = 76

func wrapBase64(data []byte, eol string) []byte {
	enc := base64.StdEncoding.EncodeToString(data)
	var buf bytes.Buffer
	for len(enc) > base64LineLen {
		buf.WriteString(enc[:base64LineLen])
		buf.WriteString(eol)
		enc = enc[base64LineLen:]
	}
	buf.WriteString(enc)
	buf.WriteString(eol)
	return buf.Bytes()
}

// EOL returns "\r\n" when s contains a CRLF line break, otherwise "\n".
func EOL(s string) string {
	if strings.Contains(s, "\r\n") {
		return "\r\n"
	}
	return "\n"
}

// QuotedPrintable encodes data as quoted-printable.
func QuotedPrintable(data []byte) []byte {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}
