package transform

import (
	"strings"

	"github.com/d--j/go-disclaimr/document"
	"github.com/d--j/go-disclaimr/model"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// addPart wraps p into a multipart/mixed container that holds p as message/rfc822 and the disclaimer as second part.
func (a *applier) addPart(p *document.Part, mediaType string) error {
	d := a.job.Disclaimer
	isHTML := mediaType == "text/html" || (mediaType != "text/plain" && d.UseHTMLFallback)
	text, err := a.disclaimer(isHTML)
	if err != nil {
		return err
	}
	cs := d.TextCharset
	contentType := "text/plain"
	if isHTML {
		contentType = "text/html"
		if !d.HTMLUseText {
			cs = d.HTMLCharset
		}
	}
	if cs == "" {
		cs = model.DefaultCharset
	}
	enc := document.Encode(text, cs)

	dh := message.Header{}
	dh.SetContentType(contentType, map[string]string{"charset": enc.Charset})
	dh.Set("Content-Disposition", "inline")
	body := enc.Data
	if is7bitClean(body) {
		dh.Set("Content-Transfer-Encoding", "7bit")
	} else {
		dh.Set("Content-Transfer-Encoding", "quoted-printable")
		body = document.QuotedPrintable(body)
	}

	original := p.Bytes()
	oh := message.Header{}
	oh.SetContentType("message/rfc822", nil)
	if !is7bitClean(original) {
		oh.Set("Content-Transfer-Encoding", "8bit")
	}

	boundary := uuid.NewString()
	ch := message.Header{Header: containerHeader(p)}
	ch.SetContentType("multipart/mixed", map[string]string{"boundary": boundary})
	if v := p.Get("MIME-Version"); v != "" {
		ch.Set("MIME-Version", v)
	}

	p.ReplaceWith(document.NewMultipart(ch.Header, boundary,
		document.NewLeaf(oh.Header, original),
		document.NewLeaf(dh.Header, body),
	))
	return nil
}

// containerHeader returns the header of p without the MIME related fields.
func containerHeader(p *document.Part) textproto.Header {
	h := p.Header()
	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if strings.HasPrefix(key, "content-") || key == "mime-version" {
			fields.Del()
		}
	}
	return h
}

func is7bitClean(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 || c == 0 {
			return false
		}
	}
	return true
}
