package transform

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var bodyContext = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}

// renderFragment parses s as content of a body element and renders it back.
// This balances unclosed tags so that the fragment cannot break the surrounding document.
func renderFragment(s string) string {
	nodes, err := html.ParseFragment(strings.NewReader(s), bodyContext)
	if err != nil {
		return s
	}
	var buf bytes.Buffer
	for _, n := range nodes {
		if err := html.Render(&buf, n); err != nil {
			return s
		}
	}
	return buf.String()
}

// closingBodyOffset returns the byte offset of the last </body> tag in doc or -1.
func closingBodyOffset(doc string) int {
	z := html.NewTokenizer(strings.NewReader(doc))
	offset, found := 0, -1
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				return -1
			}
			return found
		}
		raw := len(z.Raw())
		if tt == html.EndTagToken {
			if name, _ := z.TagName(); string(name) == "body" {
				found = offset
			}
		}
		offset += raw
	}
}

// insertHTML inserts fragment in front of the closing body tag of doc. Without body tag fragment gets appended.
func insertHTML(doc, fragment string) string {
	i := closingBodyOffset(doc)
	if i < 0 {
		return doc + fragment
	}
	return doc[:i] + fragment + doc[i:]
}
