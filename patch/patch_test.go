package patch

import (
	"testing"

	"github.com/d--j/go-disclaimr/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitHeaderBody(t *testing.T) {
	tests := []struct {
		name       string
		msg        string
		wantHeader string
		wantBody   string
	}{
		{"crlf", "A: b\r\nC: d\r\n\r\nbody\r\n\r\nmore", "A: b\r\nC: d\r\n", "body\r\n\r\nmore"},
		{"lf", "A: b\n\nbody\n\nmore", "A: b\n", "body\n\nmore"},
		{"mixed crlf first", "A: b\r\n\r\nbody\n\nmore", "A: b\r\n", "body\n\nmore"},
		{"mixed lf first", "A: b\n\nbody\r\n\r\nmore", "A: b\n", "body\r\n\r\nmore"},
		{"no header crlf", "\r\nTestmail\r\n\r\nmore", "", "Testmail\r\n\r\nmore"},
		{"no header lf", "\nTestmail", "", "Testmail"},
		{"no body", "A: b\r\n", "A: b\r\n", ""},
		{"empty body", "A: b\r\n\r\n", "A: b\r\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, b := SplitHeaderBody([]byte(tt.msg))
			assert.Equal(t, tt.wantHeader, string(h))
			assert.Equal(t, tt.wantBody, string(b))
		})
	}
}

func parse(t *testing.T, raw string) *document.Part {
	t.Helper()
	p, err := document.Parse([]byte(raw))
	require.NoError(t, err)
	return p
}

func TestDiffUnchanged(t *testing.T) {
	orig := parse(t, "Subject: a\r\n\r\nbody")
	p, err := Diff(orig, orig.Clone())
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.True(t, p.Empty())
}

func TestDiffBody(t *testing.T) {
	orig := parse(t, "Subject: a\r\n\r\nTestmail")
	mutated := orig.Clone()
	mutated.SetBody([]byte("Testmail\nTest-Disclaimer"))
	p, err := Diff(orig, mutated)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, p.Empty())
	assert.Empty(t, p.AddHeaders)
	assert.Empty(t, p.ChangeHeaders)
	assert.Empty(t, p.DeleteHeaders)
	assert.Equal(t, "Testmail\nTest-Disclaimer", string(p.Body))
}

func TestDiffNoHeader(t *testing.T) {
	orig := parse(t, "\r\nTestmail")
	mutated := orig.Clone()
	mutated.SetBody([]byte("Testmail\nTest-Disclaimer"))
	p, err := Diff(orig, mutated)
	require.NoError(t, err)
	assert.Equal(t, "Testmail\nTest-Disclaimer", string(p.Body))
}

func TestDiffHeaders(t *testing.T) {
	orig := parse(t, "Subject: a\r\nX-Remove: 1\r\ncontent-transfer-encoding: 7bit\r\nReceived: one\r\nReceived: two\r\n\r\nbody")
	mutated := orig.Clone()
	mutated.Set("Subject", "b")
	mutated.Del("X-Remove")
	mutated.Set("Content-Transfer-Encoding", "8bit")
	mutated.Set("X-New", "new")
	p, err := Diff(orig, mutated)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-New": "new"}, p.AddHeaders)
	assert.Equal(t, map[string]string{"Subject": "b", "Content-Transfer-Encoding": "8bit"}, p.ChangeHeaders)
	assert.Equal(t, []string{"X-Remove"}, p.DeleteHeaders)
	assert.Equal(t, "body", string(p.Body))
}
