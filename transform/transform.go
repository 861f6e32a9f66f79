// Package transform applies disclaimer actions to MIME trees.
package transform

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/d--j/go-disclaimr/document"
	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/d--j/go-disclaimr/model"
	"github.com/d--j/go-disclaimr/template"
	"golang.org/x/net/html"
)

var (
	// ErrActionAborted is returned when an action could not be carried out (e.g. unresolvable template tags).
	// The message must be left as it was before the action.
	ErrActionAborted = errors.New("transform: action aborted")
	// ErrInvalidAction is returned for actions that are misconfigured.
	ErrInvalidAction = errors.New("transform: invalid action")
)

// ResolveFunc returns the directory attributes of the envelope sender.
type ResolveFunc func(ctx context.Context) (map[string]string, error)

// Job is everything [Apply] needs to know to carry out one action.
type Job struct {
	Action     *model.Action
	Disclaimer *model.Disclaimer
	Sender     string
	Recipient  string
	// Headers maps lower-cased header names to their values.
	Headers map[string]string
	// Resolve gets called at most once and only when the action resolves the sender. Can be nil.
	Resolve ResolveFunc
	// Compile compiles the tag pattern of [model.ActionReplaceTag]. Defaults to [regexp.Compile].
	Compile func(expr string) (*regexp.Regexp, error)
}

// Apply carries out job on a copy of root and returns the modified copy. root itself is never modified.
//
// When the action gets aborted Apply returns an error wrapping [ErrActionAborted].
// A misconfigured action results in an error wrapping [ErrInvalidAction].
func Apply(ctx context.Context, root *document.Part, job Job) (*document.Part, error) {
	if job.Action == nil || job.Disclaimer == nil {
		return nil, fmt.Errorf("%w: action or disclaimer missing", ErrInvalidAction)
	}
	a := &applier{ctx: ctx, job: job, rendered: map[bool]string{}}
	switch job.Action.Kind {
	case model.ActionReplaceTag:
		if job.Action.Parameters == "" {
			return nil, fmt.Errorf("%w: action %d has no tag pattern", ErrInvalidAction, job.Action.ID)
		}
		compile := job.Compile
		if compile == nil {
			compile = regexp.Compile
		}
		re, err := compile(job.Action.Parameters)
		if err != nil {
			return nil, fmt.Errorf("%w: action %d: %w", ErrInvalidAction, job.Action.ID, err)
		}
		a.tag = re
	case model.ActionAdd, model.ActionAddPart:
	default:
		return nil, fmt.Errorf("%w: action %d has unknown kind %s", ErrInvalidAction, job.Action.ID, job.Action.Kind)
	}
	out := root.Clone()
	if err := out.Walk(a.leaf); err != nil {
		return nil, err
	}
	return out, nil
}

type applier struct {
	ctx context.Context
	job Job
	tag *regexp.Regexp

	templateCtx *template.Context
	// rendered caches the disclaimer text by "is HTML"
	rendered map[bool]string
}

func (a *applier) leaf(p *document.Part) error {
	mediaType, _, err := p.ContentType()
	if err != nil {
		log.DebugContext(a.ctx).Err(err).Msg("unsupported content type")
		mediaType = ""
	}
	action := a.job.Action
	if action.OnlyMIME != "" && !strings.EqualFold(action.OnlyMIME, mediaType) {
		log.DebugContext(a.ctx).Str("content_type", mediaType).Str("only_mime", action.OnlyMIME).Msg("skipping part")
		return nil
	}
	if action.Kind == model.ActionAddPart {
		return a.addPart(p, mediaType)
	}
	if mediaType != "text/plain" && mediaType != "text/html" {
		log.DebugContext(a.ctx).Str("content_type", mediaType).Stringer("action", action.Kind).Msg("skipping unsupported part")
		return nil
	}
	isHTML := mediaType == "text/html"
	disclaimer, err := a.disclaimer(isHTML)
	if err != nil {
		return err
	}
	text, err := document.DecodeBody(p)
	if err != nil {
		log.DebugContext(a.ctx).Err(err).Msg("skipping undecodable part")
		return nil
	}
	var changed string
	switch action.Kind {
	case model.ActionAdd:
		if isHTML {
			changed = insertHTML(text, renderFragment(disclaimer))
		} else {
			eol := document.EOL(text)
			changed = text + eol + normalizeEOL(disclaimer, eol)
		}
	case model.ActionReplaceTag:
		if isHTML {
			disclaimer = renderFragment(disclaimer)
		}
		changed = a.tag.ReplaceAllLiteralString(text, disclaimer)
	}
	if changed == text {
		return nil
	}
	return document.EncodeBody(p, changed)
}

// disclaimer returns the (template resolved) disclaimer text for a text or HTML part.
func (a *applier) disclaimer(isHTML bool) (string, error) {
	if s, ok := a.rendered[isHTML]; ok {
		return s, nil
	}
	d := a.job.Disclaimer
	src, useTemplate, escape := d.HTML, d.HTMLUseTemplate, isHTML
	if !isHTML || d.HTMLUseText {
		// derived HTML gets escaped as a whole after the tags are resolved
		src, useTemplate, escape = d.Text, d.TextUseTemplate, false
	}
	if useTemplate && template.HasTags(src) {
		tctx, err := a.templateContext()
		if err != nil {
			return "", err
		}
		opts := template.Options{
			Strict: d.TemplateFail,
			OnUnresolved: func(tag string) {
				log.InfoContext(a.ctx).Str("tag", tag).Int64("disclaimer", d.ID).Msg("cannot resolve template tag")
			},
		}
		if escape {
			opts.Escape = html.EscapeString
		}
		resolved, err := template.Resolve(src, tctx, opts)
		if err != nil {
			log.WarnContext(a.ctx).Err(err).Int64("action", a.job.Action.ID).Msg("skipping action")
			return "", fmt.Errorf("%w: %w", ErrActionAborted, err)
		}
		src = resolved
	}
	if isHTML && d.HTMLUseText {
		src = TextToHTML(src)
	}
	a.rendered[isHTML] = src
	return src, nil
}

func (a *applier) templateContext() (*template.Context, error) {
	if a.templateCtx != nil {
		return a.templateCtx, nil
	}
	tctx := &template.Context{
		Sender:    a.job.Sender,
		Recipient: a.job.Recipient,
		Header:    a.job.Headers,
		Resolver:  map[string]string{},
	}
	if a.job.Action.ResolveSender && a.job.Resolve != nil {
		attrs, err := a.job.Resolve(a.ctx)
		if err != nil {
			log.WarnContext(a.ctx).Err(err).Str("sender", a.job.Sender).Int64("action", a.job.Action.ID).Msg("skipping action")
			return nil, fmt.Errorf("%w: %w", ErrActionAborted, err)
		}
		if attrs != nil {
			tctx.Resolver = attrs
		}
	}
	a.templateCtx = tctx
	return tctx, nil
}

// TextToHTML converts a plain text disclaimer into HTML.
func TextToHTML(text string) string {
	s := html.EscapeString(text)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "<br/>")
}

func normalizeEOL(s, eol string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if eol == "\n" {
		return s
	}
	return strings.ReplaceAll(s, "\n", eol)
}
