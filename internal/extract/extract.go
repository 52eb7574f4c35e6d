// Package extract dispatches decoded HTML to the named text extractors.
// An extractor failure never fails the page: the registry catches errors
// and panics and yields null fields for that extractor.
package extract

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	trafilatura "github.com/markusmobius/go-trafilatura"
	"github.com/rs/zerolog"
)

// Known extractor names. The index field of a document is named after the
// extractor that produced it.
const (
	MethodTextify     = "textify"
	MethodDragnet     = "dragnet"
	MethodTrafilatura = "trafilatura"
)

var knownMethods = map[string]struct{}{
	MethodTextify:     {},
	MethodDragnet:     {},
	MethodTrafilatura: {},
}

// KnownMethod reports whether name is one of the supported extractors.
func KnownMethod(name string) bool {
	_, ok := knownMethods[name]
	return ok
}

// Result is what one extractor returns for one page. Only trafilatura
// populates the non-text fields.
type Result struct {
	Text     *string
	Title    string
	Date     *string
	Author   *string
	Comments *string
}

// Extractor converts decoded HTML into readable text.
type Extractor interface {
	Name() string
	Extract(html, encoding string) (*Result, error)
}

// Registry maps extractor names to implementations.
type Registry struct {
	extractors map[string]Extractor
	logger     *slog.Logger
}

// NewRegistry builds a registry with the three supported extractors.
// Trafilatura's internals log through zerolog; keep them below warnings so
// the shared log file only carries this service's records.
func NewRegistry(logger *slog.Logger) *Registry {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	r := &Registry{
		extractors: make(map[string]Extractor),
		logger:     logger,
	}
	for _, e := range []Extractor{
		textifyExtractor{},
		dragnetExtractor{},
		trafilaturaExtractor{},
	} {
		r.extractors[e.Name()] = e
	}
	return r
}

// Run executes the named extractor, recovering from errors and panics.
// A failed extraction returns a Result with all fields null.
func (r *Registry) Run(name, html, encoding string) (res *Result) {
	e, ok := r.extractors[name]
	if !ok {
		r.logger.Warn("unknown extraction method", "method", name)
		return &Result{}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("extractor panicked", "method", name, "panic", fmt.Sprint(p))
			res = &Result{}
		}
	}()

	res, err := e.Extract(html, encoding)
	if err != nil {
		r.logger.Error("extractor failed", "method", name, "error", err)
		return &Result{}
	}
	return res
}

// ResolveMethods returns the effective extractor list and default extractor
// for a corpus. Unknown names in the configured list are dropped with a
// warning. An unknown default falls back to the first remaining method; a
// known default missing from the list is appended to it.
func ResolveMethods(methods []string, def string, logger *slog.Logger) ([]string, string) {
	resolved := make([]string, 0, len(methods))
	for _, m := range methods {
		if !KnownMethod(m) {
			logger.Warn("ignoring unknown extraction method", "method", m)
			continue
		}
		resolved = append(resolved, m)
	}

	if !KnownMethod(def) {
		logger.Warn("unknown default extraction method", "method", def)
		if len(resolved) > 0 {
			logger.Info("using first configured method instead", "method", resolved[0])
			def = resolved[0]
		}
		return resolved, def
	}

	for _, m := range resolved {
		if m == def {
			return resolved, def
		}
	}
	logger.Warn(fmt.Sprintf("Default extraction method %s was not in extraction methods in config. Adding it.", def))
	return append(resolved, def), def
}

// textifyExtractor converts HTML to markdown-flavored plain text. It falls
// back to the bare document text when the conversion fails.
type textifyExtractor struct{}

func (textifyExtractor) Name() string { return MethodTextify }

func (textifyExtractor) Extract(html, _ string) (*Result, error) {
	converter := htmlmd.NewConverter("", true, nil)
	text, err := converter.ConvertString(html)
	if err != nil {
		doc, docErr := goquery.NewDocumentFromReader(strings.NewReader(html))
		if docErr != nil {
			return nil, err
		}
		text = doc.Text()
	}
	return &Result{Text: &text}, nil
}

// dragnetExtractor extracts the main readable content using readability.
type dragnetExtractor struct{}

func (dragnetExtractor) Name() string { return MethodDragnet }

func (dragnetExtractor) Extract(html, _ string) (*Result, error) {
	article, err := readability.FromReader(strings.NewReader(html), &url.URL{Scheme: "http", Host: "localhost"})
	if err != nil {
		return nil, err
	}
	text := article.TextContent
	return &Result{Text: &text}, nil
}

// trafilaturaExtractor extracts text plus title, date, author and comments.
type trafilaturaExtractor struct{}

func (trafilaturaExtractor) Name() string { return MethodTrafilatura }

func (trafilaturaExtractor) Extract(html, _ string) (*Result, error) {
	extracted, err := trafilatura.Extract(strings.NewReader(html), trafilatura.Options{})
	if err != nil {
		return nil, err
	}
	if extracted == nil {
		return &Result{}, nil
	}

	res := &Result{Title: extracted.Metadata.Title}
	if extracted.ContentText != "" {
		text := extracted.ContentText
		res.Text = &text
	}
	if !extracted.Metadata.Date.IsZero() {
		date := extracted.Metadata.Date.Format(time.DateOnly)
		res.Date = &date
	}
	if extracted.Metadata.Author != "" {
		author := extracted.Metadata.Author
		res.Author = &author
	}
	if extracted.CommentsText != "" {
		comments := extracted.CommentsText
		res.Comments = &comments
	}
	return res, nil
}
