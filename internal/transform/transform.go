// Package transform turns raw page records from the document store into
// search-ready documents: decompression, charset decoding, title parsing,
// text extraction and field validation.
package transform

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/ianaindex"

	"hyphetext/internal/extract"
	"hyphetext/internal/model"
)

// EncodingFallback is recorded on documents whose declared encoding could
// not be applied and whose body was re-decoded as UTF-8 with replacement.
const EncodingFallback = "UTF8-replace"

// Document is a search-ready page document. ID is the index document id
// and is not part of the indexed fields.
type Document struct {
	ID     string
	Fields map[string]interface{}
}

// DocID computes the idempotency key of a page: the md5 hex digest of its
// URL. Repeated indexing of the same URL upserts, never duplicates.
func DocID(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Prefixes derives the set of LRU stem prefixes of a page, one per stem
// level, each ending in "|".
func Prefixes(lru string) []string {
	stems := strings.Split(strings.TrimRight(lru, "|"), "|")
	prefixes := make([]string, 0, len(stems))
	for i := range stems {
		prefixes = append(prefixes, strings.Join(stems[:i+1], "|")+"|")
	}
	return prefixes
}

// BatchUUID computes the lease identifier of a batch: the md5 hex digest
// of the "|"-joined page ids.
func BatchUUID(ids []string) string {
	sum := md5.Sum([]byte(strings.Join(ids, "|")))
	return hex.EncodeToString(sum[:])
}

// Transformer applies the configured extractors to page records.
type Transformer struct {
	registry *extract.Registry
	logger   *slog.Logger
	now      func() time.Time
}

func New(registry *extract.Registry, logger *slog.Logger) *Transformer {
	return &Transformer{
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Page transforms one page record into a document ready for bulk upsert.
// A non-nil error is a reject reason destined for text_indexation_error;
// rejected pages are marked ERROR by the caller and never reach the index.
func (t *Transformer) Page(page model.Page, methods []string) (*Document, error) {
	doc := &Document{
		ID: DocID(page.URL),
		Fields: map[string]interface{}{
			"url":          page.URL,
			"lru":          page.Lru,
			"prefixes":     Prefixes(page.Lru),
			"HTTP_status":  page.Status,
			"crawlDate":    time.UnixMilli(page.Timestamp),
			"webentity_id": page.WebentityWhenCrawled,
		},
	}

	body, err := decompress(page.Body)
	if err != nil {
		return nil, fmt.Errorf("decompress: %v", err)
	}

	html, encoding := decode(body, page.Encoding)
	doc.Fields["encoding"] = encoding

	// First <title> of the parsed HTML; null when parsing fails.
	doc.Fields["title"] = nil
	if parsed, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		if title := parsed.Find("title").First(); title.Length() > 0 {
			doc.Fields["title"] = title.Text()
		}
	}

	for _, method := range methods {
		res := t.registry.Run(method, html, encoding)
		doc.Fields[method] = nullable(res.Text)
		if method == extract.MethodTrafilatura {
			// A non-empty trafilatura title overrides the HTML one.
			if res.Title != "" {
				doc.Fields["title"] = res.Title
			}
			doc.Fields["trafilaturaDate"] = nullable(res.Date)
			doc.Fields["trafilaturaAuthor"] = nullable(res.Author)
			doc.Fields["trafilaturaComments"] = nullable(res.Comments)
		}
	}

	doc.Fields["indexDate"] = t.now()

	if field, ok := invalidField(doc.Fields); ok {
		t.logger.Warn("page has an encoding error, declaring it as error before indexing",
			"url", page.URL, "field", field)
		return nil, fmt.Errorf("UnicodeEncodeError: field %s is not valid UTF-8", field)
	}
	return doc, nil
}

// decompress inflates the zlib-compressed page body.
func decompress(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// decode applies the declared encoding; any failure falls back to UTF-8
// with replacement and reports the EncodingFallback marker.
func decode(body []byte, declared string) (string, string) {
	switch strings.ToLower(declared) {
	case "utf-8", "utf8":
		if utf8.Valid(body) {
			return string(body), declared
		}
	case "":
	default:
		if enc, err := ianaindex.IANA.Encoding(declared); err == nil && enc != nil {
			if decoded, err := enc.NewDecoder().Bytes(body); err == nil {
				return string(decoded), declared
			}
		}
	}
	return string(bytes.ToValidUTF8(body, []byte("�"))), EncodingFallback
}

// invalidField returns the first string field that is not valid UTF-8.
// The search cluster rejects such documents wholesale, so they are caught
// here and the page is rejected instead.
func invalidField(fields map[string]interface{}) (string, bool) {
	for k, v := range fields {
		if s, ok := v.(string); ok && !utf8.ValidString(s) {
			return k, true
		}
	}
	return "", false
}

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
