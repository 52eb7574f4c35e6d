package extract

import (
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKnownMethod(t *testing.T) {
	for _, m := range []string{MethodTextify, MethodDragnet, MethodTrafilatura} {
		if !KnownMethod(m) {
			t.Fatalf("%s should be known", m)
		}
	}
	if KnownMethod("boilerpipe") {
		t.Fatalf("boilerpipe should not be known")
	}
}

func TestTextifyExtract(t *testing.T) {
	res, err := textifyExtractor{}.Extract("<html><body><p>Hello <b>world</b></p></body></html>", "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Text == nil || !strings.Contains(*res.Text, "Hello") || !strings.Contains(*res.Text, "world") {
		t.Fatalf("textify result = %v", res.Text)
	}
}

func TestRunUnknownMethodYieldsEmptyResult(t *testing.T) {
	r := NewRegistry(discardLogger())
	res := r.Run("boilerpipe", "<html></html>", "")
	if res == nil || res.Text != nil {
		t.Fatalf("unknown method should yield an empty result, got %+v", res)
	}
}

func TestResolveMethodsUnknownDefault(t *testing.T) {
	methods, def := ResolveMethods([]string{MethodTextify, MethodDragnet}, "boilerpipe", discardLogger())
	if def != MethodTextify {
		t.Fatalf("default = %q, want %q", def, MethodTextify)
	}
	if !reflect.DeepEqual(methods, []string{MethodTextify, MethodDragnet}) {
		t.Fatalf("methods = %v", methods)
	}
}

func TestResolveMethodsAppendsMissingDefault(t *testing.T) {
	methods, def := ResolveMethods([]string{MethodTextify}, MethodTrafilatura, discardLogger())
	if def != MethodTrafilatura {
		t.Fatalf("default = %q", def)
	}
	if !reflect.DeepEqual(methods, []string{MethodTextify, MethodTrafilatura}) {
		t.Fatalf("methods = %v", methods)
	}
}

func TestResolveMethodsDropsUnknownEntries(t *testing.T) {
	methods, def := ResolveMethods([]string{MethodTextify, "boilerpipe", MethodDragnet}, MethodDragnet, discardLogger())
	if !reflect.DeepEqual(methods, []string{MethodTextify, MethodDragnet}) {
		t.Fatalf("methods = %v", methods)
	}
	if def != MethodDragnet {
		t.Fatalf("default = %q", def)
	}
}

func TestResolveMethodsDefaultAlreadyListed(t *testing.T) {
	methods, def := ResolveMethods([]string{MethodTextify, MethodDragnet}, MethodDragnet, discardLogger())
	if def != MethodDragnet {
		t.Fatalf("default = %q", def)
	}
	if !reflect.DeepEqual(methods, []string{MethodTextify, MethodDragnet}) {
		t.Fatalf("methods = %v", methods)
	}
}
