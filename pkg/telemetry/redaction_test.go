package telemetry

import (
	"image"
	"strings"
	"testing"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/polis-vision/pkg/domain"
)

func TestValueAttributesSummarisesAndRedacts(t *testing.T) {
	values := map[string]domain.Value{
		"image":     domain.Image(image.NewGray(image.Rect(0, 0, 4, 3))),
		"threshold": domain.Number(0.5),
		"serial":    domain.Text("SN-0001"),
		"note":      domain.Text(strings.Repeat("x", 100)),
		"enabled":   domain.Bool(true),
	}

	attrs := ValueAttributes("node.input", values, map[string]struct{}{"serial": {}})
	if len(attrs) != len(values) {
		t.Fatalf("expected %d attributes, got %d", len(values), len(attrs))
	}
	if attrs[0].Key != "node.input.enabled" {
		t.Fatalf("expected attributes sorted by name, first was %s", attrs[0].Key)
	}

	set := attribute.NewSet(attrs...)
	if v, ok := set.Value("node.input.image"); !ok || v.AsString() != "image(4x3)" {
		t.Fatalf("expected image summary, got %v", v)
	}
	if v, ok := set.Value("node.input.serial"); !ok || v.AsString() != "[REDACTED]" {
		t.Fatalf("expected serial to be redacted, got %v", v)
	}
	if v, ok := set.Value("node.input.threshold"); !ok || v.AsFloat64() != 0.5 {
		t.Fatalf("expected numeric attribute, got %v", v)
	}
	if v, ok := set.Value("node.input.note"); !ok || len(v.AsString()) != maxTextAttribute+3 {
		t.Fatalf("expected truncated note, got %d chars", len(v.AsString()))
	}
}

func TestValueAttributesEmpty(t *testing.T) {
	if attrs := ValueAttributes("x", nil, nil); attrs != nil {
		t.Fatalf("expected nil attributes, got %v", attrs)
	}
}

func TestValueAttributesTruncatesOnRuneBoundary(t *testing.T) {
	note := strings.Repeat("x", maxTextAttribute-1) + "é" + "tail"
	attrs := ValueAttributes("node.input", map[string]domain.Value{"note": domain.Text(note)}, nil)

	got := attrs[0].Value.AsString()
	if !utf8.ValidString(got) {
		t.Fatalf("truncated attribute is not valid UTF-8: %q", got)
	}
	if want := strings.Repeat("x", maxTextAttribute-1) + "..."; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
