package document

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

type storageFake struct {
	files map[string][]byte
}

func (s *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.files[key] = raw
	return nil
}

func (s *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	raw, ok := s.files[key]
	if !ok {
		return nil, errors.New("missing object")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func newExtractor(files map[string]string) *Extractor {
	storage := &storageFake{files: map[string][]byte{}}
	for key, body := range files {
		storage.files[key] = []byte(body)
	}
	return NewExtractor(storage)
}

func TestExtractPlainText(t *testing.T) {
	extractor := newExtractor(map[string]string{"proposals/p1/00_memo.txt": "  ARR grew 3x  \n"})

	text, err := extractor.Extract(context.Background(), domain.Attachment{
		Filename: "memo.txt", MimeType: "text/plain", StorageKey: "proposals/p1/00_memo.txt",
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if text != "ARR grew 3x" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExtractHTMLAttachment(t *testing.T) {
	extractor := newExtractor(map[string]string{
		"k": `<html><head><style>p{}</style></head><body><h1>Acme</h1><p>Seed   round</p><script>x()</script></body></html>`,
	})

	text, err := extractor.Extract(context.Background(), domain.Attachment{Filename: "update.html", StorageKey: "k"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if text != "Acme\nSeed round" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExtractRejectsBinary(t *testing.T) {
	extractor := newExtractor(map[string]string{"k": string([]byte{0xff, 0xfe, 0x00, 0x81})})

	_, err := extractor.Extract(context.Background(), domain.Attachment{Filename: "blob.bin", StorageKey: "k"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestExtractReportsMalformedPDF(t *testing.T) {
	extractor := newExtractor(map[string]string{"k": "%PDF-1.4 truncated"})

	if _, err := extractor.Extract(context.Background(), domain.Attachment{Filename: "deck.pdf", StorageKey: "k"}); err == nil {
		t.Fatal("expected pdf error")
	}
}

func TestExtractEnforcesSizeLimit(t *testing.T) {
	extractor := newExtractor(map[string]string{"k": strings.Repeat("a", 16)})
	extractor.maxBytes = 8

	if _, err := extractor.Extract(context.Background(), domain.Attachment{Filename: "a.txt", StorageKey: "k"}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestExtractMissingObject(t *testing.T) {
	if _, err := newExtractor(nil).Extract(context.Background(), domain.Attachment{StorageKey: "nope"}); err == nil {
		t.Fatal("expected open error")
	}
}

func TestLooksLikeHTML(t *testing.T) {
	if !LooksLikeHTML("<div>Hi</div>") || LooksLikeHTML("plain 3 < 4 text") {
		t.Fatal("unexpected html detection")
	}
}
