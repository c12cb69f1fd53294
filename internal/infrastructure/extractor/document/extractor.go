package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/core/ports"
)

const defaultMaxBytes = 32 << 20

// Extractor turns stored proposal attachments into plain text for document
// analysis. PDF, HTML and UTF-8 text are supported.
type Extractor struct {
	storage  ports.ObjectStorage
	maxBytes int64
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage, maxBytes: defaultMaxBytes}
}

func (e *Extractor) Extract(ctx context.Context, attachment domain.Attachment) (string, error) {
	reader, err := e.storage.Open(ctx, attachment.StorageKey)
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(io.LimitReader(reader, e.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(raw)) > e.maxBytes {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract attachment",
			fmt.Errorf("%s exceeds %d bytes", attachment.Filename, e.maxBytes))
	}

	switch kindOf(attachment, raw) {
	case kindPDF:
		return pdfText(raw)
	case kindHTML:
		return HTMLToText(string(raw)), nil
	case kindText:
	}

	if !utf8.Valid(raw) {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract attachment",
			fmt.Errorf("unsupported binary format: %s", attachment.Filename))
	}
	return strings.TrimSpace(string(raw)), nil
}

type kind int

const (
	kindText kind = iota
	kindPDF
	kindHTML
)

func kindOf(attachment domain.Attachment, raw []byte) kind {
	mime := strings.ToLower(attachment.MimeType)
	ext := strings.ToLower(filepath.Ext(attachment.Filename))
	switch {
	case bytes.HasPrefix(raw, []byte("%PDF-")), mime == "application/pdf", ext == ".pdf":
		return kindPDF
	case strings.HasPrefix(mime, "text/html"), ext == ".html", ext == ".htm":
		return kindHTML
	default:
		return kindText
	}
}

func pdfText(raw []byte) (text string, err error) {
	// The pdf reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var b bytes.Buffer
	if _, err := b.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", errors.New("pdf has no extractable text")
	}
	return out, nil
}
