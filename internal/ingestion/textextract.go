package ingestion

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/anubissbe/JarvisAI/internal/platform/docai"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
)

// TextSource produces plain text from uploaded bytes. The provider return
// value names what did the work ("native" or "docai").
type TextSource interface {
	Extract(ctx context.Context, name, mimeType string, data []byte) (text string, provider string, err error)
}

// TextExtractor is the default TextSource. Native extraction covers
// text-like content; when a Document AI processor is configured it
// handles PDFs and office formats, with native extraction as fallback.
type TextExtractor struct {
	log   *logger.Logger
	docAI docai.Extractor
}

// NewTextExtractor builds a TextExtractor. docAI may be nil; PDFs and
// office files are then limited to what native extraction can recover.
func NewTextExtractor(baseLog *logger.Logger, docAI docai.Extractor) *TextExtractor {
	return &TextExtractor{log: baseLog.With("service", "TextExtractor"), docAI: docAI}
}

func (x *TextExtractor) Extract(ctx context.Context, name, mimeType string, data []byte) (string, string, error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("empty file %q", name)
	}
	kind := classifyKind(name, mimeType, data)

	switch kind {
	case kindMedia:
		return "", "", fmt.Errorf("unsupported content: %q is audio/video/image (mime=%q)", name, mimeType)
	case kindPDF, kindDocx, kindPptx:
		if x.docAI != nil {
			text, err := x.docAI.ExtractText(ctx, data, docAIMimeType(kind, mimeType))
			if err == nil && strings.TrimSpace(text) != "" {
				return sanitizeText(text), "docai", nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return "", "", err
				}
				x.log.Warn("Document AI extraction failed, trying native", "name", name, "kind", kind, "error", err)
			}
		}
	}

	text, err := extractNativeText(name, mimeType, data)
	if err != nil {
		return "", "", err
	}
	text = sanitizeText(text)
	if text == "" {
		return "", "", fmt.Errorf("no extractable text in %q (mime=%q)", name, mimeType)
	}
	return text, "native", nil
}

const (
	kindText    = "text"
	kindPDF     = "pdf"
	kindDocx    = "docx"
	kindPptx    = "pptx"
	kindMedia   = "media"
	kindUnknown = "unknown"
)

func classifyKind(name, mime string, head []byte) string {
	m := strings.ToLower(strings.TrimSpace(mime))
	ext := strings.ToLower(filepath.Ext(name))

	if strings.HasPrefix(m, "video/") || strings.HasPrefix(m, "audio/") || strings.HasPrefix(m, "image/") {
		return kindMedia
	}
	switch ext {
	case ".mp4", ".mov", ".webm", ".mkv", ".mp3", ".wav", ".m4a", ".flac", ".ogg", ".opus", ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return kindMedia
	}
	if m == "application/pdf" || ext == ".pdf" || isPDFHeader(head) {
		return kindPDF
	}
	if ext == ".docx" || strings.Contains(m, "wordprocessingml") {
		return kindDocx
	}
	if ext == ".pptx" || strings.Contains(m, "presentationml") {
		return kindPptx
	}
	if strings.HasPrefix(m, "text/") || m == "application/json" || m == "application/xml" {
		return kindText
	}
	switch ext {
	case ".txt", ".md", ".markdown", ".csv", ".log", ".json", ".yaml", ".yml", ".xml", ".html", ".htm",
		".go", ".py", ".js", ".ts", ".java", ".c", ".h", ".cpp", ".rs", ".rb", ".sh", ".sql", ".toml", ".ini":
		return kindText
	}
	return kindUnknown
}

func isPDFHeader(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

func docAIMimeType(kind, mime string) string {
	if m := strings.TrimSpace(mime); m != "" {
		return m
	}
	switch kind {
	case kindDocx:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case kindPptx:
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	default:
		return "application/pdf"
	}
}

var htmlTagRE = regexp.MustCompile(`(?s)<[^>]*>`)

// extractNativeText returns the file content as-is for text-like files
// (markup stripped for HTML). Anything else is accepted only when it
// already looks like text, so binary uploads fail here instead of
// polluting the index with garbage.
func extractNativeText(name, mime string, data []byte) (string, error) {
	m := strings.ToLower(strings.TrimSpace(mime))
	ext := strings.ToLower(filepath.Ext(name))

	if classifyKind(name, mime, data) == kindText {
		s := string(data)
		if m == "text/html" || ext == ".html" || ext == ".htm" {
			s = htmlTagRE.ReplaceAllString(s, " ")
		}
		return s, nil
	}

	printable := 0
	total := 0
	for _, r := range string(data) {
		total++
		if r == '\n' || r == '\r' || r == '\t' || r == ' ' {
			printable++
			continue
		}
		if r >= 32 && r != 127 {
			printable++
		}
	}
	if total > 0 && float64(printable)/float64(total) > 0.90 {
		return string(data), nil
	}
	return "", fmt.Errorf("no text layer in %q (mime=%q ext=%q)", name, mime, ext)
}

// sanitizeText trims and repairs invalid UTF-8 so downstream JSON and
// Cypher payloads never carry broken sequences.
func sanitizeText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, " ")
}
