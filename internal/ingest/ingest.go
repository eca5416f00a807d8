package ingest

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"covenant/internal/platform/config"
	dErrors "covenant/pkg/domain-errors"
)

// Size classification thresholds. The large classification requires BOTH
// conditions so short but image-heavy files are not misclassified.
const (
	largePageThreshold  = 50
	largeByteThreshold  = 10 * 1024 * 1024
	mediumPageThreshold = 20
	mediumByteThreshold = 5 * 1024 * 1024

	standardTimeout = 30 * time.Second
	mediumTimeout   = 120 * time.Second
	largeTimeout    = 300 * time.Second
)

// Page holds the extracted text of a single page, 1-indexed.
type Page struct {
	Number int
	Text   string
}

// Result is the normalized output of ingestion. ExtractedText is the
// concatenation of the page texts; OCRText is populated only when an OCR
// engine is configured and the density check fires.
type Result struct {
	PageCount       int
	FileSizeBytes   int64
	Pages           []Page
	ExtractedText   string
	NeedsOCR        bool
	OCRText         string
	// OCRQuality is the engine's recognition-quality estimate; 1.0 for
	// born-digital text.
	OCRQuality      float64
	IsLargeDocument bool
	ProcessingTime  time.Duration
}

// OCREngine performs optical recognition on a raw file. Implementations live
// outside this repo; the pipeline only needs the text and a quality estimate.
type OCREngine interface {
	Recognize(ctx context.Context, fileBytes []byte) (text string, quality float64, err error)
}

// Service turns a raw uploaded file into page-indexed text and size-derived
// processing budgets.
type Service struct {
	cfg    config.IngestConfig
	ocr    OCREngine
	logger *slog.Logger
}

type Option func(*Service)

func WithOCREngine(engine OCREngine) Option {
	return func(s *Service) {
		s.ocr = engine
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New constructs an ingest service.
func New(cfg config.IngestConfig, opts ...Option) *Service {
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Ingest normalizes a raw file into page-indexed text, decides whether
// optical recognition is needed, and classifies the document size.
func (s *Service) Ingest(ctx context.Context, fileBytes []byte, fileName string) (*Result, error) {
	start := time.Now()

	if len(fileBytes) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "file is empty")
	}

	pages, err := extractPages(fileBytes, fileName)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "failed to extract text")
	}

	var sb strings.Builder
	for _, p := range pages {
		sb.WriteString(p.Text)
	}
	text := sb.String()

	res := &Result{
		PageCount:       len(pages),
		FileSizeBytes:   int64(len(fileBytes)),
		Pages:           pages,
		ExtractedText:   text,
		NeedsOCR:        s.needsOCR(pages),
		IsLargeDocument: IsLarge(len(pages), int64(len(fileBytes))),
		OCRQuality:      1.0,
	}

	if res.NeedsOCR && s.ocr != nil {
		ocrText, quality, err := s.ocr.Recognize(ctx, fileBytes)
		if err != nil {
			// OCR engines are network services; surface as transient so the
			// orchestrator retries rather than losing the document.
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "ocr failed")
		}
		res.OCRText = ocrText
		res.OCRQuality = quality
		s.logger.InfoContext(ctx, "ocr applied",
			"file_name", fileName,
			"pages", res.PageCount,
			"ocr_quality", quality,
		)
	}

	res.ProcessingTime = time.Since(start)
	return res, nil
}

// needsOCR fires when extracted text density falls below the per-page floor,
// or when a multi-page file carries mostly near-empty pages. Both signal a
// scanned, image-based document.
func (s *Service) needsOCR(pages []Page) bool {
	if len(pages) == 0 {
		return true
	}

	total := 0
	nearEmpty := 0
	for _, p := range pages {
		n := len(strings.TrimSpace(p.Text))
		total += n
		if n < s.cfg.NearEmptyPageChars {
			nearEmpty++
		}
	}

	if total/len(pages) < s.cfg.OCRDensityFloor {
		return true
	}
	return len(pages) > 1 && nearEmpty*2 > len(pages)
}

// IsLarge reports the large-document classification: page count AND byte
// size must both clear their thresholds.
func IsLarge(pageCount int, sizeBytes int64) bool {
	return pageCount >= largePageThreshold && sizeBytes >= largeByteThreshold
}

// TimeoutFor is the processing budget attached to every downstream model
// call for a document of the given size. It is a pure function of size:
// standard documents (<20 pages AND <5MB) get 30s, large documents
// (>=50 pages AND >=10MB) get 300s, everything between gets 120s.
func TimeoutFor(pageCount int, sizeBytes int64) time.Duration {
	if IsLarge(pageCount, sizeBytes) {
		return largeTimeout
	}
	if pageCount < mediumPageThreshold && sizeBytes < mediumByteThreshold {
		return standardTimeout
	}
	return mediumTimeout
}

// extractPages splits raw bytes into page texts. PDF page boundaries come
// from pdfcpu; plain text files use form feeds as page separators and fall
// back to a single page.
func extractPages(fileBytes []byte, fileName string) ([]Page, error) {
	if strings.HasSuffix(strings.ToLower(fileName), ".pdf") || bytes.HasPrefix(fileBytes, []byte("%PDF")) {
		return extractPDFPages(fileBytes)
	}

	raw := string(fileBytes)
	parts := strings.SplitAfter(raw, "\f")
	pages := make([]Page, 0, len(parts))
	for i, part := range parts {
		if part == "" && i == len(parts)-1 {
			continue
		}
		pages = append(pages, Page{Number: len(pages) + 1, Text: part})
	}
	if len(pages) == 0 {
		pages = []Page{{Number: 1, Text: raw}}
	}
	return pages, nil
}

func extractPDFPages(fileBytes []byte) ([]Page, error) {
	count, err := api.PageCount(bytes.NewReader(fileBytes), nil)
	if err != nil {
		return nil, err
	}

	// pdfcpu gives structure, not text. Text content arrives from the
	// upstream parse or the OCR engine; pages are seeded empty so the
	// density check can trigger OCR for scanned files.
	pages := make([]Page, count)
	for i := range pages {
		pages[i] = Page{Number: i + 1}
	}
	return pages, nil
}
