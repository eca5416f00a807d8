// Package pipeline coordinates the extraction phases for one document:
// CLASSIFY derives the document type, EXTRACT merges rule and model output
// into triaged candidates, BULK_CREATE turns the clean ones into obligations,
// REPORT summarizes the run. Each phase is one orchestrator job; phase
// ordering is enforced by enqueue chaining, not a global lock.
package pipeline

//go:generate mockgen -source=coordinator.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"covenant/internal/document"
	"covenant/internal/extraction"
	"covenant/internal/ingest"
	"covenant/internal/obligation"
	"covenant/internal/queue"
	"covenant/internal/review"
	"covenant/internal/rulelib"
	"covenant/internal/scoring"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
	"covenant/pkg/platform/sentinel"
)

// DocumentStore is the document persistence the coordinator needs.
type DocumentStore interface {
	Create(ctx context.Context, doc *document.Document) error
	Find(ctx context.Context, docID id.DocumentID) (*document.Document, error)
	AttachIngestMetadata(ctx context.Context, docID id.DocumentID, pageCount, rawTextLength int, needsOCR, isLarge bool, now time.Time) error
	AttachClassification(ctx context.Context, docID id.DocumentID, docType document.Type, confidence, minConfidence float64, now time.Time) error
}

// Blob fetches and stores raw document bytes.
type Blob interface {
	GetDocumentBytes(ctx context.Context, docID id.DocumentID) ([]byte, error)
	PutDocumentBytes(ctx context.Context, docID id.DocumentID, data []byte, contentType string) error
}

// Jobs schedules downstream phases.
type Jobs interface {
	Enqueue(ctx context.Context, tenantID id.TenantID, siteID id.SiteID, docID id.DocumentID, phase queue.Phase, params map[string]string) (*queue.Job, error)
}

// Reviews queues triaged candidates for human decisions.
type Reviews interface {
	CreateItem(ctx context.Context, tenantID id.TenantID, cand extraction.Candidate, route review.Outcome) (*review.Item, error)
	CreateNoMatchItem(ctx context.Context, tenantID id.TenantID, docID id.DocumentID, sectionText string, spanStart, spanEnd int) (*review.Item, error)
	HasBlockingPending(ctx context.Context, docID id.DocumentID) (bool, error)
	ListByDocument(ctx context.Context, docID id.DocumentID) ([]*review.Item, error)
}

// Obligations publishes accepted candidates.
type Obligations interface {
	CreateFromCandidate(ctx context.Context, tenantID id.TenantID, cand extraction.Candidate, reviewed bool) (id.ObligationID, error)
	ActiveTitles(ctx context.Context, docID id.DocumentID) (map[string]bool, error)
	ListByDocument(ctx context.Context, docID id.DocumentID) ([]*obligation.Obligation, error)
}

// ReportStore persists run summaries.
type ReportStore interface {
	Create(ctx context.Context, r *Report) error
}

// UsageReader exposes accumulated token usage for the report phase.
type UsageReader interface {
	TotalFor(ctx context.Context, docID id.DocumentID) (extraction.Usage, error)
}

// Events is the optional notification surface.
type Events interface {
	DocumentClassified(ctx context.Context, tenantID id.TenantID, docID id.DocumentID, docType string, confidence float64)
}

// Config tunes the coordinator. Zero values fall back to development
// defaults in New.
type Config struct {
	// ClassifyMinConfidence gates re-derivation: a stored classification at
	// or above it is never recomputed.
	ClassifyMinConfidence float64
	// ClassifyExcerptChars is how much text the classification call sees.
	ClassifyExcerptChars int
	// OCRQualityFloor below which candidates route to quality review.
	OCRQualityFloor float64
	// SegmentTokenCeiling caps estimated tokens per model call.
	SegmentTokenCeiling int
	// CharsPerToken is the token-estimate divisor.
	CharsPerToken int
}

// Deps are the required collaborators.
type Deps struct {
	Documents   DocumentStore
	Blob        Blob
	Ingestor    *ingest.Service
	Rules       *rulelib.Library
	Extractor   *extraction.Service
	Scorer      *scoring.Scorer
	Reviews     Reviews
	Obligations Obligations
	Jobs        Jobs
	Reports     ReportStore
}

// Coordinator runs pipeline phases. One instance is shared by all workers;
// it holds no per-document state.
type Coordinator struct {
	cfg Config
	d   Deps

	usage  UsageReader
	events Events
	tracer trace.Tracer
	clock  func() time.Time
	logger *slog.Logger
}

type Option func(*Coordinator)

func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

func WithEvents(e Events) Option {
	return func(c *Coordinator) {
		c.events = e
	}
}

func WithUsageReader(u UsageReader) Option {
	return func(c *Coordinator) {
		c.usage = u
	}
}

// New constructs a Coordinator, validating that every required collaborator
// is present.
func New(cfg Config, d Deps, opts ...Option) (*Coordinator, error) {
	switch {
	case d.Documents == nil:
		return nil, dErrors.New(dErrors.CodeInternal, "pipeline: document store is required")
	case d.Blob == nil:
		return nil, dErrors.New(dErrors.CodeInternal, "pipeline: blob store is required")
	case d.Ingestor == nil:
		return nil, dErrors.New(dErrors.CodeInternal, "pipeline: ingestor is required")
	case d.Rules == nil:
		return nil, dErrors.New(dErrors.CodeInternal, "pipeline: rule library is required")
	case d.Extractor == nil:
		return nil, dErrors.New(dErrors.CodeInternal, "pipeline: extractor is required")
	case d.Scorer == nil:
		return nil, dErrors.New(dErrors.CodeInternal, "pipeline: scorer is required")
	case d.Reviews == nil:
		return nil, dErrors.New(dErrors.CodeInternal, "pipeline: review service is required")
	case d.Obligations == nil:
		return nil, dErrors.New(dErrors.CodeInternal, "pipeline: obligation service is required")
	case d.Jobs == nil:
		return nil, dErrors.New(dErrors.CodeInternal, "pipeline: job queue is required")
	case d.Reports == nil:
		return nil, dErrors.New(dErrors.CodeInternal, "pipeline: report store is required")
	}

	if cfg.ClassifyMinConfidence <= 0 {
		cfg.ClassifyMinConfidence = 0.60
	}
	if cfg.ClassifyExcerptChars <= 0 {
		cfg.ClassifyExcerptChars = 4000
	}
	if cfg.OCRQualityFloor <= 0 {
		cfg.OCRQualityFloor = 0.60
	}
	if cfg.SegmentTokenCeiling <= 0 {
		cfg.SegmentTokenCeiling = 6000
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = 4
	}

	c := &Coordinator{
		cfg:    cfg,
		d:      d,
		tracer: otel.Tracer("covenant/pipeline"),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Intake registers an uploaded document, stores its bytes, and schedules the
// CLASSIFY phase.
func (c *Coordinator) Intake(ctx context.Context, tenantID id.TenantID, siteID id.SiteID, fileName string, fileBytes []byte) (*document.Document, *queue.Job, error) {
	if tenantID.IsNil() {
		return nil, nil, dErrors.New(dErrors.CodeValidation, "tenant id is required")
	}
	if siteID.IsNil() {
		return nil, nil, dErrors.New(dErrors.CodeValidation, "site id is required")
	}
	if fileName == "" {
		return nil, nil, dErrors.New(dErrors.CodeValidation, "file name is required")
	}
	if len(fileBytes) == 0 {
		return nil, nil, dErrors.New(dErrors.CodeValidation, "file is empty")
	}

	now := c.clock().UTC()
	doc := &document.Document{
		ID:        id.NewDocumentID(),
		TenantID:  tenantID,
		SiteID:    siteID,
		FileName:  fileName,
		SizeBytes: int64(len(fileBytes)),
		Type:      document.TypeUnknown,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.d.Documents.Create(ctx, doc); err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to register document")
	}
	if err := c.d.Blob.PutDocumentBytes(ctx, doc.ID, fileBytes, contentTypeFor(fileName)); err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store document bytes")
	}

	job, err := c.d.Jobs.Enqueue(ctx, tenantID, siteID, doc.ID, queue.PhaseClassify, nil)
	if err != nil {
		return nil, nil, err
	}

	c.logger.InfoContext(ctx, "document intake",
		"document_id", doc.ID,
		"tenant_id", tenantID,
		"file_name", fileName,
		"size_bytes", doc.SizeBytes,
	)
	return doc, job, nil
}

// HandleJob dispatches a leased job to its phase handler.
func (c *Coordinator) HandleJob(ctx context.Context, job *queue.Job) error {
	ctx, span := c.tracer.Start(ctx, "pipeline."+strings.ToLower(string(job.Phase)))
	defer span.End()

	switch job.Phase {
	case queue.PhaseClassify:
		return c.classify(ctx, job)
	case queue.PhaseExtract:
		return c.extract(ctx, job)
	case queue.PhaseBulkCreate:
		return c.bulkCreate(ctx, job)
	case queue.PhaseReport:
		return c.report(ctx, job)
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown phase %q", job.Phase)
	}
}

func (c *Coordinator) classify(ctx context.Context, job *queue.Job) error {
	doc, res, err := c.loadAndIngest(ctx, job.DocumentID)
	if err != nil {
		return err
	}

	if err := c.d.Documents.AttachIngestMetadata(ctx, doc.ID,
		res.PageCount, len(res.ExtractedText), res.NeedsOCR, res.IsLargeDocument, c.clock().UTC()); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to attach ingest metadata")
	}

	// Classification already trusted: skip the model call on retries.
	if doc.Type != "" && doc.Type != document.TypeUnknown && doc.TypeConfidence >= c.cfg.ClassifyMinConfidence {
		_, err := c.d.Jobs.Enqueue(ctx, job.TenantID, job.SiteID, doc.ID, queue.PhaseExtract, nil)
		return err
	}

	text := sourceText(res)
	mctx, cancel := context.WithTimeout(ctx, ingest.TimeoutFor(res.PageCount, res.FileSizeBytes))
	defer cancel()

	cls, _, err := c.d.Extractor.Classify(mctx, doc.ID, excerpt(text, c.cfg.ClassifyExcerptChars))
	if err != nil {
		return err
	}

	err = c.d.Documents.AttachClassification(ctx, doc.ID, cls.Type, cls.Confidence,
		c.cfg.ClassifyMinConfidence, c.clock().UTC())
	if err != nil && !errors.Is(err, sentinel.ErrInvalidState) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to attach classification")
	}

	if c.events != nil {
		c.events.DocumentClassified(ctx, job.TenantID, doc.ID, cls.Type.String(), cls.Confidence)
	}
	c.logger.InfoContext(ctx, "document classified",
		"document_id", doc.ID,
		"document_type", cls.Type,
		"confidence", cls.Confidence,
	)

	_, err = c.d.Jobs.Enqueue(ctx, job.TenantID, job.SiteID, doc.ID, queue.PhaseExtract, nil)
	return err
}

func (c *Coordinator) extract(ctx context.Context, job *queue.Job) error {
	doc, res, err := c.loadAndIngest(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	text := sourceText(res)

	ruleHits, claimed := c.d.Rules.Match(text, doc.ID, doc.Type)
	// Rule hits often match boilerplate that carries no explicit date; the
	// processing date anchors their recurrence so they can publish.
	now := c.clock().UTC()
	for i := range ruleHits {
		if ruleHits[i].AnchorDate == nil {
			anchor := now
			ruleHits[i].AnchorDate = &anchor
		}
	}

	spans := c.segmentSpans(text, rulelib.Unclaimed(text, claimed))

	mctx, cancel := context.WithTimeout(ctx, ingest.TimeoutFor(res.PageCount, res.FileSizeBytes))
	defer cancel()

	result, err := c.d.Extractor.ExtractObligations(mctx, doc.ID, doc.Type, spans, ruleHits)
	if err != nil {
		return err
	}

	activeTitles, err := c.d.Obligations.ActiveTitles(ctx, doc.ID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load active titles")
	}

	var autoPublish []extraction.Candidate
	queued := 0
	for _, cand := range result.Candidates {
		score := c.d.Scorer.Score(deriveSignals(cand, text, res.OCRQuality))
		if cand.Provenance.Kind == extraction.SourceRule {
			// Rule matches carry confidence 1.0 and are never routed for
			// confidence reasons.
			score = 1.0
		}
		cand.Confidence = score

		route := review.Route(cand, review.Signals{
			Score:           score,
			SourceText:      text,
			ActiveTitles:    activeTitles,
			OCRConfidence:   res.OCRQuality,
			OCRQualityFloor: c.cfg.OCRQualityFloor,
			Conflicting:     conflictsWithRules(cand, claimed),
		})
		if route.NeedsReview {
			if _, err := c.d.Reviews.CreateItem(ctx, job.TenantID, cand, route); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to queue review item")
			}
			queued++
			continue
		}
		autoPublish = append(autoPublish, cand)
		// A second identical candidate in this batch is a duplicate.
		activeTitles[cand.NormalizedTitle()] = true
	}

	if len(result.Candidates) == 0 && doc.Type != document.TypeUnknown {
		if _, err := c.d.Reviews.CreateNoMatchItem(ctx, job.TenantID, doc.ID,
			excerpt(text, 500), 0, min(len(text), 500)); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to queue no-match item")
		}
		queued++
	}

	params, err := encodeCandidates(autoPublish)
	if err != nil {
		return err
	}
	if _, err := c.d.Jobs.Enqueue(ctx, job.TenantID, job.SiteID, doc.ID, queue.PhaseBulkCreate, params); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "extraction phase complete",
		"document_id", doc.ID,
		"candidates", len(result.Candidates),
		"auto_publish", len(autoPublish),
		"queued_for_review", queued,
		"used_llm", result.UsedLLM,
	)
	return nil
}

func (c *Coordinator) bulkCreate(ctx context.Context, job *queue.Job) error {
	candidates, err := decodeCandidates(job.Params)
	if err != nil {
		return err
	}

	blocked, err := c.d.Reviews.HasBlockingPending(ctx, job.DocumentID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check blocking reviews")
	}

	// Titles already published guard against double-creation on retry.
	titles, err := c.d.Obligations.ActiveTitles(ctx, job.DocumentID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load active titles")
	}

	created := 0
	for _, cand := range candidates {
		if titles[cand.NormalizedTitle()] {
			continue
		}
		if _, err := c.d.Obligations.CreateFromCandidate(ctx, job.TenantID, cand, !blocked); err != nil {
			return err
		}
		titles[cand.NormalizedTitle()] = true
		created++
	}

	if _, err := c.d.Jobs.Enqueue(ctx, job.TenantID, job.SiteID, job.DocumentID, queue.PhaseReport, nil); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "bulk create complete",
		"document_id", job.DocumentID,
		"created", created,
		"blocked", blocked,
	)
	return nil
}

func (c *Coordinator) report(ctx context.Context, job *queue.Job) error {
	obls, err := c.d.Obligations.ListByDocument(ctx, job.DocumentID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list obligations")
	}
	items, err := c.d.Reviews.ListByDocument(ctx, job.DocumentID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list review items")
	}
	blocked, err := c.d.Reviews.HasBlockingPending(ctx, job.DocumentID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check blocking reviews")
	}

	summary := ReportSummary{
		ObligationCount: len(obls),
		ReviewItemCount: len(items),
		ReviewByType:    make(map[string]int),
		PendingBlocking: blocked,
	}
	for _, o := range obls {
		summary.DeadlineCount += len(o.Deadlines)
	}
	for _, item := range items {
		summary.ReviewByType[string(item.ReviewType)]++
	}
	if c.usage != nil {
		usage, err := c.usage.TotalFor(ctx, job.DocumentID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to total usage")
		}
		summary.Usage = usage
	}

	r := &Report{
		ID:          id.NewReportID(),
		TenantID:    job.TenantID,
		DocumentID:  job.DocumentID,
		Summary:     summary,
		GeneratedAt: c.clock().UTC(),
	}
	if err := c.d.Reports.Create(ctx, r); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist report")
	}

	c.logger.InfoContext(ctx, "report generated",
		"document_id", job.DocumentID,
		"obligations", summary.ObligationCount,
		"review_items", summary.ReviewItemCount,
		"pending_blocking", summary.PendingBlocking,
	)
	return nil
}

func (c *Coordinator) loadAndIngest(ctx context.Context, docID id.DocumentID) (*document.Document, *ingest.Result, error) {
	doc, err := c.d.Documents.Find(ctx, docID)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeNotFound, "document not found")
	}
	raw, err := c.d.Blob.GetDocumentBytes(ctx, docID)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to fetch document bytes")
	}
	res, err := c.d.Ingestor.Ingest(ctx, raw, doc.FileName)
	if err != nil {
		return nil, nil, err
	}
	return doc, res, nil
}

// segmentSpans splits each unclaimed span under the token ceiling, keeping
// absolute offsets so candidate spans map back to the full text.
func (c *Coordinator) segmentSpans(text string, spans []rulelib.Span) []extraction.SpanText {
	var out []extraction.SpanText
	for _, sp := range spans {
		offset := sp.Start
		for _, seg := range ingest.Segment(text[sp.Start:sp.End], c.cfg.SegmentTokenCeiling, c.cfg.CharsPerToken) {
			out = append(out, extraction.SpanText{Offset: offset, Text: seg})
			offset += len(seg)
		}
	}
	return out
}

// sourceText prefers OCR output when ingestion decided the extracted text is
// unusable.
func sourceText(res *ingest.Result) string {
	if res.NeedsOCR && res.OCRText != "" {
		return res.OCRText
	}
	return res.ExtractedText
}

func excerpt(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n]
}

func contentTypeFor(fileName string) string {
	if strings.EqualFold(filepath.Ext(fileName), ".pdf") {
		return "application/pdf"
	}
	return "text/plain"
}

const candidatesParam = "candidates"

func encodeCandidates(candidates []extraction.Candidate) (map[string]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(candidates)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode candidates")
	}
	return map[string]string{candidatesParam: string(payload)}, nil
}

func decodeCandidates(params map[string]string) ([]extraction.Candidate, error) {
	raw, ok := params[candidatesParam]
	if !ok || raw == "" {
		return nil, nil
	}
	var candidates []extraction.Candidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed candidates payload")
	}
	return candidates, nil
}
