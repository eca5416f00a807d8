package extraction

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"covenant/internal/document"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
)

// MinClassificationConfidence gates re-derivation: once a stored
// classification clears this threshold it is never recomputed.
const MinClassificationConfidence = 0.60

// ModelClient drives the external language model. Implementations translate
// provider failures into coded errors: CodeTimeout for deadline hits,
// CodeRateLimited for throttling, CodeUnavailable for malformed output or
// transport faults. Anything transient is retried by the job orchestrator,
// never silently defaulted.
type ModelClient interface {
	Classify(ctx context.Context, excerpt string) (Classification, Usage, error)
	Extract(ctx context.Context, text string, docType document.Type) ([]Candidate, Usage, error)
}

// Throttle gates model calls. Allow returns a CodeRateLimited error when the
// call budget is exhausted.
type Throttle interface {
	Allow(ctx context.Context) error
}

// UsageRecorder is the accounting collaborator. The pipeline produces usage
// records; billing happens elsewhere.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, docID id.DocumentID, usage Usage) error
}

// SpanText is a slice of document text with its offset in the full text, so
// model-produced spans can be mapped back to document coordinates.
type SpanText struct {
	Offset int
	Text   string
}

// Service drives classification and obligation-extraction calls, merging
// rule-library hits with model output.
type Service struct {
	model    ModelClient
	throttle Throttle
	usage    UsageRecorder
	logger   *slog.Logger
}

type Option func(*Service)

func WithThrottle(t Throttle) Option {
	return func(s *Service) {
		s.throttle = t
	}
}

func WithUsageRecorder(r UsageRecorder) Option {
	return func(s *Service) {
		s.usage = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New constructs the extraction engine. The model client is injected: there
// is no package-level client or API-key singleton, and credential rotation
// is a matter of constructing a new client.
func New(model ModelClient, opts ...Option) (*Service, error) {
	if model == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "model client is required")
	}
	s := &Service{model: model}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Classify runs the document-type model call over an excerpt. The caller is
// responsible for attaching the size-derived timeout to ctx.
func (s *Service) Classify(ctx context.Context, docID id.DocumentID, excerpt string) (Classification, Usage, error) {
	if strings.TrimSpace(excerpt) == "" {
		return Classification{}, Usage{}, dErrors.New(dErrors.CodeValidation, "excerpt is empty")
	}
	if err := s.allow(ctx); err != nil {
		return Classification{}, Usage{}, err
	}

	cls, usage, err := s.model.Classify(ctx, excerpt)
	if err != nil {
		return Classification{}, usage, s.translateModelError(err, "classification call failed")
	}
	if !cls.Type.IsValid() {
		cls.Type = document.TypeUnknown
	}

	s.recordUsage(ctx, docID, usage)
	return cls, usage, nil
}

// ExtractObligations runs the model over the unclaimed spans and merges the
// output with rule-library hits. Duplicate candidates (same normalized title
// with overlapping spans) collapse to the higher-confidence source.
func (s *Service) ExtractObligations(ctx context.Context, docID id.DocumentID, docType document.Type, spans []SpanText, ruleHits []Candidate) (*Result, error) {
	res := &Result{Candidates: append([]Candidate(nil), ruleHits...)}

	var modelCandidates []Candidate
	for _, span := range spans {
		if strings.TrimSpace(span.Text) == "" {
			continue
		}
		if err := s.allow(ctx); err != nil {
			return nil, err
		}

		candidates, usage, err := s.model.Extract(ctx, span.Text, docType)
		res.Usage = res.Usage.Add(usage)
		if err != nil {
			return nil, s.translateModelError(err, "extraction call failed")
		}
		res.UsedLLM = true

		for _, c := range candidates {
			c.DocumentID = docID
			c.SpanStart += span.Offset
			c.SpanEnd += span.Offset
			if !c.Category.IsValid() {
				c.Category = id.CategoryGeneral
			}
			if c.Condition == id.ConditionSubjective {
				c.Subjective = true
			}
			c.Provenance.Kind = SourceModel
			modelCandidates = append(modelCandidates, c)
		}
	}

	res.Candidates = Merge(res.Candidates, modelCandidates)

	s.recordUsage(ctx, docID, res.Usage)
	s.logger.InfoContext(ctx, "extraction pass complete",
		"document_id", docID,
		"candidates", len(res.Candidates),
		"used_llm", res.UsedLLM,
		"total_tokens", res.Usage.TotalTokens,
	)
	return res, nil
}

// Merge collapses duplicates across the two streams, keeping the
// higher-confidence source. Rule hits carry confidence 1.0 and therefore
// always win their collisions.
func Merge(kept, incoming []Candidate) []Candidate {
	out := append([]Candidate(nil), kept...)
	for _, cand := range incoming {
		replaced := false
		dropped := false
		for i, existing := range out {
			if existing.NormalizedTitle() != cand.NormalizedTitle() || !existing.Overlaps(cand) {
				continue
			}
			if cand.Confidence > existing.Confidence {
				out[i] = cand
				replaced = true
			} else {
				dropped = true
			}
			break
		}
		if !replaced && !dropped {
			out = append(out, cand)
		}
	}
	return out
}

func (s *Service) allow(ctx context.Context) error {
	if s.throttle == nil {
		return nil
	}
	return s.throttle.Allow(ctx)
}

func (s *Service) recordUsage(ctx context.Context, docID id.DocumentID, usage Usage) {
	if s.usage == nil || usage.TotalTokens == 0 {
		return
	}
	if err := s.usage.RecordUsage(ctx, docID, usage); err != nil {
		// Accounting is best-effort; a usage write must not fail the job.
		s.logger.WarnContext(ctx, "usage record failed", "document_id", docID, "error", err)
	}
}

// translateModelError maps provider failures into the retry taxonomy.
// Timeouts and malformed output are transient; already-coded errors pass
// through.
func (s *Service) translateModelError(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
}
