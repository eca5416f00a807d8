package review

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"covenant/internal/extraction"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
	"covenant/pkg/platform/sentinel"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

// Store persists review items for the service.
type Store interface {
	Create(ctx context.Context, item *Item) error
	Find(ctx context.Context, itemID id.ReviewItemID) (*Item, error)
	Resolve(ctx context.Context, itemID id.ReviewItemID, status Status, reviewerID, reason string, edited *EditedFields, now time.Time) error
	AttachObligation(ctx context.Context, itemID id.ReviewItemID, obligationID id.ObligationID) error
	ListPending(ctx context.Context, tenantID id.TenantID) ([]*Item, error)
	CountBlockingPending(ctx context.Context, docID id.DocumentID) (int, error)
	ListByDocument(ctx context.Context, docID id.DocumentID) ([]*Item, error)
}

// ObligationCreator turns a confirmed candidate into a stored obligation.
type ObligationCreator interface {
	CreateFromCandidate(ctx context.Context, tenantID id.TenantID, cand extraction.Candidate, reviewed bool) (id.ObligationID, error)
}

// Publisher emits review lifecycle events.
type Publisher interface {
	ReviewQueued(ctx context.Context, item *Item)
	ReviewResolved(ctx context.Context, item *Item, outcome Status)
}

// Service owns the review queue: it files triaged candidates as items and
// applies reviewer decisions. A decision is final; a second decision on the
// same item is a conflict, never a re-resolution.
type Service struct {
	store       Store
	obligations ObligationCreator
	publisher   Publisher
	clock       func() time.Time
	logger      *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithPublisher attaches an event publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a review service. Store and obligation creator are required.
func New(store Store, obligations ObligationCreator, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "review store is required")
	}
	if obligations == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "obligation creator is required")
	}
	s := &Service{
		store:       store,
		obligations: obligations,
		clock:       time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateItem files a routed candidate on the review queue.
func (s *Service) CreateItem(ctx context.Context, tenantID id.TenantID, cand extraction.Candidate, route Outcome) (*Item, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant id is required")
	}
	item := &Item{
		ID:                id.NewReviewItemID(),
		TenantID:          tenantID,
		DocumentID:        cand.DocumentID,
		Candidate:         cand,
		ReviewType:        route.ReviewType,
		IsBlocking:        route.IsBlocking,
		Priority:          route.Priority,
		HallucinationRisk: route.ReviewType == TypeHallucination,
		Confidence:        cand.Confidence,
		Status:            StatusPending,
		CreatedAt:         s.clock().UTC(),
	}
	if err := s.store.Create(ctx, item); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "review item already exists")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create review item")
	}
	if s.publisher != nil {
		s.publisher.ReviewQueued(ctx, item)
	}
	s.logger.InfoContext(ctx, "review item queued",
		slog.String("item_id", item.ID.String()),
		slog.String("document_id", item.DocumentID.String()),
		slog.String("review_type", string(item.ReviewType)),
		slog.Bool("blocking", item.IsBlocking),
	)
	return item, nil
}

// CreateNoMatchItem files a synthetic item for a document section that was
// expected to yield obligations but produced none. The item carries a
// zero-confidence placeholder candidate pointing at the empty section.
func (s *Service) CreateNoMatchItem(ctx context.Context, tenantID id.TenantID, docID id.DocumentID, sectionText string, spanStart, spanEnd int) (*Item, error) {
	cand := extraction.Candidate{
		DocumentID:   docID,
		Title:        "no obligations found in section",
		OriginalText: sectionText,
		SpanStart:    spanStart,
		SpanEnd:      spanEnd,
		Provenance:   extraction.Provenance{Kind: extraction.SourceModel},
	}
	return s.CreateItem(ctx, tenantID, cand, Outcome{
		NeedsReview: true,
		ReviewType:  TypeNoMatch,
		Priority:    priorityFor(TypeNoMatch),
	})
}

// Confirm accepts a pending item as-is and creates the obligation unchanged.
func (s *Service) Confirm(ctx context.Context, itemID id.ReviewItemID, reviewerID string) (*Item, error) {
	return s.resolve(ctx, itemID, reviewerID, StatusConfirmed, "", nil)
}

// Edit accepts a pending item with reviewer corrections and creates the
// obligation from the corrected fields. The original candidate is preserved
// on the item alongside the edits.
func (s *Service) Edit(ctx context.Context, itemID id.ReviewItemID, reviewerID string, edited EditedFields) (*Item, error) {
	if err := edited.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid edited fields")
	}
	return s.resolve(ctx, itemID, reviewerID, StatusEdited, "", &edited)
}

// Reject discards a pending item. No obligation is created.
func (s *Service) Reject(ctx context.Context, itemID id.ReviewItemID, reviewerID, reason string) (*Item, error) {
	return s.resolve(ctx, itemID, reviewerID, StatusRejected, reason, nil)
}

func (s *Service) resolve(ctx context.Context, itemID id.ReviewItemID, reviewerID string, status Status, reason string, edited *EditedFields) (*Item, error) {
	if itemID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "review item id is required")
	}
	if reviewerID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "reviewer id is required")
	}

	item, err := s.store.Find(ctx, itemID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "review item not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find review item")
	}

	if item.Status.IsTerminal() {
		return nil, dErrors.Newf(dErrors.CodeConflict, "review item already resolved as %s", item.Status)
	}

	accepting := status == StatusConfirmed || status == StatusEdited
	cand := item.Candidate
	if edited != nil {
		cand = edited.Apply(cand)
	}
	if accepting {
		if err := acceptableCandidate(cand); err != nil {
			return nil, err
		}
	}

	// Claim the item before creating anything: a decision that loses the
	// PENDING -> terminal race must not leave an obligation behind for an
	// item the winner rejected.
	err = s.store.Resolve(ctx, itemID, status, reviewerID, reason, edited, s.clock().UTC())
	if err != nil {
		if errors.Is(err, sentinel.ErrAlreadyTerminal) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "review item already resolved")
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "review item not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "resolve review item")
	}

	if accepting {
		obligationID, err := s.obligations.CreateFromCandidate(ctx, item.TenantID, cand, true)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create obligation from review")
		}
		if err := s.store.AttachObligation(ctx, itemID, obligationID); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "attach obligation to review item")
		}
	}

	resolved, err := s.store.Find(ctx, itemID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "reload review item")
	}
	if s.publisher != nil {
		s.publisher.ReviewResolved(ctx, resolved, status)
	}
	s.logger.InfoContext(ctx, "review item resolved",
		slog.String("item_id", itemID.String()),
		slog.String("status", string(status)),
		slog.String("reviewer_id", reviewerID),
	)
	return resolved, nil
}

// acceptableCandidate pre-flights the fields obligation creation will
// reject. Failing here keeps the item PENDING so the reviewer can Edit the
// missing data in, instead of claiming an item no obligation can come from.
func acceptableCandidate(cand extraction.Candidate) error {
	if cand.Title == "" {
		return dErrors.New(dErrors.CodeValidation, "candidate title is required; edit the item to supply one")
	}
	if cand.AnchorDate == nil {
		return dErrors.New(dErrors.CodeValidation, "candidate anchor date is required; edit the item to supply one")
	}
	if !cand.Frequency.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown frequency %q; edit the item to correct it", cand.Frequency)
	}
	return nil
}

// ListPending returns a tenant's open items, highest priority first.
func (s *Service) ListPending(ctx context.Context, tenantID id.TenantID) ([]*Item, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant id is required")
	}
	items, err := s.store.ListPending(ctx, tenantID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list pending review items")
	}
	return items, nil
}

// HasBlockingPending reports whether a document still has unresolved
// blocking items, which holds back its bulk publication.
func (s *Service) HasBlockingPending(ctx context.Context, docID id.DocumentID) (bool, error) {
	n, err := s.store.CountBlockingPending(ctx, docID)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "count blocking review items")
	}
	return n > 0, nil
}

// ListByDocument returns every item filed for a document, oldest first.
func (s *Service) ListByDocument(ctx context.Context, docID id.DocumentID) ([]*Item, error) {
	if docID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "document id is required")
	}
	items, err := s.store.ListByDocument(ctx, docID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list review items by document")
	}
	return items, nil
}
