package obligation

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

// Store persists obligations and deadlines for the service.
type Store interface {
	Create(ctx context.Context, o *Obligation) error
	Find(ctx context.Context, obligationID id.ObligationID) (*Obligation, error)
	ListByDocument(ctx context.Context, docID id.DocumentID) ([]*Obligation, error)
	ListByTenant(ctx context.Context, tenantID id.TenantID) ([]*Obligation, error)
	ActiveTitles(ctx context.Context, docID id.DocumentID) (map[string]bool, error)
	UpdateStatus(ctx context.Context, obligationID id.ObligationID, status Status) error
	FindDeadline(ctx context.Context, deadlineID id.DeadlineID) (*Deadline, error)
	CompleteDeadline(ctx context.Context, deadlineID id.DeadlineID, completedAt time.Time) error
	ListDueBetween(ctx context.Context, from, to time.Time) ([]Upcoming, error)
}

// Publisher emits obligation lifecycle events.
type Publisher interface {
	ObligationCreated(ctx context.Context, o *Obligation)
	DeadlineApproaching(ctx context.Context, up Upcoming)
}

// Service manages the obligation lifecycle: creation from accepted
// extractions, deadline materialization, completion, and supersession.
type Service struct {
	store     Store
	publisher Publisher
	horizon   Horizon
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithHorizon overrides the deadline materialization horizon.
func WithHorizon(h Horizon) Option {
	return func(s *Service) { s.horizon = h }
}

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

// New creates an obligation service.
func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "obligation store is required")
	}
	s := &Service{
		store:   store,
		horizon: DefaultHorizon,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateFromCandidate turns an accepted extraction into a stored obligation
// with its deadline series materialized in the same write. Reviewed
// acceptances (confirm, edit, auto-publish) activate immediately;
// provisional publications stay pending until their review resolves.
func (s *Service) CreateFromCandidate(ctx context.Context, tenantID id.TenantID, cand extraction.Candidate, reviewed bool) (id.ObligationID, error) {
	if tenantID.IsNil() {
		return id.ObligationID{}, dErrors.New(dErrors.CodeInvalidInput, "tenant id is required")
	}
	if cand.DocumentID.IsNil() {
		return id.ObligationID{}, dErrors.New(dErrors.CodeValidation, "candidate document id is required")
	}
	if cand.Title == "" {
		return id.ObligationID{}, dErrors.New(dErrors.CodeValidation, "candidate title is required")
	}
	if cand.AnchorDate == nil {
		return id.ObligationID{}, dErrors.New(dErrors.CodeValidation, "candidate anchor date is required")
	}
	if !cand.Frequency.IsValid() {
		return id.ObligationID{}, dErrors.Newf(dErrors.CodeValidation, "unknown frequency %q", cand.Frequency)
	}

	status := StatusPending
	if reviewed {
		status = StatusActive
	}
	o := &Obligation{
		ID:           id.NewObligationID(),
		TenantID:     tenantID,
		DocumentID:   cand.DocumentID,
		Title:        cand.Title,
		Description:  cand.Description,
		Category:     cand.Category,
		Frequency:    cand.Frequency,
		Condition:    cand.Condition,
		OriginalText: cand.OriginalText,
		AnchorDate:   cand.AnchorDate.UTC(),
		Status:       status,
		Reviewed:     reviewed,
		CreatedAt:    s.clock().UTC(),
	}

	deadlines, err := Materialize(o, s.horizon)
	if err != nil {
		return id.ObligationID{}, err
	}
	o.Deadlines = deadlines

	if err := s.store.Create(ctx, o); err != nil {
		return id.ObligationID{}, dErrors.Wrap(err, dErrors.CodeInternal, "create obligation")
	}
	if s.publisher != nil {
		s.publisher.ObligationCreated(ctx, o)
	}
	s.logger.InfoContext(ctx, "obligation created",
		slog.String("obligation_id", o.ID.String()),
		slog.String("document_id", o.DocumentID.String()),
		slog.String("frequency", o.Frequency.String()),
		slog.Int("deadlines", len(o.Deadlines)),
	)
	return o.ID, nil
}

// Get returns an obligation with deadline statuses derived at read time.
func (s *Service) Get(ctx context.Context, obligationID id.ObligationID) (*Obligation, error) {
	if obligationID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "obligation id is required")
	}
	o, err := s.store.Find(ctx, obligationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "obligation not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find obligation")
	}
	return o, nil
}

// ListByDocument returns a document's obligations, oldest first.
func (s *Service) ListByDocument(ctx context.Context, docID id.DocumentID) ([]*Obligation, error) {
	if docID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "document id is required")
	}
	out, err := s.store.ListByDocument(ctx, docID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list obligations by document")
	}
	return out, nil
}

// ListByTenant returns a tenant's obligations, oldest first.
func (s *Service) ListByTenant(ctx context.Context, tenantID id.TenantID) ([]*Obligation, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant id is required")
	}
	out, err := s.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list obligations by tenant")
	}
	return out, nil
}

// ActiveTitles returns the duplicate-detection title set for a document.
func (s *Service) ActiveTitles(ctx context.Context, docID id.DocumentID) (map[string]bool, error) {
	titles, err := s.store.ActiveTitles(ctx, docID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list active obligation titles")
	}
	return titles, nil
}

// Activate promotes a provisionally published obligation once its review
// resolves in its favor.
func (s *Service) Activate(ctx context.Context, obligationID id.ObligationID) error {
	return s.transition(ctx, obligationID, StatusActive)
}

// Supersede retires an obligation replaced by a newer extraction pass. The
// record and its deadlines remain for audit but stop feeding notifications.
func (s *Service) Supersede(ctx context.Context, obligationID id.ObligationID) error {
	return s.transition(ctx, obligationID, StatusSuperseded)
}

func (s *Service) transition(ctx context.Context, obligationID id.ObligationID, status Status) error {
	if obligationID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "obligation id is required")
	}
	o, err := s.Get(ctx, obligationID)
	if err != nil {
		return err
	}
	if o.Status == StatusSuperseded {
		return dErrors.Newf(dErrors.CodeConflict, "obligation %s is superseded", obligationID)
	}
	if err := s.store.UpdateStatus(ctx, obligationID, status); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "update obligation status")
	}
	s.logger.InfoContext(ctx, "obligation status changed",
		slog.String("obligation_id", obligationID.String()),
		slog.String("status", status.String()),
	)
	return nil
}

// CompleteDeadline records that a deadline was met. The completion timestamp
// against the due date decides COMPLETED versus LATE_COMPLETE on read; a
// second completion returns a conflict.
func (s *Service) CompleteDeadline(ctx context.Context, deadlineID id.DeadlineID, completedAt time.Time) (*Deadline, error) {
	if deadlineID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "deadline id is required")
	}
	if completedAt.IsZero() {
		completedAt = s.clock()
	}
	err := s.store.CompleteDeadline(ctx, deadlineID, completedAt.UTC())
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "deadline not found")
		case errors.Is(err, sentinel.ErrConflict):
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "deadline already completed")
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "complete deadline")
		}
	}
	d, err := s.store.FindDeadline(ctx, deadlineID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "reload deadline")
	}
	return d, nil
}

// SweepApproaching publishes an approaching event for every open deadline due
// within the window. The sweep is driven by a periodic worker tick.
func (s *Service) SweepApproaching(ctx context.Context, window time.Duration) (int, error) {
	now := s.clock().UTC()
	due, err := s.store.ListDueBetween(ctx, now, now.Add(window))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "list approaching deadlines")
	}
	for _, up := range due {
		if s.publisher != nil {
			s.publisher.DeadlineApproaching(ctx, up)
		}
	}
	if len(due) > 0 {
		s.logger.InfoContext(ctx, "approaching deadlines swept",
			slog.Int("count", len(due)),
			slog.Duration("window", window),
		)
	}
	return len(due), nil
}
