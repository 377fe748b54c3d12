package complaint

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/complaints-queue/internal/model"
	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

// Writer is the part of the storage port the pipeline needs.
type Writer interface {
	// Exists reports whether the complaint is already stored in a terminal
	// state or unchanged since it was stored.
	Exists(ctx context.Context, t *openprocurement.Tender, path string, c *openprocurement.Complaint) (bool, error)
	// Store upserts a patched record keyed by complaint id.
	Store(ctx context.Context, rec *model.Record) error
}

// Outcome is what Process did with a complaint.
type Outcome int

const (
	Filtered Outcome = iota
	Existing
	Stored
)

func (o Outcome) String() string {
	switch o {
	case Filtered:
		return "filtered"
	case Existing:
		return "exists"
	case Stored:
		return "stored"
	default:
		return "unknown"
	}
}

// Counts tallies outcomes for one tender.
type Counts struct {
	Filtered int
	Existing int
	Stored   int
}

// Processor runs filter, existence check, patch and store for each
// complaint of a tender.
type Processor struct {
	store  Writer
	filter Filter
	log    *zap.Logger
}

// NewProcessor creates a Processor writing through store.
func NewProcessor(store Writer, filter Filter) *Processor {
	return &Processor{
		store:  store,
		filter: filter,
		log:    zap.L().With(zap.String("component", "complaint")),
	}
}

// WithLogger returns a copy of p logging through log.
func (p *Processor) WithLogger(log *zap.Logger) *Processor {
	cp := *p
	cp.log = log
	return &cp
}

// Process handles a single complaint.
func (p *Processor) Process(ctx context.Context, t *openprocurement.Tender, path string, c *openprocurement.Complaint) (Outcome, error) {
	if !p.filter.ShouldPersist(p.log, t, path, c) {
		return Filtered, nil
	}

	fields := append(decisionFields(t, path, c), zap.String("complaint_date", model.ComplaintDate(c)))

	exists, err := p.store.Exists(ctx, t, path, c)
	if err != nil {
		return Filtered, eris.Wrapf(err, "complaint: exists %s", c.ID)
	}
	if exists {
		p.log.Debug("complaint exists", fields...)
		return Existing, nil
	}

	rec := Patch(t, path, c)
	if err := p.store.Store(ctx, rec); err != nil {
		return Filtered, eris.Wrapf(err, "complaint: store %s", c.ID)
	}
	p.log.Info("complaint stored", append(fields,
		zap.String("complaint_code", rec.ComplaintID),
		zap.String("tender_status", rec.Tender.Status),
	)...)
	return Stored, nil
}

// ProcessTender runs Process over every complaint of t and stops at the
// first error.
func (p *Processor) ProcessTender(ctx context.Context, t *openprocurement.Tender) (Counts, error) {
	var counts Counts
	for path, c := range Extract(t) {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		outcome, err := p.Process(ctx, t, path, c)
		if err != nil {
			return counts, err
		}
		switch outcome {
		case Filtered:
			counts.Filtered++
		case Existing:
			counts.Existing++
		case Stored:
			counts.Stored++
		}
	}
	return counts, nil
}
