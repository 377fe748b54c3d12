package complaint

import (
	"go.uber.org/zap"

	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

// Filter decides which complaints are worth persisting. The zero value
// rejects claims, drafts and complaints without a submission date.
type Filter struct {
	StoreClaim bool
	StoreDraft bool
}

// Reason names why a complaint was rejected; empty means accepted.
type Reason string

const (
	ReasonClaim        Reason = "claim"
	ReasonDraft        Reason = "draft"
	ReasonNotSubmitted Reason = "not submitted"
)

// Check returns the first reason the complaint must be skipped, or "".
// The submission-date check applies regardless of StoreDraft.
func (f Filter) Check(c *openprocurement.Complaint) Reason {
	if c.Type == openprocurement.TypeClaim && !f.StoreClaim {
		return ReasonClaim
	}
	if c.Status == openprocurement.StatusDraft && !f.StoreDraft {
		return ReasonDraft
	}
	if c.DateSubmitted == "" {
		return ReasonNotSubmitted
	}
	return ""
}

// ShouldPersist applies Check and logs the decision.
func (f Filter) ShouldPersist(log *zap.Logger, t *openprocurement.Tender, path string, c *openprocurement.Complaint) bool {
	reason := f.Check(c)
	if reason == "" {
		return true
	}
	log.Info("skip complaint",
		append(decisionFields(t, path, c), zap.String("reason", string(reason)))...,
	)
	return false
}

func decisionFields(t *openprocurement.Tender, path string, c *openprocurement.Complaint) []zap.Field {
	return []zap.Field{
		zap.String("tender_id", t.ID),
		zap.String("path", path),
		zap.String("complaint_id", c.ID),
		zap.String("date_submitted", c.DateSubmitted),
		zap.String("date_modified", t.DateModified),
		zap.String("status", c.Status),
		zap.String("type", c.Type),
	}
}
