// Package model defines the stored complaint record and the tender snapshot
// embedded into it.
package model

import (
	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

// TenderSnapshot is the fixed set of tender fields copied into every stored
// complaint at patch time.
type TenderSnapshot struct {
	ID                    string `json:"id"`
	TenderID              string `json:"tenderID"`
	Title                 string `json:"title,omitempty"`
	Status                string `json:"status"`
	Mode                  string `json:"mode,omitempty"`
	ProcurementMethod     string `json:"procurementMethod,omitempty"`
	ProcurementMethodType string `json:"procurementMethodType,omitempty"`
	DateModified          string `json:"dateModified"`

	// TenderStatus keeps the tender's own status when Status was overridden
	// by a cancelled related lot.
	TenderStatus string `json:"tenderStatus,omitempty"`
}

// NewTenderSnapshot copies the allowlisted fields of t.
func NewTenderSnapshot(t *openprocurement.Tender) TenderSnapshot {
	return TenderSnapshot{
		ID:                    t.ID,
		TenderID:              t.TenderID,
		Title:                 t.Title,
		Status:                t.Status,
		Mode:                  t.Mode,
		ProcurementMethod:     t.ProcurementMethod,
		ProcurementMethodType: t.ProcurementMethodType,
		DateModified:          t.DateModified,
	}
}

// Record is a patched complaint ready to be written to storage.
type Record struct {
	openprocurement.Complaint
	RelatedLotStatus string         `json:"relatedLotStatus,omitempty"`
	Tender           TenderSnapshot `json:"tender"`

	// Path locates the complaint inside its tender; stored as a column.
	Path string `json:"-"`
	// ComplaintDate is the latest of the complaint's date fields.
	ComplaintDate string `json:"-"`
}

// ComplaintDate returns the most recent of the complaint's date fields. ISO
// timestamps with the same offset order lexicographically.
func ComplaintDate(c *openprocurement.Complaint) string {
	date := c.Date
	for _, d := range []string{c.DateSubmitted, c.DateAnswered, c.DateEscalated, c.DateDecision, c.DateCanceled} {
		if d > date {
			date = d
		}
	}
	return date
}

// StoredState is what storage knows about a complaint already written.
type StoredState struct {
	ComplaintStatus    string
	TenderStatus       string
	TenderDateModified string
	ComplaintDate      string
}

// Settled reports whether a stored complaint needs no further writes: it is
// in a terminal state, or neither the tender nor the complaint has changed
// since it was stored.
func (s StoredState) Settled(tenderDateModified, complaintDate string) bool {
	if s.TenderStatus == openprocurement.StatusCancelled || s.ComplaintStatus == openprocurement.StatusCancelled {
		return true
	}
	return s.TenderDateModified == tenderDateModified && s.ComplaintDate == complaintDate
}
