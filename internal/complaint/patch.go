package complaint

import (
	"github.com/sells-group/complaints-queue/internal/model"
	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

// Patch builds the stored record for c. The complaint itself is copied, not
// modified.
func Patch(t *openprocurement.Tender, path string, c *openprocurement.Complaint) *model.Record {
	rec := &model.Record{
		Complaint:     *c,
		Tender:        model.NewTenderSnapshot(t),
		Path:          path,
		ComplaintDate: model.ComplaintDate(c),
	}

	if rec.ComplaintID == "" {
		rec.ComplaintID = DeriveComplaintID(t.TenderID, c.ID)
	}

	if c.RelatedLot != "" {
		for _, lot := range t.Lots {
			if lot.ID != c.RelatedLot {
				continue
			}
			rec.RelatedLotStatus = lot.Status
			if lot.Status == openprocurement.StatusCancelled && rec.Tender.Status != openprocurement.StatusCancelled {
				rec.Tender.TenderStatus = rec.Tender.Status
				rec.Tender.Status = openprocurement.StatusCancelled
			}
			break
		}
	}

	return rec
}

// DeriveComplaintID builds the human code "{tenderID}.{first 4 of id}".
func DeriveComplaintID(tenderID, id string) string {
	if len(id) > 4 {
		id = id[:4]
	}
	return tenderID + "." + id
}
