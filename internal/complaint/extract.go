// Package complaint walks a tender's complaint-bearing collections, decides
// which complaints are durable and denormalizes them into stored records.
package complaint

import (
	"iter"

	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

// Path of complaints attached directly to the tender.
const PathTender = "complaints"

// AwardPath locates complaints lodged against an award.
func AwardPath(awardID string) string { return "awards/" + awardID + "/complaints" }

// QualificationPath locates complaints lodged against a qualification.
func QualificationPath(qualificationID string) string {
	return "qualifications/" + qualificationID + "/complaints"
}

// Extract yields (path, complaint) pairs in a fixed order: direct
// complaints, then award complaints, then qualification complaints. The
// sequence is lazy and may be ranged over any number of times.
func Extract(t *openprocurement.Tender) iter.Seq2[string, *openprocurement.Complaint] {
	return func(yield func(string, *openprocurement.Complaint) bool) {
		for i := range t.Complaints {
			if !yield(PathTender, &t.Complaints[i]) {
				return
			}
		}
		for _, a := range t.Awards {
			if len(a.Complaints) == 0 {
				continue
			}
			path := AwardPath(a.ID)
			for i := range a.Complaints {
				if !yield(path, &a.Complaints[i]) {
					return
				}
			}
		}
		for _, q := range t.Qualifications {
			if len(q.Complaints) == 0 {
				continue
			}
			path := QualificationPath(q.ID)
			for i := range q.Complaints {
				if !yield(path, &q.Complaints[i]) {
					return
				}
			}
		}
	}
}
