package complaint

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/complaints-queue/pkg/openprocurement"
)

func roadRepairTender() *openprocurement.Tender {
	return &openprocurement.Tender{
		ID:                    "f3c6a2b1d4e54bb7a1d2c3e4f5a6b7c8",
		TenderID:              "UA-2024-01-02-000001-a",
		Title:                 "Road repair",
		Status:                "active.qualification",
		ProcurementMethod:     "open",
		ProcurementMethodType: "aboveThresholdUA",
		DateModified:          "2024-01-02T10:00:00+02:00",
		Lots: []openprocurement.Lot{
			{ID: "L1", Status: "cancelled"},
			{ID: "L2", Status: "active"},
		},
	}
}

func TestPatch_Golden(t *testing.T) {
	tender := roadRepairTender()
	c := &openprocurement.Complaint{
		ID:            "abcd1234efgh5678",
		Status:        "pending",
		Type:          "complaint",
		Title:         "Unfair disqualification",
		Date:          "2024-01-01T09:00:00+02:00",
		DateSubmitted: "2024-01-01T09:30:00+02:00",
		RelatedLot:    "L1",
	}

	rec := Patch(tender, PathTender, c)
	data, err := json.MarshalIndent(rec, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "patched_record", append(data, '\n'))
}

func TestPatch_DerivesComplaintID(t *testing.T) {
	tender := &openprocurement.Tender{ID: "t1", TenderID: "UA-2024-001", Status: "active"}
	c := &openprocurement.Complaint{ID: "abcd1234-0000-efgh", Status: "pending"}

	rec := Patch(tender, PathTender, c)
	assert.Equal(t, "UA-2024-001.abcd", rec.ComplaintID)
	assert.Empty(t, c.ComplaintID, "source complaint must not be modified")
}

func TestPatch_KeepsExistingComplaintID(t *testing.T) {
	tender := &openprocurement.Tender{ID: "t1", TenderID: "UA-2024-001"}
	c := &openprocurement.Complaint{ID: "abcd1234", ComplaintID: "UA-2024-001.a1"}

	rec := Patch(tender, PathTender, c)
	assert.Equal(t, "UA-2024-001.a1", rec.ComplaintID)
}

func TestPatch_LotCancellation(t *testing.T) {
	tender := &openprocurement.Tender{
		ID:       "t1",
		TenderID: "UA-2024-001",
		Status:   "active",
		Lots:     []openprocurement.Lot{{ID: "L1", Status: "cancelled"}},
	}
	c := &openprocurement.Complaint{ID: "c1", RelatedLot: "L1"}

	rec := Patch(tender, PathTender, c)
	assert.Equal(t, "cancelled", rec.Tender.Status)
	assert.Equal(t, "active", rec.Tender.TenderStatus)
	assert.Equal(t, "cancelled", rec.RelatedLotStatus)
	assert.Equal(t, "active", tender.Status, "tender must not be modified")
}

func TestPatch_LotActive(t *testing.T) {
	tender := roadRepairTender()
	c := &openprocurement.Complaint{ID: "c1", RelatedLot: "L2"}

	rec := Patch(tender, AwardPath("a1"), c)
	assert.Equal(t, "active.qualification", rec.Tender.Status)
	assert.Empty(t, rec.Tender.TenderStatus)
	assert.Equal(t, "active", rec.RelatedLotStatus)
	assert.Equal(t, "awards/a1/complaints", rec.Path)
}

func TestPatch_TenderAlreadyCancelled(t *testing.T) {
	tender := &openprocurement.Tender{
		ID:     "t1",
		Status: "cancelled",
		Lots:   []openprocurement.Lot{{ID: "L1", Status: "cancelled"}},
	}
	c := &openprocurement.Complaint{ID: "c1", RelatedLot: "L1"}

	rec := Patch(tender, PathTender, c)
	assert.Equal(t, "cancelled", rec.Tender.Status)
	assert.Empty(t, rec.Tender.TenderStatus)
}

func TestPatch_UnknownLot(t *testing.T) {
	tender := roadRepairTender()
	c := &openprocurement.Complaint{ID: "c1", RelatedLot: "L9"}

	rec := Patch(tender, PathTender, c)
	assert.Empty(t, rec.RelatedLotStatus)
	assert.Equal(t, "active.qualification", rec.Tender.Status)
}

func TestPatch_ComplaintDate(t *testing.T) {
	c := &openprocurement.Complaint{
		ID:            "c1",
		Date:          "2024-01-01T09:00:00+02:00",
		DateSubmitted: "2024-01-01T09:30:00+02:00",
		DateDecision:  "2024-01-10T12:00:00+02:00",
	}
	rec := Patch(roadRepairTender(), PathTender, c)
	assert.Equal(t, "2024-01-10T12:00:00+02:00", rec.ComplaintDate)
}

func TestDeriveComplaintID_ShortID(t *testing.T) {
	assert.Equal(t, "UA-1.ab", DeriveComplaintID("UA-1", "ab"))
}

func TestDeriveComplaintID_Property(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("derived code is tenderID, a dot and the first four characters of the id", prop.ForAll(
		func(tenderID, id string) bool {
			got := DeriveComplaintID(tenderID, id)
			suffix, ok := strings.CutPrefix(got, tenderID+".")
			return ok && len(suffix) == min(4, len(id)) && strings.HasPrefix(id, suffix)
		},
		gen.RegexMatch(`UA-20[0-9]{2}-[0-9]{2}-[0-9]{2}-[0-9]{6}-[a-z]`),
		gen.AlphaString(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
