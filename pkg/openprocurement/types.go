package openprocurement

// Tender is either a feed summary (id and dateModified only) or a full tender
// fetched by id. Fields absent from the payload stay zero.
type Tender struct {
	ID                    string          `json:"id"`
	TenderID              string          `json:"tenderID,omitempty"`
	Title                 string          `json:"title,omitempty"`
	DateModified          string          `json:"dateModified"`
	Status                string          `json:"status,omitempty"`
	Mode                  string          `json:"mode,omitempty"`
	ProcurementMethod     string          `json:"procurementMethod,omitempty"`
	ProcurementMethodType string          `json:"procurementMethodType,omitempty"`
	Lots                  []Lot           `json:"lots,omitempty"`
	Complaints            []Complaint     `json:"complaints,omitempty"`
	Awards                []Award         `json:"awards,omitempty"`
	Qualifications        []Qualification `json:"qualifications,omitempty"`
}

// Lot is a tender lot. Only the fields used for cancellation propagation are
// decoded.
type Lot struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Title  string `json:"title,omitempty"`
}

// Award carries complaints lodged against an award decision.
type Award struct {
	ID         string      `json:"id"`
	Status     string      `json:"status,omitempty"`
	LotID      string      `json:"lotID,omitempty"`
	Complaints []Complaint `json:"complaints,omitempty"`
}

// Qualification carries complaints lodged against a prequalification.
type Qualification struct {
	ID         string      `json:"id"`
	Status     string      `json:"status,omitempty"`
	LotID      string      `json:"lotID,omitempty"`
	Complaints []Complaint `json:"complaints,omitempty"`
}

// Complaint statuses and types with special handling.
const (
	StatusDraft     = "draft"
	StatusCancelled = "cancelled"
	TypeClaim       = "claim"
)

// Complaint is a complaint or claim as published by the feed.
type Complaint struct {
	ID             string `json:"id"`
	ComplaintID    string `json:"complaintID,omitempty"`
	Status         string `json:"status"`
	Type           string `json:"type,omitempty"`
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
	Date           string `json:"date,omitempty"`
	DateSubmitted  string `json:"dateSubmitted,omitempty"`
	DateAnswered   string `json:"dateAnswered,omitempty"`
	DateEscalated  string `json:"dateEscalated,omitempty"`
	DateDecision   string `json:"dateDecision,omitempty"`
	DateCanceled   string `json:"dateCanceled,omitempty"`
	DateAccepted   string `json:"dateAccepted,omitempty"`
	Acceptance     *bool  `json:"acceptance,omitempty"`
	RelatedLot     string `json:"relatedLot,omitempty"`
	Resolution     string `json:"resolution,omitempty"`
	ResolutionType string `json:"resolutionType,omitempty"`
	TendererAction string `json:"tendererAction,omitempty"`
}

// Page is one page of the changes feed.
type Page struct {
	Tenders    []Tender
	NextOffset string
}

type pageLink struct {
	Offset any    `json:"offset"`
	Path   string `json:"path"`
	URI    string `json:"uri"`
}

type pageResponse struct {
	Data     []Tender  `json:"data"`
	NextPage *pageLink `json:"next_page"`
}

type tenderResponse struct {
	Data Tender `json:"data"`
}
