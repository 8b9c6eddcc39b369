package pii

// EntityType is the closed set of entity classes the NER model emits.
type EntityType string

// Entity classes.
const (
	EntityPerson       EntityType = "PER"
	EntityOrganization EntityType = "ORG"
	EntityLocation     EntityType = "LOC"
)

// DetectorInput represents the input for named-entity detection
type DetectorInput struct {
	Text string `json:"text"`
}

// Entity represents a detected named entity with byte offsets into the
// analyzed text
type Entity struct {
	Text       string     `json:"text"`
	Type       EntityType `json:"type"`
	StartPos   int        `json:"start_pos"`
	EndPos     int        `json:"end_pos"`
	Confidence float64    `json:"confidence"`
}

// DetectorOutput represents the output of named-entity detection
type DetectorOutput struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities"`
}
