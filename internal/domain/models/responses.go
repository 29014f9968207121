// internal/domain/models/responses.go
package models

import "time"

// ComponentResponse is the answers and timing for one questionnaire or media
// component, stored under responses[componentID].
type ComponentResponse struct {
	Answers  map[string]interface{} `bson:"answers" json:"answers"`
	Metadata ResponseMetadata       `bson:"metadata" json:"metadata"`

	Extra map[string]interface{} `bson:",inline" json:"-"`
}

type componentJSON ComponentResponse

// MarshalJSON writes answers and metadata plus any component-level Extra keys.
func (c ComponentResponse) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(componentJSON(c), c.Extra)
}

// UnmarshalJSON keeps unknown component keys in Extra.
func (c *ComponentResponse) UnmarshalJSON(data []byte) error {
	var v componentJSON
	extra, err := unmarshalWithExtra(data, &v)
	if err != nil {
		return err
	}
	v.Extra = extra
	*c = ComponentResponse(v)
	return nil
}

// ResponseMetadata records when and how a component was answered.
// Unmodeled keys written by individual components live in Extra.
type ResponseMetadata struct {
	StartedAt        *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt      *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	LastUpdated      *time.Time `bson:"last_updated,omitempty" json:"last_updated,omitempty"`
	TimeSpentSeconds float64    `bson:"time_spent_seconds,omitempty" json:"time_spent_seconds,omitempty"`
	Device           string     `bson:"device,omitempty" json:"device,omitempty"`
	Completed        bool       `bson:"completed,omitempty" json:"completed,omitempty"`

	Extra map[string]interface{} `bson:",inline" json:"-"`
}

type metadataJSON ResponseMetadata

// MarshalJSON writes the modeled metadata fields plus Extra.
func (m ResponseMetadata) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(metadataJSON(m), m.Extra)
}

// UnmarshalJSON keeps unknown metadata keys in Extra.
func (m *ResponseMetadata) UnmarshalJSON(data []byte) error {
	var v metadataJSON
	extra, err := unmarshalWithExtra(data, &v)
	if err != nil {
		return err
	}
	v.Extra = extra
	*m = ResponseMetadata(v)
	return nil
}

// normalize replaces driver container types left behind by bson decoding.
func (c *ComponentResponse) normalize() {
	c.Answers = normalizeMap(c.Answers)
	c.Metadata.Extra = normalizeMap(c.Metadata.Extra)
	c.Extra = normalizeMap(c.Extra)
}

// Normalize cleans every nested map after a store read.
func (p *Participant) Normalize() {
	for id, c := range p.Responses {
		c.normalize()
		p.Responses[id] = c
	}
	p.Extra = normalizeMap(p.Extra)
}
