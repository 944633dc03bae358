// Package webhook implements the durable webhook delivery pipeline:
// dedup-locked enqueue of one delivery job per matching subscriber, and
// the per-attempt HTTP POST handler the worker pool runs.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/zral/coord/id"
	"github.com/zral/coord/subscriber"
)

// Envelope is the JSON body POSTed to a subscriber. It also serves as the
// job payload, so a retried delivery resends the original event exactly.
type Envelope struct {
	Timestamp  time.Time            `json:"timestamp"`
	Event      subscriber.EventType `json:"event"`
	Collection string               `json:"collection"`
	TriggerID  id.TriggerID         `json:"trigger_id"`
	Data       map[string]any       `json:"data"`
}

// NewEnvelope builds the delivery envelope for one data mutation.
func NewEnvelope(triggerID id.TriggerID, collection string, event subscriber.EventType, data map[string]any) *Envelope {
	return &Envelope{
		Timestamp:  time.Now().UTC(),
		Event:      event,
		Collection: collection,
		TriggerID:  triggerID,
		Data:       data,
	}
}

// Redacted returns a copy of the envelope with the given top-level data
// fields removed. The stored payload keeps the full document; exclusion
// is applied at delivery time so subscriber edits affect retries too.
func (e *Envelope) Redacted(fields []string) *Envelope {
	if len(fields) == 0 || e.Data == nil {
		return e
	}

	data := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		data[k] = v
	}
	for _, f := range fields {
		delete(data, f)
	}

	cp := *e
	cp.Data = data
	return &cp
}

// Marshal encodes the envelope as the job payload.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a job payload back into an envelope.
func UnmarshalEnvelope(payload []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
