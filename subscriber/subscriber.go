// Package subscriber defines webhook and script subscribers: the
// externally-owned configuration rows the pipelines read through a
// bounded-staleness cache. Subscriber CRUD belongs to the configuration
// store; this package only reads enabled, matching rows.
package subscriber

import (
	"net/url"

	"github.com/zral/coord/id"
	"github.com/zral/coord/retry"
)

// Kind distinguishes the two subscriber flavors.
type Kind string

const (
	// KindWebhook delivers an HTTP POST of the event payload.
	KindWebhook Kind = "webhook"
	// KindScript runs user-authored automation code in the sandbox.
	KindScript Kind = "script"
)

// EventType is one of the data-mutation kinds a subscriber can listen to.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Subscriber is one webhook or script registration.
type Subscriber struct {
	ID   id.SubscriberID `json:"id" bson:"_id"`
	Kind Kind            `json:"kind" bson:"kind"`
	Name string          `json:"name" bson:"name"`

	// TargetCollection is the collection whose mutations this subscriber
	// observes.
	TargetCollection string `json:"target_collection" bson:"target_collection"`

	// Events is the set of mutation kinds the subscriber listens to.
	Events []EventType `json:"events" bson:"events"`

	// FilterExpr is an optional boolean expression over the mutated
	// document, evaluated in the sandbox; empty matches everything.
	FilterExpr string `json:"filter_expr,omitempty" bson:"filter_expr,omitempty"`

	Enabled bool `json:"enabled" bson:"enabled"`

	// RateLimit parameterizes the shared retry engine for this subscriber.
	RateLimit retry.Policy `json:"rate_limit" bson:"rate_limit"`

	// URL is the delivery target. Webhook subscribers only.
	URL string `json:"url,omitempty" bson:"url,omitempty"`

	// ExcludeFields are stripped from the payload before delivery.
	// Webhook subscribers only.
	ExcludeFields []string `json:"exclude_fields,omitempty" bson:"exclude_fields,omitempty"`

	// Code is the automation script body. Script subscribers only.
	Code string `json:"code,omitempty" bson:"code,omitempty"`

	// CronExpr optionally schedules the script on a cron cadence in
	// addition to (or instead of) event triggers. Script subscribers only.
	CronExpr string `json:"cron_expr,omitempty" bson:"cron_expr,omitempty"`
}

// ListensTo reports whether the subscriber's event mask and target
// collection match the given mutation. The filter expression is evaluated
// separately by the pipeline because it needs the sandbox.
func (s *Subscriber) ListensTo(collection string, eventType EventType) bool {
	if !s.Enabled || s.TargetCollection != collection {
		return false
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// ValidURL reports whether the delivery target parses as an absolute
// http(s) URL. A false answer is a non-retryable configuration failure.
func (s *Subscriber) ValidURL() bool {
	u, err := url.Parse(s.URL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Policy returns the subscriber's rate limit, falling back to the default
// when unset.
func (s *Subscriber) Policy() retry.Policy {
	if s.RateLimit == (retry.Policy{}) {
		return retry.DefaultPolicy()
	}
	return s.RateLimit
}
