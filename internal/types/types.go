package types

import (
	"context"
	"time"
)

// Render modes for a target.
const (
	RenderBrowser = "browser"
	RenderStatic  = "static"
)

// Date policies decide what happens when a page carries no observation date.
const (
	DatePolicyFetchDate = "fetch_date"
	DatePolicyRequire   = "require"
)

// Canonical field names produced by extraction rules.
const (
	FieldItemID   = "item_id"
	FieldPrice    = "price"
	FieldCurrency = "currency"
	FieldUnit     = "unit"
	FieldDate     = "date"
	FieldName     = "name"
	FieldBrand    = "brand"
	FieldCategory = "category"
	FieldURI      = "uri"
)

// SchemaVersion is the record schema version this build understands.
const SchemaVersion = 1

// Target is one configured source to scrape. Targets are created from the
// catalog at startup and never modified afterwards.
type Target struct {
	ID            string        `yaml:"id" json:"id"`
	Name          string        `yaml:"name" json:"name,omitempty"`
	Location      string        `yaml:"location" json:"location"`
	Pages         []string      `yaml:"pages" json:"pages,omitempty"`
	Render        string        `yaml:"render" json:"render"`
	SchemaVersion int           `yaml:"schema_version" json:"schema_version"`
	Enabled       *bool         `yaml:"enabled" json:"enabled,omitempty"`
	Test          bool          `yaml:"test" json:"test,omitempty"`
	Locale        string        `yaml:"locale" json:"locale,omitempty"`
	Timezone      string        `yaml:"timezone" json:"timezone,omitempty"`
	Delay         time.Duration `yaml:"delay" json:"delay,omitempty"`
	Defaults      Defaults      `yaml:"defaults" json:"defaults"`
	DatePolicy    string        `yaml:"date_policy" json:"date_policy,omitempty"`
	DateLayout    string        `yaml:"date_layout" json:"date_layout,omitempty"`
	MaxPrice      float64       `yaml:"max_price" json:"max_price,omitempty"`
	Rules         Rules         `yaml:"rules" json:"rules"`
}

// IsEnabled reports whether the target takes part in runs. Targets are
// enabled unless the catalog says otherwise.
func (t *Target) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// URLs returns the page URLs of the target in catalog order.
func (t *Target) URLs() []string {
	if len(t.Pages) == 0 {
		return []string{t.Location}
	}
	urls := make([]string, 0, len(t.Pages))
	for _, p := range t.Pages {
		urls = append(urls, joinURL(t.Location, p))
	}
	return urls
}

func joinURL(base, page string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	for len(page) > 0 && page[0] == '/' {
		page = page[1:]
	}
	if page == "" {
		return base
	}
	return base + "/" + page
}

// Defaults are applied by the normalizer when a page does not state a value.
type Defaults struct {
	Currency string `yaml:"currency" json:"currency,omitempty"`
	Unit     string `yaml:"unit" json:"unit,omitempty"`
}

// Rules describe how to find records in rendered content.
type Rules struct {
	// RecordSelector matches one fragment per record.
	RecordSelector string `yaml:"record_selector" json:"record_selector"`

	// WaitSelector is the page-ready signal. Empty means RecordSelector.
	WaitSelector string `yaml:"wait_selector" json:"wait_selector,omitempty"`

	Fields map[string]FieldRule `yaml:"fields" json:"fields"`
	Scroll *ScrollRule          `yaml:"scroll" json:"scroll,omitempty"`
}

// ReadySelector returns the selector a fetch waits for before snapshotting.
func (r Rules) ReadySelector() string {
	if r.WaitSelector != "" {
		return r.WaitSelector
	}
	return r.RecordSelector
}

// FieldRule locates one raw value inside a record fragment.
type FieldRule struct {
	// Selector is relative to the fragment; empty selects the fragment itself.
	Selector string `yaml:"selector" json:"selector,omitempty"`

	// Attr reads an attribute instead of the element text.
	Attr string `yaml:"attr" json:"attr,omitempty"`

	// Index picks the n-th match of Selector.
	Index int `yaml:"index" json:"index,omitempty"`

	// Pattern is a regular expression; its first capture group (or the
	// whole match) becomes the value.
	Pattern string `yaml:"pattern" json:"pattern,omitempty"`

	// Optional fields may be absent from a record; a missing non-optional
	// field rejects the record.
	Optional bool `yaml:"optional" json:"optional,omitempty"`
}

// ScrollRule enables scrolling to the bottom of infinite listings.
type ScrollRule struct {
	// Checks is the number of consecutive unchanged heights that ends scrolling.
	Checks int           `yaml:"checks" json:"checks"`
	Delay  time.Duration `yaml:"delay" json:"delay"`

	// MaxScrolls caps the number of scroll steps.
	MaxScrolls int `yaml:"max_scrolls" json:"max_scrolls,omitempty"`
}

// RenderedContent is the fully loaded markup of one page.
type RenderedContent struct {
	TargetID   string
	URL        string
	HTML       string
	FetchedAt  time.Time
	StatusCode int
}

// CandidateRecord is an unvalidated extraction from rendered content.
type CandidateRecord struct {
	TargetID string
	URL      string
	Fields   map[string]string

	// Position is the index of the fragment in document order.
	Position int

	// Confidence is the share of configured fields that resolved.
	Confidence float64

	// Missing lists fields whose rule is not optional but resolved nothing.
	Missing []string
}

// Get returns a raw field value and whether it was extracted.
func (c *CandidateRecord) Get(field string) (string, bool) {
	v, ok := c.Fields[field]
	return v, ok
}

// PriceRecord is a validated price observation.
type PriceRecord struct {
	TargetID        string    `json:"target_id"`
	ItemID          string    `json:"item_id"`
	Name            string    `json:"name,omitempty"`
	Brand           string    `json:"brand,omitempty"`
	Category        string    `json:"category,omitempty"`
	URI             string    `json:"uri,omitempty"`
	Price           float64   `json:"price"`
	Currency        string    `json:"currency"`
	Unit            string    `json:"unit"`
	ObservationDate string    `json:"observation_date"`
	ScrapedAt       time.Time `json:"scraped_at"`
}

// Key returns the uniqueness key of the record.
func (r *PriceRecord) Key() Key {
	return Key{TargetID: r.TargetID, ItemID: r.ItemID, Date: r.ObservationDate}
}

// SameObservation reports whether two records carry the same observed values,
// ignoring when they were scraped.
func (r *PriceRecord) SameObservation(o *PriceRecord) bool {
	return r.Key() == o.Key() &&
		r.Price == o.Price &&
		r.Currency == o.Currency &&
		r.Unit == o.Unit &&
		r.Name == o.Name &&
		r.Brand == o.Brand &&
		r.Category == o.Category &&
		r.URI == o.URI
}

// Key identifies a record in the output store.
type Key struct {
	TargetID string `json:"target_id"`
	ItemID   string `json:"item_id"`
	Date     string `json:"date"`
}

func (k Key) String() string {
	return k.TargetID + "/" + k.ItemID + "@" + k.Date
}

// Conflict is a record that collided with a stored one under the reject policy.
type Conflict struct {
	Key      Key     `json:"key"`
	Stored   float64 `json:"stored_price"`
	Incoming float64 `json:"incoming_price"`
}

// WriteResult summarizes one Write call.
type WriteResult struct {
	Written    int        `json:"written"`
	Unchanged  int        `json:"unchanged"`
	Superseded int        `json:"superseded"`
	Conflicts  []Conflict `json:"conflicts,omitempty"`
}

// Add merges another result into r.
func (r *WriteResult) Add(o *WriteResult) {
	if o == nil {
		return
	}
	r.Written += o.Written
	r.Unchanged += o.Unchanged
	r.Superseded += o.Superseded
	r.Conflicts = append(r.Conflicts, o.Conflicts...)
}

// Fetcher returns rendered content for one page of a target.
type Fetcher interface {
	Fetch(ctx context.Context, target *Target, url string) (*RenderedContent, error)
}
