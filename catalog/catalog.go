package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"price-extractor/internal/types"
)

// Catalog is the static list of targets for a run.
type Catalog struct {
	Targets []*types.Target `yaml:"targets"`
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates catalog YAML. Unknown keys are rejected so that
// typos in extraction rules do not silently disable a field.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}

	for _, t := range c.Targets {
		applyDefaults(t)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyDefaults(t *types.Target) {
	if t.Render == "" {
		t.Render = types.RenderBrowser
	}
	if t.SchemaVersion == 0 {
		t.SchemaVersion = types.SchemaVersion
	}
	if t.DatePolicy == "" {
		t.DatePolicy = types.DatePolicyFetchDate
	}
	if t.Defaults.Unit == "" {
		t.Defaults.Unit = "unit"
	}
	if t.Defaults.Currency != "" {
		t.Defaults.Currency = strings.ToUpper(t.Defaults.Currency)
	}
	if t.Rules.Scroll != nil && t.Rules.Scroll.Checks <= 0 {
		t.Rules.Scroll.Checks = 3
	}
}

// Validate checks every target and reports all problems at once.
func (c *Catalog) Validate() error {
	var errs []error
	seen := make(map[string]bool)

	for i, t := range c.Targets {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("target #%d: id is required", i))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("target %s: duplicate id", t.ID))
		}
		seen[t.ID] = true

		for _, err := range validateTarget(t) {
			errs = append(errs, fmt.Errorf("target %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

func validateTarget(t *types.Target) []error {
	var errs []error

	if strings.ContainsAny(t.ID, `/\ `) {
		errs = append(errs, fmt.Errorf("id must not contain slashes or spaces"))
	}
	if u, err := url.Parse(t.Location); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("location %q is not an absolute URL", t.Location))
	}
	if t.Render != types.RenderBrowser && t.Render != types.RenderStatic {
		errs = append(errs, fmt.Errorf("unknown render mode %q", t.Render))
	}
	if t.SchemaVersion != types.SchemaVersion {
		errs = append(errs, fmt.Errorf("unsupported schema version %d", t.SchemaVersion))
	}
	if t.DatePolicy != types.DatePolicyFetchDate && t.DatePolicy != types.DatePolicyRequire {
		errs = append(errs, fmt.Errorf("unknown date policy %q", t.DatePolicy))
	}
	if t.Locale != "" {
		if _, err := language.Parse(t.Locale); err != nil {
			errs = append(errs, fmt.Errorf("invalid locale %q: %w", t.Locale, err))
		}
	}
	if t.Timezone != "" {
		if _, err := time.LoadLocation(t.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("invalid timezone %q: %w", t.Timezone, err))
		}
	}
	if t.Defaults.Currency != "" {
		if _, err := currency.ParseISO(t.Defaults.Currency); err != nil {
			errs = append(errs, fmt.Errorf("invalid default currency %q: %w", t.Defaults.Currency, err))
		}
	}
	if t.MaxPrice < 0 {
		errs = append(errs, fmt.Errorf("max_price must not be negative"))
	}

	errs = append(errs, validateRules(&t.Rules)...)
	return errs
}

func validateRules(r *types.Rules) []error {
	var errs []error

	if r.RecordSelector == "" {
		errs = append(errs, fmt.Errorf("rules.record_selector is required"))
	} else if _, err := cascadia.Compile(r.RecordSelector); err != nil {
		errs = append(errs, fmt.Errorf("invalid record_selector %q: %w", r.RecordSelector, err))
	}
	if r.WaitSelector != "" {
		if _, err := cascadia.Compile(r.WaitSelector); err != nil {
			errs = append(errs, fmt.Errorf("invalid wait_selector %q: %w", r.WaitSelector, err))
		}
	}

	for _, required := range []string{types.FieldItemID, types.FieldPrice} {
		fr, ok := r.Fields[required]
		if !ok {
			errs = append(errs, fmt.Errorf("rules.fields.%s is required", required))
		} else if fr.Optional {
			errs = append(errs, fmt.Errorf("rules.fields.%s cannot be optional", required))
		}
	}

	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fr := r.Fields[name]
		if !knownFields[name] {
			errs = append(errs, fmt.Errorf("unknown field %q", name))
		}
		if fr.Selector != "" {
			if _, err := cascadia.Compile(fr.Selector); err != nil {
				errs = append(errs, fmt.Errorf("field %s: invalid selector %q: %w", name, fr.Selector, err))
			}
		}
		if fr.Pattern != "" {
			if _, err := regexp.Compile(fr.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("field %s: invalid pattern %q: %w", name, fr.Pattern, err))
			}
		}
		if fr.Index < 0 {
			errs = append(errs, fmt.Errorf("field %s: index must not be negative", name))
		}
	}
	return errs
}

var knownFields = map[string]bool{
	types.FieldItemID:   true,
	types.FieldPrice:    true,
	types.FieldCurrency: true,
	types.FieldUnit:     true,
	types.FieldDate:     true,
	types.FieldName:     true,
	types.FieldBrand:    true,
	types.FieldCategory: true,
	types.FieldURI:      true,
}

// Select returns the enabled targets for a mode. The production mode runs the
// whole catalog; the test mode runs only entries flagged as test targets.
// A non-empty ids list narrows the selection further; repeated ids are
// selected once.
func (c *Catalog) Select(mode string, ids []string) ([]*types.Target, error) {
	var selected []*types.Target
	for _, t := range c.Targets {
		if !t.IsEnabled() {
			continue
		}
		if mode == types.ModeTest && !t.Test {
			continue
		}
		selected = append(selected, t)
	}

	if len(ids) == 0 {
		return selected, nil
	}

	byID := make(map[string]*types.Target, len(selected))
	for _, t := range selected {
		byID[t.ID] = t
	}
	narrowed := make([]*types.Target, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("target %q is not enabled in %s mode", id, mode)
		}
		narrowed = append(narrowed, t)
	}
	return narrowed, nil
}

// Get returns the target with the given id.
func (c *Catalog) Get(id string) (*types.Target, bool) {
	for _, t := range c.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}
