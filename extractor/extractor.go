package extractor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"price-extractor/internal/types"
)

// Extract applies the target's rules to rendered content and returns one
// candidate per matching fragment. It depends only on its inputs.
func Extract(target *types.Target, content *types.RenderedContent) ([]types.CandidateRecord, error) {
	if strings.TrimSpace(content.HTML) == "" {
		return nil, &types.ExtractionError{
			Kind:     types.KindMalformedContent,
			TargetID: target.ID,
			URL:      content.URL,
			Err:      fmt.Errorf("empty content"),
		}
	}

	doc, err := ParseHTML(content.HTML)
	if err != nil {
		return nil, &types.ExtractionError{
			Kind:     types.KindMalformedContent,
			TargetID: target.ID,
			URL:      content.URL,
			Err:      err,
		}
	}

	fragments := doc.Find(target.Rules.RecordSelector)
	if fragments.Length() == 0 {
		return nil, &types.ExtractionError{
			Kind:     types.KindNoRecordsFound,
			TargetID: target.ID,
			URL:      content.URL,
			Err:      fmt.Errorf("no elements match %q", target.Rules.RecordSelector),
		}
	}

	// Fields are visited in a fixed order so that results never depend on
	// map iteration.
	names := make([]string, 0, len(target.Rules.Fields))
	for name := range target.Rules.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	candidates := make([]types.CandidateRecord, 0, fragments.Length())
	var ruleErr error
	fragments.EachWithBreak(func(i int, fragment *goquery.Selection) bool {
		fields := make(map[string]string, len(names))
		var missing []string
		for _, name := range names {
			rule := target.Rules.Fields[name]
			value, ok, err := ExtractField(fragment, rule)
			if err != nil {
				ruleErr = fmt.Errorf("field %s: %w", name, err)
				return false
			}
			if ok {
				fields[name] = value
			} else if !rule.Optional {
				missing = append(missing, name)
			}
		}

		confidence := 0.0
		if len(names) > 0 {
			confidence = float64(len(fields)) / float64(len(names))
		}
		candidates = append(candidates, types.CandidateRecord{
			TargetID:   target.ID,
			URL:        content.URL,
			Fields:     fields,
			Position:   i,
			Confidence: confidence,
			Missing:    missing,
		})
		return true
	})
	if ruleErr != nil {
		return nil, &types.ExtractionError{
			Kind:     types.KindMalformedContent,
			TargetID: target.ID,
			URL:      content.URL,
			Err:      ruleErr,
		}
	}

	return candidates, nil
}

// ParseHTML parses HTML content into a goquery document
func ParseHTML(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// ExtractField resolves one field rule inside a record fragment. It returns
// false when the value is absent, which is not an error.
func ExtractField(fragment *goquery.Selection, rule types.FieldRule) (string, bool, error) {
	nodes := fragment
	if rule.Selector != "" {
		nodes = fragment.Find(rule.Selector)
	}
	if rule.Index >= nodes.Length() {
		return "", false, nil
	}
	node := nodes.Eq(rule.Index)

	var value string
	if rule.Attr != "" {
		attr, exists := node.Attr(rule.Attr)
		if !exists {
			return "", false, nil
		}
		value = attr
	} else {
		value = node.Text()
	}
	value = collapseSpace(value)

	if rule.Pattern != "" {
		re, err := compilePattern(rule.Pattern)
		if err != nil {
			return "", false, err
		}
		m := re.FindStringSubmatch(value)
		if m == nil {
			return "", false, nil
		}
		if len(m) > 1 {
			value = strings.TrimSpace(m[1])
		} else {
			value = strings.TrimSpace(m[0])
		}
	}

	if value == "" {
		return "", false, nil
	}
	return value, true, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var patterns sync.Map // pattern -> *regexp.Regexp

func compilePattern(p string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
	}
	patterns.Store(p, re)
	return re, nil
}
