// Package extraction turns raw document text into knowledge items:
// named entities, technology topics, code concepts, and
// personal-information spans. The pipeline is deterministic — identical
// input yields identical items in identical order — because ingestion
// versioning relies on reproducible artifacts.
package extraction

import (
	"os"
	"sort"
	"strings"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
)

type Kind string

const (
	KindEntity   Kind = "entity"
	KindTopic    Kind = "topic"
	KindConcept  Kind = "concept"
	KindPersonal Kind = "personal"
)

// Item is one extracted knowledge item. Start/End are byte offsets of
// the first occurrence in the source text; Count is the number of
// occurrences for aggregated kinds (topic, concept).
type Item struct {
	Kind       Kind
	Text       string
	Normalized string
	Category   string
	Label      string
	Start      int
	End        int
	Count      int
	Weight     float64
	Example    string
}

type Result struct {
	Items []Item
	// Partial is set when the entity layer was disabled, so only
	// pattern and keyword results are present.
	Partial bool
}

type Extractor struct {
	log        *logger.Logger
	tables     *patternTables
	nerEnabled bool
}

func NewExtractor(log *logger.Logger) (*Extractor, error) {
	tables, err := loadPatternTables()
	if err != nil {
		return nil, err
	}

	enabled := true
	switch strings.TrimSpace(strings.ToLower(os.Getenv("EXTRACTION_NER_ENABLED"))) {
	case "0", "false", "no", "off":
		enabled = false
	}

	return &Extractor{
		log:        log.With("service", "Extractor"),
		tables:     tables,
		nerEnabled: enabled,
	}, nil
}

// Extract runs the layered pipeline over text. docID is carried for
// log provenance only.
func (e *Extractor) Extract(text, docID string) Result {
	res := Result{Partial: !e.nerEnabled}
	if strings.TrimSpace(text) == "" {
		return res
	}

	var items []Item

	if e.nerEnabled {
		entities := make([]Item, 0, 8)
		for _, span := range recognizeEntities(e.tables, text) {
			entities = append(entities, Item{
				Kind:       KindEntity,
				Text:       span.Text,
				Normalized: normalizeText(span.Text),
				Category:   span.Label,
				Start:      span.Start,
				End:        span.End,
				Count:      1,
				Weight:     0.6,
			})
		}
		items = append(items, dedupeSpans(entities)...)
	}

	items = append(items, e.extractTopics(text)...)
	items = append(items, e.extractConcepts(text)...)
	items = append(items, dedupeSpans(e.extractPersonal(text))...)

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Start != items[j].Start {
			return items[i].Start < items[j].Start
		}
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].Text < items[j].Text
	})

	res.Items = items
	e.log.Debug("extraction finished",
		"doc_id", docID,
		"items", len(items),
		"partial", res.Partial,
	)
	return res
}

// RelatedTopics returns the topic names a concept is linked to in the
// pattern tables. Used by the graph writer for RELATED_TO edges.
func (e *Extractor) RelatedTopics(conceptName string) []string {
	var out []string
	for topic, concepts := range e.tables.TopicConceptMap {
		for _, c := range concepts {
			if c == conceptName {
				out = append(out, topic)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (e *Extractor) extractTopics(text string) []Item {
	lower := lowerASCII(text)
	var items []Item

	for _, topic := range e.tables.Topics {
		count, first := scanWholeWord(lower, strings.ToLower(topic))
		if count == 0 {
			continue
		}
		items = append(items, Item{
			Kind:       KindTopic,
			Text:       topic,
			Normalized: normalizeText(topic),
			Category:   "technology",
			Start:      first[0],
			End:        first[1],
			Count:      count,
			Weight:     occurrenceWeight(count),
		})
	}

	// Named mentions: one aggregated item per distinct mention text.
	for _, tm := range e.tables.TopicMentions {
		byText := map[string]*Item{}
		var order []string
		for _, loc := range tm.Re.FindAllStringIndex(text, -1) {
			mention := strings.TrimSpace(text[loc[0]:loc[1]])
			if mention == "" {
				continue
			}
			key := normalizeText(mention)
			if existing, ok := byText[key]; ok {
				existing.Count++
				existing.Weight = occurrenceWeight(existing.Count)
				continue
			}
			byText[key] = &Item{
				Kind:       KindTopic,
				Text:       mention,
				Normalized: key,
				Category:   tm.Category,
				Start:      loc[0],
				End:        loc[1],
				Count:      1,
				Weight:     occurrenceWeight(1),
			}
			order = append(order, key)
		}
		for _, key := range order {
			items = append(items, *byText[key])
		}
	}

	return items
}

func (e *Extractor) extractConcepts(text string) []Item {
	var items []Item
	for _, c := range e.tables.Concepts {
		locs := c.Re.FindAllStringIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		first := locs[0]
		items = append(items, Item{
			Kind:       KindConcept,
			Text:       c.Name,
			Normalized: normalizeText(c.Name),
			Category:   "code",
			Label:      c.Name,
			Start:      first[0],
			End:        first[1],
			Count:      len(locs),
			Weight:     occurrenceWeight(len(locs)),
			Example:    excerptAround(text, first[0], first[1]),
		})
	}
	return items
}

func (e *Extractor) extractPersonal(text string) []Item {
	var items []Item
	for _, p := range e.tables.Personal {
		for _, m := range p.Re.FindAllStringSubmatchIndex(text, -1) {
			value, start, end := submatchValue(text, m)
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			items = append(items, Item{
				Kind:       KindPersonal,
				Text:       value,
				Normalized: normalizeText(value),
				Category:   p.Category,
				Label:      p.Label,
				Start:      start,
				End:        end,
				Count:      1,
				Weight:     0.5,
			})
		}
	}
	return items
}

// submatchValue mirrors findall semantics: when the pattern captures
// groups, the value is the concatenation of the non-empty groups;
// otherwise the whole match.
func submatchValue(text string, m []int) (string, int, int) {
	if len(m) > 2 {
		var b strings.Builder
		start, end := -1, -1
		for gi := 1; gi < len(m)/2; gi++ {
			s, e := m[2*gi], m[2*gi+1]
			if s < 0 || e <= s {
				continue
			}
			if start == -1 {
				start = s
			}
			end = e
			b.WriteString(text[s:e])
		}
		if b.Len() > 0 {
			return b.String(), start, end
		}
	}
	return text[m[0]:m[1]], m[0], m[1]
}

// dedupeSpans collapses overlapping spans within one (kind, category)
// group: first by start offset, longest span wins on equal start.
func dedupeSpans(items []Item) []Item {
	if len(items) < 2 {
		return items
	}

	groups := map[string][]Item{}
	var order []string
	for _, it := range items {
		key := string(it.Kind) + "|" + it.Category
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], it)
	}

	var out []Item
	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Start != group[j].Start {
				return group[i].Start < group[j].Start
			}
			return group[i].End > group[j].End
		})
		lastEnd := -1
		for _, it := range group {
			if it.Start < lastEnd {
				continue
			}
			out = append(out, it)
			lastEnd = it.End
		}
	}
	return out
}

func occurrenceWeight(count int) float64 {
	w := 0.2 * float64(count)
	if w > 1 {
		return 1
	}
	return w
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// lowerASCII lowercases A-Z in place byte-wise so offsets into the
// original text stay valid.
func lowerASCII(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			if b == nil {
				b = []byte(s)
			}
			b[i] = c + ('a' - 'A')
		}
	}
	if b == nil {
		return s
	}
	return string(b)
}

// scanWholeWord counts non-overlapping whole-word occurrences of needle
// in haystack (both already lowercased) and reports the first span.
func scanWholeWord(haystack, needle string) (int, [2]int) {
	if needle == "" {
		return 0, [2]int{}
	}
	count := 0
	first := [2]int{}
	off := 0
	for {
		idx := strings.Index(haystack[off:], needle)
		if idx < 0 {
			break
		}
		start := off + idx
		end := start + len(needle)

		boundaryBefore := start == 0 || !isWordByte(haystack[start-1]) || !isWordByte(needle[0])
		boundaryAfter := end == len(haystack) || !isWordByte(haystack[end]) || !isWordByte(needle[len(needle)-1])
		if boundaryBefore && boundaryAfter {
			if count == 0 {
				first = [2]int{start, end}
			}
			count++
			off = end
			continue
		}
		off = start + 1
	}
	return count, first
}

func isWordByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// excerptAround returns the trimmed context window the concept example
// carries (50 bytes each side, clamped to the text).
func excerptAround(text string, start, end int) string {
	from := start - 50
	if from < 0 {
		from = 0
	}
	to := end + 50
	if to > len(text) {
		to = len(text)
	}
	for from > 0 && (text[from]&0xC0) == 0x80 {
		from--
	}
	for to < len(text) && (text[to]&0xC0) == 0x80 {
		to++
	}
	return strings.TrimSpace(text[from:to])
}
