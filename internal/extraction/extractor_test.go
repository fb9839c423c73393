package extraction

import (
	"reflect"
	"strings"
	"testing"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
)

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	log, err := logger.New("debug")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	ex, err := NewExtractor(log)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	return ex
}

func findItem(items []Item, kind Kind, category, text string) (Item, bool) {
	for _, it := range items {
		if it.Kind == kind && it.Category == category && it.Text == text {
			return it, true
		}
	}
	return Item{}, false
}

func TestExtractContactScenario(t *testing.T) {
	ex := newTestExtractor(t)
	text := "Contact: alice@example.com, works at Acme Corp on Project X"

	res := ex.Extract(text, "doc-1")
	if res.Partial {
		t.Fatalf("expected full extraction, got partial")
	}

	email, ok := findItem(res.Items, KindPersonal, "contact", "alice@example.com")
	if !ok {
		t.Fatalf("missing contact item, got %+v", res.Items)
	}
	if email.Label != "Email" {
		t.Fatalf("contact label = %q, want Email", email.Label)
	}
	if email.Start != 9 || email.End != 26 {
		t.Fatalf("contact span = [%d,%d), want [9,26)", email.Start, email.End)
	}

	org, ok := findItem(res.Items, KindEntity, "ORG", "Acme Corp")
	if !ok {
		t.Fatalf("missing ORG entity, got %+v", res.Items)
	}
	if org.Normalized != "acme corp" {
		t.Fatalf("org normalized = %q", org.Normalized)
	}

	project, ok := findItem(res.Items, KindTopic, "project", "Project X")
	if !ok {
		t.Fatalf("missing project topic, got %+v", res.Items)
	}
	if project.Count != 1 {
		t.Fatalf("project count = %d, want 1", project.Count)
	}

	company, ok := findItem(res.Items, KindPersonal, "professional", "Acme Corp")
	if !ok {
		t.Fatalf("missing professional item, got %+v", res.Items)
	}
	if company.Label != "Company" {
		t.Fatalf("professional label = %q, want Company", company.Label)
	}
}

func TestExtractOrdering(t *testing.T) {
	ex := newTestExtractor(t)
	res := ex.Extract("Contact: alice@example.com, works at Acme Corp on Project X", "doc-1")

	for i := 1; i < len(res.Items); i++ {
		prev, cur := res.Items[i-1], res.Items[i]
		if prev.Start > cur.Start {
			t.Fatalf("items out of order at %d: %+v before %+v", i, prev, cur)
		}
		if prev.Start == cur.Start && prev.Category > cur.Category {
			t.Fatalf("category tiebreak violated at %d: %q before %q", i, prev.Category, cur.Category)
		}
	}
}

func TestExtractDeterministic(t *testing.T) {
	ex := newTestExtractor(t)
	text := "Dr. Jane Smith studied Python at Stanford University.\n" +
		"def parse(line):\n    return json.loads(line)\n" +
		"Email her at jane@example.org, deadline due on 12/05/2026."

	first := ex.Extract(text, "doc-a")
	second := ex.Extract(text, "doc-a")
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("extraction not deterministic:\n%+v\n%+v", first, second)
	}
	if len(first.Items) == 0 {
		t.Fatal("expected items")
	}
}

func TestExtractTopicCounting(t *testing.T) {
	ex := newTestExtractor(t)
	res := ex.Extract("Python is great. I love python! PYTHON rocks.", "doc-t")

	topic, ok := findItem(res.Items, KindTopic, "technology", "Python")
	if !ok {
		t.Fatalf("missing Python topic, got %+v", res.Items)
	}
	if topic.Count != 3 {
		t.Fatalf("count = %d, want 3", topic.Count)
	}
	if topic.Weight != 0.6 {
		t.Fatalf("weight = %v, want 0.6", topic.Weight)
	}
	if topic.Start != 0 {
		t.Fatalf("start = %d, want 0", topic.Start)
	}
}

func TestExtractTopicWholeWord(t *testing.T) {
	ex := newTestExtractor(t)

	// "Java" must not fire inside "JavaScript".
	res := ex.Extract("JavaScript frameworks evolve quickly.", "doc-w")
	if _, ok := findItem(res.Items, KindTopic, "technology", "Java"); ok {
		t.Fatalf("Java matched inside JavaScript: %+v", res.Items)
	}
	if _, ok := findItem(res.Items, KindTopic, "technology", "JavaScript"); !ok {
		t.Fatalf("missing JavaScript topic: %+v", res.Items)
	}

	// Symbol-final names still match next to word characters, in line
	// with \b semantics after a non-word character.
	res = ex.Extract("We ship C++ services.", "doc-cpp")
	if _, ok := findItem(res.Items, KindTopic, "technology", "C++"); !ok {
		t.Fatalf("missing C++ topic: %+v", res.Items)
	}
}

func TestExtractConcepts(t *testing.T) {
	ex := newTestExtractor(t)
	text := "import json\n\ndef parse(line):\n    data = json.loads(line)\n    return data\n"

	res := ex.Extract(text, "doc-c")

	fn, ok := findItem(res.Items, KindConcept, "code", "Function Definition")
	if !ok {
		t.Fatalf("missing Function Definition, got %+v", res.Items)
	}
	if fn.Count != 1 {
		t.Fatalf("count = %d, want 1", fn.Count)
	}
	if !strings.Contains(fn.Example, "def parse(line):") {
		t.Fatalf("example excerpt %q lacks the matched line", fn.Example)
	}

	if _, ok := findItem(res.Items, KindConcept, "code", "Import Statement"); !ok {
		t.Fatalf("missing Import Statement, got %+v", res.Items)
	}
	if _, ok := findItem(res.Items, KindConcept, "code", "JSON Handling"); !ok {
		t.Fatalf("missing JSON Handling, got %+v", res.Items)
	}
}

func TestExtractPersonSpans(t *testing.T) {
	ex := newTestExtractor(t)
	res := ex.Extract("Dr. Jane Smith approved the rollout.", "doc-p")

	person, ok := findItem(res.Items, KindEntity, "PERSON", "Jane Smith")
	if !ok {
		t.Fatalf("missing PERSON entity, got %+v", res.Items)
	}
	if person.Weight != 0.6 {
		t.Fatalf("weight = %v, want 0.6", person.Weight)
	}
}

func TestExtractOverlapKeepsEarliestSpan(t *testing.T) {
	ex := newTestExtractor(t)
	res := ex.Extract("Submit the report due on 12/05/2026.", "doc-d")

	var temporal []Item
	for _, it := range res.Items {
		if it.Kind == KindPersonal && it.Category == "temporal" {
			temporal = append(temporal, it)
		}
	}
	if len(temporal) != 1 {
		t.Fatalf("temporal items = %+v, want exactly one", temporal)
	}
	if temporal[0].Label != "Date" || temporal[0].Text != "12/05/2026" {
		t.Fatalf("kept %+v, want the Date span", temporal[0])
	}
}

func TestExtractPartialWhenEntityLayerOff(t *testing.T) {
	t.Setenv("EXTRACTION_NER_ENABLED", "false")
	ex := newTestExtractor(t)

	res := ex.Extract("Acme Corp released a new SDK.", "doc-off")
	if !res.Partial {
		t.Fatal("expected partial result")
	}
	for _, it := range res.Items {
		if it.Kind == KindEntity {
			t.Fatalf("entity item with layer disabled: %+v", it)
		}
	}
}

func TestExtractEmptyText(t *testing.T) {
	ex := newTestExtractor(t)
	res := ex.Extract("   \n\t ", "doc-e")
	if len(res.Items) != 0 {
		t.Fatalf("items = %+v, want none", res.Items)
	}
}

func TestDedupeSpans(t *testing.T) {
	in := []Item{
		{Kind: KindEntity, Category: "ORG", Text: "Acme Corp Inc", Start: 0, End: 13},
		{Kind: KindEntity, Category: "ORG", Text: "Acme Corp", Start: 0, End: 9},
		{Kind: KindEntity, Category: "ORG", Text: "Corp Inc", Start: 5, End: 13},
		{Kind: KindEntity, Category: "ORG", Text: "Beta Ltd", Start: 20, End: 28},
		{Kind: KindEntity, Category: "PERSON", Text: "Acme", Start: 0, End: 4},
	}

	out := dedupeSpans(in)

	var orgs, persons []string
	for _, it := range out {
		switch it.Category {
		case "ORG":
			orgs = append(orgs, it.Text)
		case "PERSON":
			persons = append(persons, it.Text)
		}
	}
	if !reflect.DeepEqual(orgs, []string{"Acme Corp Inc", "Beta Ltd"}) {
		t.Fatalf("orgs = %v", orgs)
	}
	if !reflect.DeepEqual(persons, []string{"Acme"}) {
		t.Fatalf("persons = %v", persons)
	}
}

func TestRelatedTopics(t *testing.T) {
	ex := newTestExtractor(t)

	got := ex.RelatedTopics("JSON Handling")
	if !reflect.DeepEqual(got, []string{"Data Processing"}) {
		t.Fatalf("RelatedTopics = %v", got)
	}
	if topics := ex.RelatedTopics("No Such Concept"); len(topics) != 0 {
		t.Fatalf("unexpected topics %v", topics)
	}
}
