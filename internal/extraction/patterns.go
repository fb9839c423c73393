package extraction

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const patternsEnv = "EXTRACTION_PATTERNS_YAML"

//go:embed patterns.yaml
var patternsFS embed.FS

type yamlPatternSpec struct {
	Version              int                 `yaml:"version"`
	Topics               []string            `yaml:"topics"`
	TopicMentionPatterns []yamlTopicMention  `yaml:"topic_mention_patterns"`
	ConceptPatterns      []yamlConcept       `yaml:"concept_patterns"`
	TopicConceptMap      map[string][]string `yaml:"topic_concept_map"`
	PersonalPatterns     []yamlPersonal      `yaml:"personal_patterns"`
	NER                  yamlNER             `yaml:"ner"`
	StopWords            []string            `yaml:"stop_words"`
}

type yamlTopicMention struct {
	Category string `yaml:"category"`
	Pattern  string `yaml:"pattern"`
}

type yamlConcept struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

type yamlPersonal struct {
	Category string `yaml:"category"`
	Label    string `yaml:"label"`
	Pattern  string `yaml:"pattern"`
}

type yamlNER struct {
	Honorifics     []string `yaml:"honorifics"`
	Connectors     []string `yaml:"connectors"`
	PersonPatterns []string `yaml:"person_patterns"`
	OrgSuffixes    []string `yaml:"org_suffixes"`
	GPENames       []string `yaml:"gpe_names"`
	EventSuffixes  []string `yaml:"event_suffixes"`
	LawSuffixes    []string `yaml:"law_suffixes"`
	ProductNames   []string `yaml:"product_names"`
	WorkCues       []string `yaml:"work_cues"`
}

type compiledTopicMention struct {
	Category string
	Re       *regexp.Regexp
}

type compiledConcept struct {
	Name string
	Re   *regexp.Regexp
}

type compiledPersonal struct {
	Category string
	Label    string
	Re       *regexp.Regexp
}

// patternTables is the immutable compiled form shared read-only by every
// extractor instance.
type patternTables struct {
	Topics          []string
	TopicMentions   []compiledTopicMention
	Concepts        []compiledConcept
	TopicConceptMap map[string][]string

	Personal []compiledPersonal

	Honorifics     map[string]struct{}
	Connectors     map[string]struct{}
	PersonRes      []*regexp.Regexp
	OrgSuffixes    map[string]struct{}
	GPENames       map[string]struct{}
	EventSuffixes  map[string]struct{}
	LawSuffixes    map[string]struct{}
	ProductNames   map[string]struct{}
	WorkCues       map[string]struct{}
	StopWords      map[string]struct{}
}

var (
	tablesOnce  sync.Once
	tablesCache *patternTables
	tablesErr   error
)

// loadPatternTables parses and compiles the pattern file once per process.
func loadPatternTables() (*patternTables, error) {
	tablesOnce.Do(func() {
		tablesCache, tablesErr = parsePatternTables()
	})
	return tablesCache, tablesErr
}

func parsePatternTables() (*patternTables, error) {
	data, err := readPatternSpec()
	if err != nil {
		return nil, fmt.Errorf("extraction: read pattern spec: %w", err)
	}

	var spec yamlPatternSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("extraction: parse pattern spec: %w", err)
	}
	if err := validatePatternSpec(&spec); err != nil {
		return nil, fmt.Errorf("extraction: invalid pattern spec: %w", err)
	}

	t := &patternTables{
		Topics:          dedupeStrings(spec.Topics),
		TopicConceptMap: map[string][]string{},
		Honorifics:      stringSet(spec.NER.Honorifics),
		Connectors:      stringSet(lowercaseAll(spec.NER.Connectors)),
		OrgSuffixes:     stringSet(spec.NER.OrgSuffixes),
		GPENames:        stringSet(spec.NER.GPENames),
		EventSuffixes:   stringSet(spec.NER.EventSuffixes),
		LawSuffixes:     stringSet(spec.NER.LawSuffixes),
		ProductNames:    stringSet(spec.NER.ProductNames),
		WorkCues:        stringSet(lowercaseAll(spec.NER.WorkCues)),
		StopWords:       stringSet(lowercaseAll(spec.StopWords)),
	}

	for _, tm := range spec.TopicMentionPatterns {
		re, err := regexp.Compile(tm.Pattern)
		if err != nil {
			return nil, fmt.Errorf("extraction: topic mention pattern %q: %w", tm.Category, err)
		}
		t.TopicMentions = append(t.TopicMentions, compiledTopicMention{Category: tm.Category, Re: re})
	}

	for _, c := range spec.ConceptPatterns {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("extraction: concept pattern %q: %w", c.Name, err)
		}
		t.Concepts = append(t.Concepts, compiledConcept{Name: c.Name, Re: re})
	}

	for _, p := range spec.PersonalPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("extraction: personal pattern %s/%s: %w", p.Category, p.Label, err)
		}
		t.Personal = append(t.Personal, compiledPersonal{Category: p.Category, Label: p.Label, Re: re})
	}

	for _, raw := range spec.NER.PersonPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("extraction: person pattern: %w", err)
		}
		t.PersonRes = append(t.PersonRes, re)
	}

	topicSet := stringSet(t.Topics)
	for topic, concepts := range spec.TopicConceptMap {
		if _, ok := topicSet[topic]; !ok {
			return nil, fmt.Errorf("extraction: topic_concept_map references unknown topic %q", topic)
		}
		t.TopicConceptMap[topic] = dedupeStrings(concepts)
	}

	return t, nil
}

func readPatternSpec() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(patternsEnv)); path != "" {
		return os.ReadFile(path)
	}
	return patternsFS.ReadFile("patterns.yaml")
}

func validatePatternSpec(spec *yamlPatternSpec) error {
	if spec == nil {
		return errors.New("missing spec")
	}
	if spec.Version != 1 {
		return fmt.Errorf("unsupported version: %d", spec.Version)
	}
	if len(spec.Topics) == 0 {
		return errors.New("no topics defined")
	}
	if len(spec.ConceptPatterns) == 0 {
		return errors.New("no concept patterns defined")
	}
	if len(spec.PersonalPatterns) == 0 {
		return errors.New("no personal patterns defined")
	}

	conceptNames := map[string]bool{}
	for _, c := range spec.ConceptPatterns {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return errors.New("concept pattern name is required")
		}
		if conceptNames[name] {
			return fmt.Errorf("duplicate concept pattern: %s", name)
		}
		conceptNames[name] = true
		if strings.TrimSpace(c.Pattern) == "" {
			return fmt.Errorf("concept pattern %s: empty pattern", name)
		}
	}

	for _, p := range spec.PersonalPatterns {
		if strings.TrimSpace(p.Category) == "" {
			return errors.New("personal pattern category is required")
		}
		if strings.TrimSpace(p.Label) == "" {
			return fmt.Errorf("personal pattern in category %s: label is required", p.Category)
		}
		if strings.TrimSpace(p.Pattern) == "" {
			return fmt.Errorf("personal pattern %s/%s: empty pattern", p.Category, p.Label)
		}
	}

	for topic, concepts := range spec.TopicConceptMap {
		if strings.TrimSpace(topic) == "" {
			return errors.New("topic_concept_map key is required")
		}
		for _, c := range concepts {
			if !conceptNames[c] {
				return fmt.Errorf("topic_concept_map %s: unknown concept %s", topic, c)
			}
		}
	}

	return nil
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func stringSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out[v] = struct{}{}
	}
	return out
}

func lowercaseAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, strings.ToLower(v))
	}
	return out
}
