package extraction

import "strings"

// QueryTerms derives graph lookup seeds from a free-form question:
// every non-stop-word token longer than two characters, plus each
// capitalized multi-word phrase as a single term. Order follows first
// appearance and duplicates are removed, so the same question always
// produces the same seed list.
func (e *Extractor) QueryTerms(query string) []string {
	var terms []string
	seen := map[string]struct{}{}
	add := func(t string) {
		t = normalizeText(t)
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}

	tokens := tokenize(query)
	for _, tok := range tokens {
		word := strings.ToLower(trimToken(tok.Text))
		if len(word) <= 2 {
			continue
		}
		if _, stop := e.tables.StopWords[word]; stop {
			continue
		}
		add(word)
	}

	for _, phrase := range capitalizedPhrases(query, tokens) {
		add(phrase)
	}

	return terms
}

// capitalizedPhrases joins space-separated capitalized tokens
// ("Acme Corp", "Project X") into single seeds. Single capitalized
// words are already covered by the token pass.
func capitalizedPhrases(text string, tokens []token) []string {
	var phrases []string
	i := 0
	for i < len(tokens) {
		if !isCapitalized(trimToken(tokens[i].Text)) {
			i++
			continue
		}
		j := i + 1
		for j < len(tokens) &&
			isCapitalized(trimToken(tokens[j].Text)) &&
			gapIsSpaces(text, tokens[j-1].End, tokens[j].Start) {
			j++
		}
		if j-i >= 2 {
			parts := make([]string, 0, j-i)
			for k := i; k < j; k++ {
				parts = append(parts, trimToken(tokens[k].Text))
			}
			phrases = append(phrases, strings.Join(parts, " "))
		}
		i = j
	}
	return phrases
}
