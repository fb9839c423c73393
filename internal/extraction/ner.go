package extraction

import (
	"regexp"
	"strings"
)

// nerTextLimit bounds how much of the document the entity layer scans.
// Pattern and keyword layers always see the full text.
const nerTextLimit = 100000

var tokenRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9&'.-]*`)

type token struct {
	Text  string
	Start int
	End   int
}

type entitySpan struct {
	Text  string
	Label string
	Start int
	End   int
}

// recognizeEntities is the deterministic stand-in for a statistical NER
// model: maximal runs of capitalized tokens classified by cue
// dictionaries, restricted to the allow-listed labels. Runs without a
// cue are dropped rather than guessed.
func recognizeEntities(tables *patternTables, text string) []entitySpan {
	if len(text) > nerTextLimit {
		cut := nerTextLimit
		for cut > 0 && (text[cut]&0xC0) == 0x80 {
			cut--
		}
		text = text[:cut]
	}

	tokens := tokenize(text)
	var out []entitySpan

	for i := 0; i < len(tokens); {
		if !isCapitalized(tokens[i].Text) {
			i++
			continue
		}

		run := []token{tokens[i]}
		j := i + 1
		for j < len(tokens) {
			if !gapIsSpaces(text, tokens[j-1].End, tokens[j].Start) {
				break
			}
			if isCapitalized(tokens[j].Text) {
				run = append(run, tokens[j])
				j++
				continue
			}
			// A lowercase connector stays in the run only when a
			// capitalized token follows it.
			if _, ok := tables.Connectors[strings.ToLower(tokens[j].Text)]; ok &&
				j+1 < len(tokens) &&
				isCapitalized(tokens[j+1].Text) &&
				gapIsSpaces(text, tokens[j].End, tokens[j+1].Start) {
				run = append(run, tokens[j], tokens[j+1])
				j += 2
				continue
			}
			break
		}

		var prev *token
		if i > 0 {
			prev = &tokens[i-1]
		}
		if span, ok := classifyRun(tables, text, run, prev); ok {
			out = append(out, span)
		}
		i = j
	}

	for _, re := range tables.PersonRes {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			if len(m) >= 4 && m[2] >= 0 && m[3] > m[2] {
				out = append(out, entitySpan{
					Text:  text[m[2]:m[3]],
					Label: "PERSON",
					Start: m[2],
					End:   m[3],
				})
			}
		}
	}

	return out
}

func classifyRun(tables *patternTables, text string, run []token, prev *token) (entitySpan, bool) {
	joined := text[run[0].Start:run[len(run)-1].End]
	first := trimToken(run[0].Text)
	last := trimToken(run[len(run)-1].Text)

	if _, ok := tables.Honorifics[first]; ok {
		if len(run) < 2 {
			return entitySpan{}, false
		}
		start := run[1].Start
		end := run[len(run)-1].End
		return entitySpan{Text: text[start:end], Label: "PERSON", Start: start, End: end}, true
	}

	if len(run) >= 2 {
		if _, ok := tables.OrgSuffixes[last]; ok {
			return entitySpan{Text: joined, Label: "ORG", Start: run[0].Start, End: run[len(run)-1].End}, true
		}
		if _, ok := tables.OrgSuffixes[first]; ok {
			return entitySpan{Text: joined, Label: "ORG", Start: run[0].Start, End: run[len(run)-1].End}, true
		}
	}

	if _, ok := tables.GPENames[joined]; ok {
		return entitySpan{Text: joined, Label: "GPE", Start: run[0].Start, End: run[len(run)-1].End}, true
	}

	if len(run) >= 2 {
		if _, ok := tables.EventSuffixes[last]; ok {
			return entitySpan{Text: joined, Label: "EVENT", Start: run[0].Start, End: run[len(run)-1].End}, true
		}
		if _, ok := tables.LawSuffixes[last]; ok {
			return entitySpan{Text: joined, Label: "LAW", Start: run[0].Start, End: run[len(run)-1].End}, true
		}
	}

	if _, ok := tables.ProductNames[joined]; ok {
		return entitySpan{Text: joined, Label: "PRODUCT", Start: run[0].Start, End: run[len(run)-1].End}, true
	}
	if _, ok := tables.ProductNames[first]; ok {
		return entitySpan{Text: joined, Label: "PRODUCT", Start: run[0].Start, End: run[len(run)-1].End}, true
	}

	if prev != nil {
		if _, ok := tables.WorkCues[strings.ToLower(trimToken(prev.Text))]; ok {
			return entitySpan{Text: joined, Label: "WORK_OF_ART", Start: run[0].Start, End: run[len(run)-1].End}, true
		}
	}

	return entitySpan{}, false
}

func tokenize(text string) []token {
	locs := tokenRe.FindAllStringIndex(text, -1)
	out := make([]token, 0, len(locs))
	for _, loc := range locs {
		out = append(out, token{Text: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
	}
	return out
}

func isCapitalized(tok string) bool {
	return len(tok) > 0 && tok[0] >= 'A' && tok[0] <= 'Z'
}

// gapIsSpaces reports whether tokens are separated by plain spaces only,
// which keeps runs from leaking across punctuation or line breaks.
func gapIsSpaces(text string, from, to int) bool {
	if to <= from {
		return false
	}
	for i := from; i < to; i++ {
		if text[i] != ' ' {
			return false
		}
	}
	return true
}

func trimToken(tok string) string {
	return strings.Trim(tok, ".,'&-")
}
