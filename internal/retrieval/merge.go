package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anubissbe/JarvisAI/internal/graph"
	"github.com/anubissbe/JarvisAI/internal/types"
)

// candidate is one document after leg fusion, ready for ranking and
// rendering.
type candidate struct {
	docID    uuid.UUID
	version  int64
	title    string
	source   string
	kind     string
	combined float64
	// vecScore keeps the raw store score for tie-breaking; normalized
	// scores flatten exactly the differences ties need.
	vecScore   float64
	chunkIndex int
	hasChunk   bool
	content    string
	concepts   []string
	recency    time.Time
}

// mergeHits fuses the two legs at document granularity. Each leg's
// scores are min-max normalized onto [0,1] independently (a
// single-result leg normalizes to 1.0), then blended:
// blend*vector + (1-blend)*graph, with single-leg documents keeping
// their weighted share. Ordering is combined score, then raw vector
// score, then document recency, then id for determinism.
func mergeHits(vecHits []vectorHit, graphHits []graph.Hit, docs map[uuid.UUID]*types.Document, blend float64) []candidate {
	if blend < 0 {
		blend = 0
	}
	if blend > 1 {
		blend = 1
	}

	bestVec := make(map[uuid.UUID]vectorHit, len(vecHits))
	for _, h := range vecHits {
		prev, ok := bestVec[h.docID]
		if !ok || h.score > prev.score || (h.score == prev.score && h.chunkIndex < prev.chunkIndex) {
			bestVec[h.docID] = h
		}
	}
	bestGraph := make(map[uuid.UUID]graph.Hit, len(graphHits))
	for _, h := range graphHits {
		id, err := uuid.Parse(h.DocumentID)
		if err != nil || id == uuid.Nil {
			continue
		}
		prev, ok := bestGraph[id]
		if !ok || h.Score > prev.Score {
			bestGraph[id] = h
		}
	}

	vecScores := make([]float64, 0, len(bestVec))
	for _, h := range bestVec {
		vecScores = append(vecScores, h.score)
	}
	graphScores := make([]float64, 0, len(bestGraph))
	for _, h := range bestGraph {
		graphScores = append(graphScores, h.Score)
	}
	normVec := minMaxNormalizer(vecScores)
	normGraph := minMaxNormalizer(graphScores)

	out := make([]candidate, 0, len(bestVec)+len(bestGraph))
	seen := make(map[uuid.UUID]struct{}, len(bestVec)+len(bestGraph))

	for id, vh := range bestVec {
		seen[id] = struct{}{}
		c := candidate{
			docID:      id,
			version:    vh.version,
			title:      vh.title,
			kind:       KindVector,
			combined:   blend * normVec(vh.score),
			vecScore:   vh.score,
			chunkIndex: vh.chunkIndex,
			hasChunk:   true,
			content:    vh.content,
		}
		if gh, ok := bestGraph[id]; ok {
			c.kind = KindHybrid
			c.combined = blend*normVec(vh.score) + (1-blend)*normGraph(gh.Score)
			c.concepts = gh.Concepts
		}
		applyCatalog(&c, docs[id])
		out = append(out, c)
	}
	for id, gh := range bestGraph {
		if _, dup := seen[id]; dup {
			continue
		}
		c := candidate{
			docID:    id,
			version:  gh.Version,
			title:    gh.Title,
			kind:     KindGraph,
			combined: (1 - blend) * normGraph(gh.Score),
			concepts: gh.Concepts,
		}
		applyCatalog(&c, docs[id])
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.combined != b.combined {
			return a.combined > b.combined
		}
		if a.vecScore != b.vecScore {
			return a.vecScore > b.vecScore
		}
		if !a.recency.Equal(b.recency) {
			return a.recency.After(b.recency)
		}
		return a.docID.String() < b.docID.String()
	})
	return out
}

// applyCatalog overlays authoritative catalog fields onto a candidate.
// Leg-provided title stays as fallback when the catalog row is absent.
func applyCatalog(c *candidate, doc *types.Document) {
	if doc == nil {
		return
	}
	if doc.Title != "" {
		c.title = doc.Title
	}
	c.source = doc.Source
	if doc.CurrentVersion > 0 {
		c.version = doc.CurrentVersion
	}
	c.recency = doc.CreatedAt
	if doc.IngestedAt != nil {
		c.recency = *doc.IngestedAt
	}
}

// minMaxNormalizer maps the observed score range onto [0,1]. With one
// distinct value everything maps to 1.0: a lone hit is the best its
// leg found.
func minMaxNormalizer(scores []float64) func(float64) float64 {
	if len(scores) == 0 {
		return func(float64) float64 { return 0 }
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	span := hi - lo
	if span <= 1e-12 {
		return func(float64) float64 { return 1 }
	}
	return func(s float64) float64 { return (s - lo) / span }
}

const sectionSeparator = "\n\n"

// assemble renders ranked candidates into the context block under the
// character budget. Items are taken whole, best first; the first item
// that does not fit ends the walk, so the block never exceeds the
// budget and never contains a truncated excerpt. Citations parallel
// the rendered sections.
func (e *Engine) assemble(ctx context.Context, cands []candidate, budget int) (string, []Citation) {
	sections := make([]string, 0, len(cands))
	cites := make([]Citation, 0, len(cands))
	used := 0
	for _, c := range cands {
		if !c.hasChunk && c.content == "" {
			c.content = e.graphExcerpt(ctx, c)
		}
		section := formatSection(c)
		need := len(section)
		if len(sections) > 0 {
			need += len(sectionSeparator)
		}
		if used+need > budget {
			break
		}
		used += need
		sections = append(sections, section)
		cites = append(cites, makeCitation(c))
	}
	return strings.Join(sections, sectionSeparator), cites
}

// graphExcerpt pulls the opening chunk of the published version so a
// graph-only hit still contributes readable content. Best effort: a
// miss leaves the section with title and concepts only.
func (e *Engine) graphExcerpt(ctx context.Context, c candidate) string {
	if c.version <= 0 {
		return ""
	}
	rows, err := e.chunks.GetByDocumentVersion(ctx, nil, c.docID, c.version)
	if err != nil {
		e.log.Warn("Chunk excerpt lookup failed", "document_id", c.docID, "version", c.version, "error", err)
		return ""
	}
	if len(rows) == 0 {
		return ""
	}
	return rows[0].Content
}

func formatSection(c candidate) string {
	title := strings.TrimSpace(c.title)
	if title == "" {
		title = "Untitled document"
	}
	var b strings.Builder
	b.WriteString("Document: ")
	b.WriteString(title)
	if len(c.concepts) > 0 {
		b.WriteString("\nConcepts: ")
		b.WriteString(strings.Join(c.concepts, ", "))
	}
	if c.content != "" {
		b.WriteString("\n")
		b.WriteString(c.content)
	}
	return b.String()
}

func makeCitation(c candidate) Citation {
	cite := Citation{
		DocumentID: c.docID.String(),
		Title:      c.title,
		Source:     c.source,
		Score:      c.combined,
		Kind:       c.kind,
	}
	if c.hasChunk {
		idx := c.chunkIndex
		cite.ChunkIndex = &idx
	}
	return cite
}
