// Package embedindex builds and searches the vector space the router uses to
// narrow a user request down to a handful of candidate downstream tools,
// per SPEC_FULL §4.E. Every downstream tool is rendered into one document,
// batch-embedded once, and stored in an in-process chromem-go collection
// alongside its metadata; a parallel "methods" collection carries a wider
// breadth with schema previews so a decided call has an argument hint.
package embedindex

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentic-warden/warden/internal/errors"
	"github.com/agentic-warden/warden/internal/infra/memory"
	"github.com/agentic-warden/warden/internal/mcppool"
)

var tracer = otel.Tracer("github.com/agentic-warden/warden/internal/embedindex")

// Dimensions is the pinned embedding width (a 384-d sentence encoder) the
// index's tests use. Rebuild and query do not check the width of the
// vectors the embedder returns.
const Dimensions = 384

// ToolEmbedding is a single entry in the tool collection.
type ToolEmbedding struct {
	ServerName  string
	ToolName    string
	Description string
	Category    string
	SchemaJSON  string
	Similarity  float32
}

// MethodEmbedding mirrors ToolEmbedding but is drawn from the wider
// methods collection (2x the tool breadth), carrying the same schema
// preview so a decided call has an argument hint even when it didn't make
// the narrower tool candidate cut.
type MethodEmbedding = ToolEmbedding

// Index is the mutex-guarded, atomically-swappable embedding index described
// in SPEC_FULL §5: one embedder (process-wide, thread-hostile), one pair of
// chromem-go collections rebuilt wholesale on every catalogue refresh.
type Index struct {
	embedder memory.EmbeddingProvider

	mu      sync.Mutex
	db      *chromem.DB
	tools   *chromem.Collection
	methods *chromem.Collection
	gen     int
}

// New constructs an empty Index over embedder.
func New(embedder memory.EmbeddingProvider) *Index {
	return &Index{embedder: embedder, db: chromem.NewDB()}
}

func noopEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedindex: collection embedding func should never be invoked; embeddings are always precomputed")
}

// Rebuild re-embeds every tool in catalogue and atomically swaps them in.
// Readers mid-Search against the old generation are unaffected; the swap
// happens under the same lock Search acquires.
func (idx *Index) Rebuild(ctx context.Context, catalogue []mcppool.ToolDescriptor) error {
	ctx, span := tracer.Start(ctx, "embedindex.Rebuild")
	defer span.End()

	idx.mu.Lock()
	idx.gen++
	gen := idx.gen
	idx.mu.Unlock()

	toolsName := fmt.Sprintf("tools-%d", gen)
	methodsName := fmt.Sprintf("methods-%d", gen)

	toolsColl, err := idx.db.CreateCollection(toolsName, nil, noopEmbeddingFunc)
	if err != nil {
		return errors.Routing(err, "create tool embedding collection")
	}
	methodsColl, err := idx.db.CreateCollection(methodsName, nil, noopEmbeddingFunc)
	if err != nil {
		return errors.Routing(err, "create method embedding collection")
	}

	if len(catalogue) > 0 {
		docs := renderDocuments(catalogue)
		vectors, err := idx.embedder.Embed(ctx, docs)
		if err != nil {
			return errors.Routing(err, "batch-embed downstream tool catalogue")
		}
		if len(vectors) != len(catalogue) {
			return errors.Routing(nil, "embedder returned a mismatched vector count")
		}

		toolDocs := make([]chromem.Document, 0, len(catalogue))
		methodDocs := make([]chromem.Document, 0, len(catalogue))
		for i, t := range catalogue {
			vec := normalise(vectors[i])
			schema, _ := json.Marshal(t.InputSchema)
			id := fmt.Sprintf("%s::%s", t.ServerName, t.Name)
			meta := map[string]string{
				"server":      t.ServerName,
				"tool":        t.Name,
				"description": t.Description,
				"category":    t.ServerName,
				"schema":      string(schema),
			}
			toolDocs = append(toolDocs, chromem.Document{ID: id, Metadata: meta, Embedding: vec, Content: docs[i]})
			methodDocs = append(methodDocs, chromem.Document{ID: id, Metadata: meta, Embedding: vec, Content: docs[i]})
		}
		if err := toolsColl.AddDocuments(ctx, toolDocs, 1); err != nil {
			return errors.Routing(err, "index tool embeddings")
		}
		if err := methodsColl.AddDocuments(ctx, methodDocs, 1); err != nil {
			return errors.Routing(err, "index method embeddings")
		}
	}

	idx.mu.Lock()
	oldTools, oldMethods := idx.tools, idx.methods
	idx.tools, idx.methods = toolsColl, methodsColl
	idx.mu.Unlock()

	if oldTools != nil {
		_ = idx.db.DeleteCollection(oldTools.Name)
	}
	if oldMethods != nil {
		_ = idx.db.DeleteCollection(oldMethods.Name)
	}
	return nil
}

func renderDocuments(catalogue []mcppool.ToolDescriptor) []string {
	docs := make([]string, len(catalogue))
	for i, t := range catalogue {
		docs[i] = fmt.Sprintf("%s\nDescription: %s", t.Name, t.Description)
	}
	return docs
}

// EmbedQuery embeds and L2-normalises a single user-request string.
func (idx *Index) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := idx.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, errors.Routing(err, "embed user request")
	}
	if len(vecs) != 1 {
		return nil, errors.Routing(nil, "embedder returned no vector for the query")
	}
	return normalise(vecs[0]), nil
}

// SearchTools returns the top-k tools by cosine similarity to queryEmbedding.
func (idx *Index) SearchTools(ctx context.Context, queryEmbedding []float32, k int) ([]ToolEmbedding, error) {
	idx.mu.Lock()
	coll := idx.tools
	idx.mu.Unlock()
	return queryCollection(ctx, coll, queryEmbedding, k)
}

// SearchMethods returns the top-k methods (the wider parallel index) by
// cosine similarity to queryEmbedding.
func (idx *Index) SearchMethods(ctx context.Context, queryEmbedding []float32, k int) ([]MethodEmbedding, error) {
	idx.mu.Lock()
	coll := idx.methods
	idx.mu.Unlock()
	return queryCollection(ctx, coll, queryEmbedding, k)
}

func queryCollection(ctx context.Context, coll *chromem.Collection, queryEmbedding []float32, k int) ([]ToolEmbedding, error) {
	_, span := tracer.Start(ctx, "embedindex.search", trace.WithAttributes())
	defer span.End()

	if coll == nil || k <= 0 {
		return nil, nil
	}
	n := k
	if count := coll.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := coll.QueryEmbedding(ctx, queryEmbedding, n, nil, nil)
	if err != nil {
		return nil, errors.Routing(err, "query embedding index")
	}

	out := make([]ToolEmbedding, 0, len(results))
	for _, r := range results {
		out = append(out, ToolEmbedding{
			ServerName:  r.Metadata["server"],
			ToolName:    r.Metadata["tool"],
			Description: r.Metadata["description"],
			Category:    r.Metadata["category"],
			SchemaJSON:  r.Metadata["schema"],
			Similarity:  r.Similarity,
		})
	}
	return out, nil
}

// normalise returns a unit-length copy of v. A zero vector is returned
// unchanged rather than producing NaNs.
func normalise(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return v
	}
	norm := float32(math.Sqrt(sumSquares))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
