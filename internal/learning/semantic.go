package learning

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"otto/internal/domain"
)

// SemanticOptions configures the vector index. BaseURL and APIKey point at
// an OpenAI-compatible embeddings endpoint; PersistPath keeps the index
// across restarts.
type SemanticOptions struct {
	PersistPath string
	BaseURL     string
	APIKey      string
	EmbedModel  string
	Collection  string
}

// ChromemIndex implements SemanticIndex over an embedded chromem-go store.
type ChromemIndex struct {
	collection *chromem.Collection
}

// NewChromemIndex opens (or creates) the learning collection.
func NewChromemIndex(opts SemanticOptions) (*ChromemIndex, error) {
	if opts.Collection == "" {
		opts.Collection = "learnings"
	}
	if opts.EmbedModel == "" {
		opts.EmbedModel = "text-embedding-3-small"
	}

	var db *chromem.DB
	var err error
	if opts.PersistPath != "" {
		db, err = chromem.NewPersistentDB(opts.PersistPath, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embed := chromem.NewEmbeddingFuncOpenAICompat(opts.BaseURL, opts.APIKey, opts.EmbedModel, nil)
	collection, err := db.GetOrCreateCollection(opts.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open learning collection: %w", err)
	}
	return &ChromemIndex{collection: collection}, nil
}

// Index embeds one observation. The document text is context plus
// observation so either side of the pair is searchable.
func (c *ChromemIndex) Index(ctx context.Context, learning *domain.Learning) error {
	return c.collection.AddDocument(ctx, chromem.Document{
		ID:      learning.ID,
		Content: learning.Context + "\n" + learning.Observation,
		Metadata: map[string]string{
			"type": string(learning.Type),
		},
	})
}

// Search returns learning ids by similarity, best first.
func (c *ChromemIndex) Search(ctx context.Context, text string, topK int) ([]string, error) {
	if topK <= 0 {
		topK = 5
	}
	if count := c.collection.Count(); count < topK {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}
	results, err := c.collection.Query(ctx, text, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic query: %w", err)
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	return ids, nil
}
