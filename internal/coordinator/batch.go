package coordinator

import (
	"context"

	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/metrics"
)

// batcher accumulates documents and submits them to the index once size is
// reached. Submission failures go to onErr and never stop the job.
type batcher struct {
	index indexer.SearchIndex
	size  int
	docs  []indexer.Document
	onErr func(error)
}

func newBatcher(index indexer.SearchIndex, size int, onErr func(error)) *batcher {
	return &batcher{index: index, size: size, docs: make([]indexer.Document, 0, size), onErr: onErr}
}

func (b *batcher) Add(ctx context.Context, doc indexer.Document) {
	b.docs = append(b.docs, doc)
	if len(b.docs) >= b.size {
		b.Flush(ctx)
	}
}

// Flush submits whatever is pending.
func (b *batcher) Flush(ctx context.Context) {
	if len(b.docs) == 0 {
		return
	}
	docs := b.docs
	b.docs = make([]indexer.Document, 0, b.size)
	_, err := b.index.UpsertBatch(ctx, docs)
	metrics.ObserveIndexBatch(len(docs), err)
	if err != nil && b.onErr != nil {
		b.onErr(err)
	}
}
