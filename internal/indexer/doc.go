// Package indexer defines the domain model shared by the scrape-and-index
// pipeline: sites, pages, search documents, job progress, the per-site crawl
// configuration, the error taxonomy, and the collaborator interfaces the
// coordinator depends on.
package indexer
