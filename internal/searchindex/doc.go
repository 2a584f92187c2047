// Package searchindex submits page documents to the full-text search engine
// and queries it. Meili talks to a Meilisearch server; Memory is an
// in-process inverted index used for development and tests.
package searchindex
