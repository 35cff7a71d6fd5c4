// Package crawler defines the core types and collaborator interfaces shared by
// the harvest pipeline: discovered links, classified candidates, manifest
// records, and the fetch/probe/persistence contracts that tie them together.
package crawler
