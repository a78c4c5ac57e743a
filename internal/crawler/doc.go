// Package crawler holds the types, error taxonomy and collaborator
// interfaces shared by the crawl-and-cache pipeline: rate limiting,
// browser pooling, fetch execution, the content cache and the URL queue.
package crawler
