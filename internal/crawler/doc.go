// Package crawler defines the crawl job model shared by the API, the queue
// adapters and the workers: requests and options, the job record and its
// state machine, the wire message, error kinds and the collaborator
// interfaces that stores, brokers and fetchers implement.
package crawler
