// Package crawler holds the domain model of the fuel price crawler: the
// administrative hierarchy, stations, price change records, crawl runs, the
// error taxonomy, and the narrow interfaces the orchestrator depends on
// (catalog, fetcher, stores, publisher, notifier, queue).
package crawler
