// Package fetch models the network side of the offline cache: intercepted
// requests, replayable response snapshots and the Fetcher that talks to the
// static origin. Responses are fully buffered so one snapshot can be handed to
// the client while an independent clone is persisted. The HTTP fetcher labels
// each response basic, cors or opaque depending on whether the final URL shares
// the scope origin, which is what the cache layer uses to decide storability.
package fetch
