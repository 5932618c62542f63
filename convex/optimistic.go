package convex

import (
	"golang.org/x/exp/slices"
)

// OptimisticUpdate is a temporary, replayable local edit to query results,
// registered alongside a mutation and dropped once the client has synced past
// the mutation's commit. Updates must be pure against anything but the passed
// in store: the overlay is rebuilt from a clean remote snapshot every time
// new data arrives, so an update may be replayed an unbounded number of times
// while its mutation is in flight.
type OptimisticUpdate func(store *OptimisticLocalStore, args map[string]Value)

// OptimisticLocalStore is the mutable view handed to an optimistic update.
type OptimisticLocalStore struct {
	queries map[QueryToken]*localQuery
	results map[QueryToken]*FunctionResult
	// queries created by SetQuery that have no subscription
	syntheticQueries map[QueryToken]*localQuery
}

// OptimisticQueryResult is one entry of `GetAllQueries`.
type OptimisticQueryResult struct {
	Args map[string]Value
	// nil while the query is loading or errored
	Value Value
	// true once the query has a successful result
	Ok bool
}

func newOptimisticLocalStore(
	queries map[QueryToken]*localQuery,
	results map[QueryToken]*FunctionResult,
) *OptimisticLocalStore {
	return &OptimisticLocalStore{
		queries:          queries,
		results:          results,
		syntheticQueries: map[QueryToken]*localQuery{},
	}
}

// GetQuery returns the current overlay value of a query. ok is false when the
// query was never observed, is loading, or errored.
func (self *OptimisticLocalStore) GetQuery(udfPath string, args map[string]Value) (Value, bool) {
	token, err := queryTokenFor(udfPath, args)
	if err != nil {
		return nil, false
	}
	result, ok := self.results[token]
	if !ok || result == nil || result.Error != nil {
		return nil, false
	}
	return result.Value, true
}

// GetAllQueries returns every tracked query for a function, across all
// argument sets, loading ones included. Useful for updates that touch e.g.
// every page of a paginated list.
func (self *OptimisticLocalStore) GetAllQueries(udfPath string) []OptimisticQueryResult {
	udfPath = normalizeUdfPath(udfPath)
	all := []OptimisticQueryResult{}
	appendMatching := func(queries map[QueryToken]*localQuery) {
		for token, query := range queries {
			if query.udfPath != udfPath {
				continue
			}
			entry := OptimisticQueryResult{
				Args: query.args,
			}
			if result, ok := self.results[token]; ok && result != nil && result.Error == nil {
				entry.Value = result.Value
				entry.Ok = true
			}
			all = append(all, entry)
		}
	}
	appendMatching(self.queries)
	appendMatching(self.syntheticQueries)
	return all
}

// SetQuery overwrites the overlay value of a query.
func (self *OptimisticLocalStore) SetQuery(udfPath string, args map[string]Value, value Value) {
	token, err := queryTokenFor(udfPath, args)
	if err != nil {
		return
	}
	if _, ok := self.queries[token]; !ok {
		self.syntheticQueries[token] = &localQuery{
			token:   token,
			udfPath: normalizeUdfPath(udfPath),
			args:    args,
		}
	}
	self.results[token] = &FunctionResult{
		Value: value,
	}
}

// UnsetQuery removes a query from the overlay, rendering it loading rather
// than stale.
func (self *OptimisticLocalStore) UnsetQuery(udfPath string, args map[string]Value) {
	token, err := queryTokenFor(udfPath, args)
	if err != nil {
		return
	}
	self.results[token] = nil
}

type optimisticUpdateEntry struct {
	requestId RequestId
	update    func(store *OptimisticLocalStore)
}

// optimisticQueryResults composes the pending updates over the remote
// snapshot. Always a full rebuild, never an incremental patch: the
// correctness argument for replayable updates depends on starting from a
// clean base each time.
type optimisticQueryResults struct {
	entries []optimisticUpdateEntry
}

func newOptimisticQueryResults() *optimisticQueryResults {
	return &optimisticQueryResults{
		entries: []optimisticUpdateEntry{},
	}
}

func (self *optimisticQueryResults) register(requestId RequestId, update OptimisticUpdate, args map[string]Value) {
	self.entries = append(self.entries, optimisticUpdateEntry{
		requestId: requestId,
		update: func(store *OptimisticLocalStore) {
			update(store, args)
		},
	})
}

func (self *optimisticQueryResults) drop(requestId RequestId) bool {
	i := slices.IndexFunc(self.entries, func(entry optimisticUpdateEntry) bool {
		return entry.requestId == requestId
	})
	if i < 0 {
		return false
	}
	self.entries = slices.Delete(self.entries, i, i+1)
	return true
}

// rebuild applies each still-pending update, in registration order, on top
// of the remote snapshot. The returned map is the composed view; nil entries
// mean loading.
func (self *optimisticQueryResults) rebuild(
	queries map[QueryToken]*localQuery,
	base map[QueryToken]*FunctionResult,
) map[QueryToken]*FunctionResult {
	store := newOptimisticLocalStore(queries, base)
	for _, entry := range self.entries {
		entry.update(store)
	}
	return store.results
}
