package convex

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type PaginationStatus string

const (
	PaginationLoadingFirstPage PaginationStatus = "LoadingFirstPage"
	PaginationCanLoadMore      PaginationStatus = "CanLoadMore"
	PaginationLoadingMore      PaginationStatus = "LoadingMore"
	PaginationExhausted        PaginationStatus = "Exhausted"
	PaginationError            PaginationStatus = "Error"
)

type PaginationOptions struct {
	InitialNumItems int
}

// PaginatedResult is one consistent snapshot of a logical paginated query.
type PaginatedResult struct {
	Results []Value
	Status  PaginationStatus
	IsDone  bool
	Error   *FunctionError
}

// one underlying page subscription covering the cursor range
// [startCursor, endCursor)
type paginatedPage struct {
	startCursor Value
	endCursor   Value
	numItems    int

	subscription *QuerySubscription
	stopped      chan struct{}
	stopOnce     sync.Once

	result *pageResult
	failed *FunctionError

	// two half pages pending a split swap, nil otherwise
	replacement *[2]*paginatedPage
}

func (self *paginatedPage) stop() {
	self.stopOnce.Do(func() {
		close(self.stopped)
		self.subscription.Unsubscribe()
	})
}

type pageResult struct {
	page           []Value
	isDone         bool
	continueCursor Value
	splitCursor    Value
	pageStatus     string
}

// PaginatedQuery presents one growing result list over N underlying page
// subscriptions, re-deriving continuation state from transitions. Changing
// the function or its non-pagination args means creating a new
// PaginatedQuery; there is no incremental reconciliation across unrelated
// argument changes.
type PaginatedQuery struct {
	client  *Client
	udfPath string
	args    map[string]Value

	paginationId    uint64
	initialNumItems int

	ctx    context.Context
	cancel context.CancelFunc

	stateLock   sync.Mutex
	pages       []*paginatedPage
	status      PaginationStatus
	lastEmitted *PaginatedResult
	updates     chan PaginatedResult
}

// PaginatedQuery subscribes to a paginated query function. `args` must not
// contain a paginationOpts field; the client injects and manages it.
func (self *Client) PaginatedQuery(
	udfPath string,
	args map[string]Value,
	options *PaginationOptions,
) (*PaginatedQuery, error) {
	if options == nil || options.InitialNumItems <= 0 {
		return nil, fmt.Errorf("pagination requires a positive InitialNumItems")
	}
	if _, ok := args["paginationOpts"]; ok {
		return nil, fmt.Errorf("paginationOpts is managed by the client")
	}

	self.stateLock.Lock()
	paginationId := self.nextPaginationId
	self.nextPaginationId += 1
	self.stateLock.Unlock()

	cancelCtx, cancel := context.WithCancel(self.ctx)
	query := &PaginatedQuery{
		client:          self,
		udfPath:         udfPath,
		args:            args,
		paginationId:    paginationId,
		initialNumItems: options.InitialNumItems,
		ctx:             cancelCtx,
		cancel:          cancel,
		status:          PaginationLoadingFirstPage,
		updates:         make(chan PaginatedResult, 1),
	}

	query.stateLock.Lock()
	defer query.stateLock.Unlock()
	page, err := query.startPage(nil, nil, options.InitialNumItems)
	if err != nil {
		cancel()
		return nil, err
	}
	query.pages = []*paginatedPage{page}
	return query, nil
}

func (self *PaginatedQuery) Updates() <-chan PaginatedResult {
	return self.updates
}

func (self *PaginatedQuery) Results() []Value {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.assembleResults()
}

func (self *PaginatedQuery) Status() PaginationStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

// LoadMore issues one more page subscription continuing from the last page's
// cursor. No-op returning false unless the query can currently load more,
// which prevents duplicate page requests.
func (self *PaginatedQuery) LoadMore(numItems int) bool {
	if numItems <= 0 {
		return false
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.status != PaginationCanLoadMore {
		return false
	}
	lastPage := self.pages[len(self.pages)-1]
	page, err := self.startPage(lastPage.result.continueCursor, nil, numItems)
	if err != nil {
		return false
	}
	self.pages = append(self.pages, page)
	self.status = PaginationLoadingMore
	self.emit()
	return true
}

// Close releases all page subscriptions. Idempotent.
func (self *PaginatedQuery) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, page := range self.pages {
		self.stopPage(page)
	}
	self.pages = nil
	self.cancel()
}

// must hold stateLock
func (self *PaginatedQuery) startPage(startCursor Value, endCursor Value, numItems int) (*paginatedPage, error) {
	pageArgs := map[string]Value{}
	maps.Copy(pageArgs, self.args)
	paginationOpts := map[string]Value{
		"numItems": float64(numItems),
		"cursor":   startCursor,
		"id":       float64(self.paginationId),
	}
	if endCursor != nil {
		paginationOpts["endCursor"] = endCursor
	}
	pageArgs["paginationOpts"] = paginationOpts

	subscription, err := self.client.Subscribe(self.udfPath, pageArgs)
	if err != nil {
		return nil, err
	}
	page := &paginatedPage{
		startCursor:  startCursor,
		endCursor:    endCursor,
		numItems:     numItems,
		subscription: subscription,
		stopped:      make(chan struct{}),
	}
	go self.consumePage(page)
	return page, nil
}

// must hold stateLock
func (self *PaginatedQuery) stopPage(page *paginatedPage) {
	page.stop()
	if page.replacement != nil {
		page.replacement[0].stop()
		page.replacement[1].stop()
	}
}

func (self *PaginatedQuery) consumePage(page *paginatedPage) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-page.stopped:
			return
		case result := <-page.subscription.Updates():
			self.onPageResult(page, result)
		}
	}
}

func (self *PaginatedQuery) onPageResult(page *paginatedPage, result FunctionResult) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	select {
	case <-page.stopped:
		return
	default:
	}

	if result.Error != nil {
		if isInvalidCursorError(result.Error) {
			// data changed underneath a stale cursor. Restarting the whole
			// logical query is simpler and strictly more correct than
			// attempting partial repair.
			self.restart()
			return
		}
		page.failed = result.Error
		self.status = PaginationError
		self.emit()
		return
	}

	parsed, err := parsePageResult(result.Value)
	if err != nil {
		page.failed = &FunctionError{Message: err.Error()}
		self.status = PaginationError
		self.emit()
		return
	}
	page.result = parsed

	if (parsed.pageStatus == "SplitRecommended" || parsed.pageStatus == "SplitRequired") &&
		parsed.splitCursor != nil && page.replacement == nil {
		self.splitPage(page, parsed.splitCursor)
	}

	self.recompute()
}

// must hold stateLock. Replaces one page subscription with two covering
// [start, splitCursor) and [splitCursor, continueCursor). The second half is
// bounded by where the original page actually ended, not by the page's own
// end cursor: an ordinary page has no end cursor, and an unbounded second
// half would run past the original content into the following page. The swap
// is deferred until both halves have results, so the logical result list
// never shrinks or reorders mid-split.
func (self *PaginatedQuery) splitPage(page *paginatedPage, splitCursor Value) {
	firstHalf, err := self.startPage(page.startCursor, splitCursor, page.numItems)
	if err != nil {
		return
	}
	secondHalf, err := self.startPage(splitCursor, page.result.continueCursor, page.numItems)
	if err != nil {
		firstHalf.stop()
		return
	}
	page.replacement = &[2]*paginatedPage{firstHalf, secondHalf}
}

// must hold stateLock
func (self *PaginatedQuery) recompute() {
	// swap in any split whose both halves have resolved
	for i := 0; i < len(self.pages); i += 1 {
		page := self.pages[i]
		if page.replacement != nil &&
			page.replacement[0].result != nil &&
			page.replacement[1].result != nil {
			firstHalf := page.replacement[0]
			secondHalf := page.replacement[1]
			page.replacement = nil
			page.stop()
			self.pages = slices.Replace(self.pages, i, i+1, firstHalf, secondHalf)
			i += 1
		}
	}

	lastPage := self.pages[len(self.pages)-1]
	switch {
	case lastPage.result == nil && len(self.pages) == 1:
		self.status = PaginationLoadingFirstPage
	case lastPage.result == nil:
		self.status = PaginationLoadingMore
	case lastPage.result.isDone:
		self.status = PaginationExhausted
	default:
		self.status = PaginationCanLoadMore
	}
	self.emit()
}

// must hold stateLock
func (self *PaginatedQuery) assembleResults() []Value {
	results := []Value{}
	for _, page := range self.pages {
		if page.result != nil {
			results = append(results, page.result.page...)
		}
	}
	return results
}

// must hold stateLock
func (self *PaginatedQuery) restart() {
	for _, page := range self.pages {
		self.stopPage(page)
	}
	self.pages = nil
	self.status = PaginationLoadingFirstPage
	page, err := self.startPage(nil, nil, self.initialNumItems)
	if err != nil {
		self.status = PaginationError
		self.emit()
		return
	}
	self.pages = []*paginatedPage{page}
	self.emit()
}

// must hold stateLock
func (self *PaginatedQuery) emit() {
	snapshot := PaginatedResult{
		Results: self.assembleResults(),
		Status:  self.status,
		IsDone:  self.status == PaginationExhausted,
	}
	if self.status == PaginationError {
		snapshot.Error = self.firstFailure()
	}
	if self.lastEmitted != nil && reflect.DeepEqual(*self.lastEmitted, snapshot) {
		return
	}
	self.lastEmitted = &snapshot

	// latest wins
	for {
		select {
		case self.updates <- snapshot:
			return
		default:
			select {
			case <-self.updates:
			default:
			}
		}
	}
}

// must hold stateLock. Pending split halves can fail too, so they are
// scanned along with the active pages.
func (self *PaginatedQuery) firstFailure() *FunctionError {
	for _, page := range self.pages {
		if page.failed != nil {
			return page.failed
		}
		if page.replacement != nil {
			for _, half := range page.replacement {
				if half.failed != nil {
					return half.failed
				}
			}
		}
	}
	return nil
}

func isInvalidCursorError(err *FunctionError) bool {
	return strings.Contains(err.Message, "InvalidCursor")
}

func parsePageResult(value Value) (*pageResult, error) {
	fields, ok := value.(map[string]Value)
	if !ok {
		return nil, fmt.Errorf("paginated query must return an object, got %T", value)
	}
	rawPage, ok := fields["page"].([]Value)
	if !ok {
		return nil, fmt.Errorf("paginated query result has no page array")
	}
	isDone, _ := fields["isDone"].(bool)
	parsed := &pageResult{
		page:           rawPage,
		isDone:         isDone,
		continueCursor: fields["continueCursor"],
		splitCursor:    fields["splitCursor"],
	}
	if pageStatus, ok := fields["pageStatus"].(string); ok {
		parsed.pageStatus = pageStatus
	}
	return parsed, nil
}
