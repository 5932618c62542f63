package convex

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
	ReconnectBackoff   *BackoffSettings
	FunctionLog        FunctionLogFunction
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		PingTimeout:        1 * time.Second,
		ReconnectBackoff:   DefaultBackoffSettings(),
		FunctionLog:        glogFunctionLog,
	}
}

// Client maintains a consistent, reactive view of remote query results over
// one reconnecting WebSocket, and coordinates mutation/action requests
// against that view. Create one per deployment and reuse it.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	wsUrl     string
	sessionId Id

	stateLock        sync.Mutex
	base             *baseClient
	subscribers      map[QueryToken]map[uint64]*QuerySubscription
	nextSubscriberId uint64
	nextPaginationId uint64
	connectionCount  int
	lastCloseReason  string
	connected        bool

	sendNotify chan struct{}
	done       chan struct{}
}

func NewClient(ctx context.Context, deploymentUrl string) (*Client, error) {
	return NewClientWithSettings(ctx, deploymentUrl, DefaultClientSettings())
}

func NewClientWithSettings(ctx context.Context, deploymentUrl string, settings *ClientSettings) (*Client, error) {
	wsUrl, err := syncWsUrl(deploymentUrl)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		wsUrl:           wsUrl,
		sessionId:       NewId(),
		base:            newBaseClient(settings.FunctionLog),
		subscribers:     map[QueryToken]map[uint64]*QuerySubscription{},
		lastCloseReason: "InitialConnect",
		sendNotify:      make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	go client.run()
	return client, nil
}

// syncWsUrl maps a deployment url to the sync endpoint:
// http(s) becomes ws(s), path becomes /api/sync.
func syncWsUrl(deploymentUrl string) (string, error) {
	parsed, err := url.Parse(deploymentUrl)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unknown scheme %q, expected http or https", parsed.Scheme)
	}
	parsed.Path = "/api/sync"
	return parsed.String(), nil
}

// QuerySubscription is one subscriber's handle on a query. Each new consistent
// value appears on `Updates`; the channel holds the latest value only.
type QuerySubscription struct {
	client       *Client
	token        QueryToken
	subscriberId uint64
	updates      chan FunctionResult
	unsubOnce    sync.Once
}

func (self *QuerySubscription) Token() QueryToken {
	return self.token
}

func (self *QuerySubscription) Updates() <-chan FunctionResult {
	return self.updates
}

func (self *QuerySubscription) Unsubscribe() {
	self.unsubOnce.Do(func() {
		self.client.unsubscribe(self)
	})
}

// latest-wins delivery: a slow consumer sees the newest value, never a
// backlog of stale ones
func (self *QuerySubscription) deliver(result FunctionResult) {
	for {
		select {
		case self.updates <- result:
			return
		default:
			select {
			case <-self.updates:
			default:
			}
		}
	}
}

// Subscribe to the results of a query. Subscribing twice to the same
// (function, canonicalized args) shares one server subscription. If a result
// is already known locally, it is delivered immediately.
func (self *Client) Subscribe(udfPath string, args map[string]Value) (*QuerySubscription, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	token, err := self.base.subscribe(udfPath, args)
	if err != nil {
		return nil, err
	}
	subscription := &QuerySubscription{
		client:       self,
		token:        token,
		subscriberId: self.nextSubscriberId,
		updates:      make(chan FunctionResult, 1),
	}
	self.nextSubscriberId += 1
	if _, ok := self.subscribers[token]; !ok {
		self.subscribers[token] = map[uint64]*QuerySubscription{}
	}
	self.subscribers[token][subscription.subscriberId] = subscription
	if result := self.base.localQueryResult(token); result != nil {
		subscription.deliver(*result)
	}
	self.notifySend()
	return subscription, nil
}

func (self *Client) unsubscribe(subscription *QuerySubscription) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if tokenSubscribers, ok := self.subscribers[subscription.token]; ok {
		delete(tokenSubscribers, subscription.subscriberId)
		if len(tokenSubscribers) == 0 {
			delete(self.subscribers, subscription.token)
		}
	}
	self.base.unsubscribe(subscription.token)
	self.notifySend()
}

type MutationOptions struct {
	// applied synchronously before the network round trip, replayed on top
	// of every newer snapshot until the mutation settles
	OptimisticUpdate OptimisticUpdate
	// bypass the FIFO mutation queue and send immediately
	SkipQueue bool
}

// Mutation runs a mutation and waits for its result. The result only settles
// once the local view reflects a state at or after the mutation's commit, so
// queries read after this returns always see the write.
func (self *Client) Mutation(ctx context.Context, udfPath string, args map[string]Value) (Value, error) {
	return self.MutationWithOptions(ctx, udfPath, args, &MutationOptions{})
}

func (self *Client) MutationWithOptions(
	ctx context.Context,
	udfPath string,
	args map[string]Value,
	options *MutationOptions,
) (Value, error) {
	resultChan, err := self.EnqueueMutation(udfPath, args, options)
	if err != nil {
		return nil, err
	}
	return self.await(ctx, resultChan)
}

// EnqueueMutation submits a mutation without waiting. The optimistic update,
// if any, is visible via `LocalQueryResult` when this returns.
func (self *Client) EnqueueMutation(
	udfPath string,
	args map[string]Value,
	options *MutationOptions,
) (<-chan FunctionResult, error) {
	if options == nil {
		options = &MutationOptions{}
	}
	self.stateLock.Lock()
	resultChan, changed, err := self.base.mutation(
		udfPath,
		args,
		options.OptimisticUpdate,
		options.SkipQueue,
		time.Now(),
	)
	if err != nil {
		self.stateLock.Unlock()
		return nil, err
	}
	self.deliverChanged(changed)
	self.stateLock.Unlock()
	self.notifySend()
	return resultChan, nil
}

// Action runs an action and waits for its result. Actions are not idempotent:
// they are never queued and never replayed across a reconnect; if the
// connection drops while one is in flight, it fails with a connection-lost
// error and its effect is unknown.
func (self *Client) Action(ctx context.Context, udfPath string, args map[string]Value) (Value, error) {
	resultChan, err := self.EnqueueAction(udfPath, args)
	if err != nil {
		return nil, err
	}
	return self.await(ctx, resultChan)
}

func (self *Client) EnqueueAction(udfPath string, args map[string]Value) (<-chan FunctionResult, error) {
	self.stateLock.Lock()
	resultChan, err := self.base.action(udfPath, args, time.Now())
	self.stateLock.Unlock()
	if err != nil {
		return nil, err
	}
	self.notifySend()
	return resultChan, nil
}

func (self *Client) await(ctx context.Context, resultChan <-chan FunctionResult) (Value, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, fmt.Errorf("client closed")
	case result := <-resultChan:
		if result.Error != nil {
			return nil, result.Error
		}
		return result.Value, nil
	}
}

// LocalQueryResult returns the overlay-composed (optimistic-update-aware)
// current value, or nil if never subscribed or still loading.
func (self *Client) LocalQueryResult(udfPath string, args map[string]Value) (*FunctionResult, error) {
	token, err := queryTokenFor(udfPath, args)
	if err != nil {
		return nil, err
	}
	return self.LocalQueryResultByToken(token), nil
}

func (self *Client) LocalQueryResultByToken(token QueryToken) *FunctionResult {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.base.localQueryResult(token)
}

// ConnectionState is a snapshot of the connection and request backlog.
type ConnectionState struct {
	IsConnected                   bool
	ConnectionCount               int
	InflightMutations             int
	InflightActions               int
	HasOutstandingRequests        bool
	IsFullyCaughtUpSinceReconnect bool
	OldestPendingRequestTime      time.Time
	HasPendingRequests            bool
}

func (self *Client) ConnectionState() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state := ConnectionState{
		IsConnected:                   self.connected,
		ConnectionCount:               self.connectionCount,
		InflightMutations:             self.base.requestManager.countInflightMutations(),
		InflightActions:               self.base.requestManager.countInflightActions(),
		HasOutstandingRequests:        self.base.requestManager.hasOutstandingRequests(),
		IsFullyCaughtUpSinceReconnect: self.base.requestManager.isFullyCaughtUpSinceReconnect(),
	}
	if oldest, ok := self.base.requestManager.oldestPendingRequestTime(); ok {
		state.OldestPendingRequestTime = oldest
		state.HasPendingRequests = true
	}
	return state
}

// MaxObservedTimestamp is the newest logical commit timestamp the client has
// seen, used for read-your-writes handoff across sessions.
func (self *Client) MaxObservedTimestamp() Timestamp {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.base.maxObservedTimestamp
}

// Close tears down the connection and stops the client. Idempotent. In-flight
// request channels are left unresolved; callers blocked in Mutation/Action
// return with a client-closed error.
func (self *Client) Close() {
	self.stateLock.Lock()
	self.lastCloseReason = "ClientDisconnect"
	self.stateLock.Unlock()
	self.cancel()
	<-self.done
}

// must hold stateLock
func (self *Client) deliverChanged(changed []QueryToken) {
	for _, token := range changed {
		result := self.base.localQueryResult(token)
		if result == nil {
			// loading; subscribers only see settled values
			continue
		}
		for _, subscription := range self.subscribers[token] {
			subscription.deliver(*result)
		}
	}
}

func (self *Client) notifySend() {
	select {
	case self.sendNotify <- struct{}{}:
	default:
	}
}
