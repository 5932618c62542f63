package convex

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// connection loop. The socket is exclusively owned here; no other component
// touches it. Each established connection handshakes with a Connect message,
// replays the current query set and request backlog, then streams until the
// socket dies, at which point the loop backs off and redials.

func (self *Client) run() {
	defer close(self.done)

	backoff := newBackoff(self.settings.ReconnectBackoff)
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, nil)
		if err != nil {
			glog.V(1).Infof("[t]dial %s error = %s\n", self.wsUrl, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(backoff.Fail()):
				continue
			}
		}
		backoff.Reset()

		self.handleConnection(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(backoff.Fail()):
		}
	}
}

func (self *Client) handleConnection(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	connect := self.prepareConnection()

	glog.V(1).Infof("[t]connect %s session=%s count=%d reason=%s\n",
		self.wsUrl, connect.SessionId, connect.ConnectionCount, connect.LastCloseReason)

	if err := self.writeMessage(ws, connect); err != nil {
		self.recordCloseReason(fmt.Sprintf("WriteError: %s", err))
		return
	}

	// write loop. Flushes the outgoing queue whenever signaled, pings while
	// idle to keep intermediaries from reaping the connection.
	go func() {
		defer handleCancel()

		for {
			for {
				self.stateLock.Lock()
				message, ok := self.base.popNextMessage()
				self.stateLock.Unlock()
				if !ok {
					break
				}
				if err := self.writeMessage(ws, message); err != nil {
					glog.V(1).Infof("[ts]write error = %s\n", err)
					self.recordCloseReason(fmt.Sprintf("WriteError: %s", err))
					return
				}
				glog.V(2).Infof("[ts]%T->\n", message)
			}
			select {
			case <-handleCtx.Done():
				return
			case <-self.sendNotify:
			case <-time.After(self.settings.PingTimeout):
				deadline := time.Now().Add(self.settings.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					self.recordCloseReason(fmt.Sprintf("WriteError: %s", err))
					return
				}
			}
		}
	}()

	// read loop. Server messages drive the state machine; any protocol
	// violation tears the connection down for a full resync.
	go func() {
		defer handleCancel()

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, data, err := ws.ReadMessage()
			if err != nil {
				glog.V(1).Infof("[tr]read error = %s\n", err)
				self.recordCloseReason(fmt.Sprintf("ReadError: %s", err))
				return
			}

			message, err := parseServerMessage(data)
			if err != nil {
				glog.Infof("[tr]bad server message = %s\n", err)
				self.recordCloseReason(fmt.Sprintf("ProtocolError: %s", err))
				return
			}
			glog.V(2).Infof("[tr]%T<-\n", message)

			self.stateLock.Lock()
			changed, err := self.base.receiveMessage(message)
			if err != nil {
				self.stateLock.Unlock()
				glog.Infof("[tr]state machine error = %s\n", err)
				self.recordCloseReason(fmt.Sprintf("ProtocolError: %s", err))
				return
			}
			self.deliverChanged(changed)
			hasOutgoing := self.base.hasOutgoingMessages()
			self.stateLock.Unlock()
			if hasOutgoing {
				self.notifySend()
			}
		}
	}()

	<-handleCtx.Done()

	self.stateLock.Lock()
	self.connected = false
	self.stateLock.Unlock()
}

// prepareConnection snapshots the handshake and rebuilds the replay queue
// under one lock hold, so no message can interleave between the Connect and
// the query set replay.
func (self *Client) prepareConnection() *ConnectMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connect := &ConnectMessage{
		Type:            clientMessageConnect,
		SessionId:       self.sessionId,
		ConnectionCount: self.connectionCount,
		LastCloseReason: self.lastCloseReason,
	}
	if 0 < self.base.maxObservedTimestamp {
		ts := self.base.maxObservedTimestamp
		connect.MaxObservedTimestamp = &ts
	}
	firstConnection := self.connectionCount == 0
	self.connectionCount += 1
	self.connected = true
	self.base.resendOngoingQueriesMutations(firstConnection)
	return connect
}

func (self *Client) writeMessage(ws *websocket.Conn, message ClientMessage) error {
	data, err := marshalClientMessage(message)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (self *Client) recordCloseReason(reason string) {
	if self.ctx.Err() != nil {
		// deliberate close; keep the ClientDisconnect reason
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	// first writer wins; later errors are secondary effects of the teardown
	if self.connected {
		self.lastCloseReason = reason
		self.connected = false
	}
}
