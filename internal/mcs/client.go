package mcs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mrehwald/bigbluebutton-mr/internal/config"
)

// WSClient talks to the media control service over a single websocket:
// correlated request/response frames for the API calls, plus
// server-pushed media and server-state events.
type WSClient struct {
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan rpcFrame

	listenersMu    sync.Mutex
	mediaListeners map[string][]*mediaListener
	stateListeners map[string][]*stateListener
}

type mediaListener struct {
	fn   func(MediaEvent)
	dead bool
}

type stateListener struct {
	fn   func(ServerState)
	once bool
	dead bool
}

type rpcFrame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Err() error {
	return fmt.Errorf("mcs error %d: %s", e.Code, e.Message)
}

func NewWSClient(ctx context.Context, cfg config.MCSConfig) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mcs at %s: %w", cfg.Address, err)
	}

	c := &WSClient{
		conn:           conn,
		timeout:        cfg.RequestTimeout,
		pending:        make(map[string]chan rpcFrame),
		mediaListeners: make(map[string][]*mediaListener),
		stateListeners: make(map[string][]*stateListener),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

func (c *WSClient) call(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	id := uuid.NewString()
	ch := make(chan rpcFrame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	frame, err := json.Marshal(rpcFrame{ID: id, Method: method, Params: raw})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.Err()
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s timed out after %s", method, c.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WSClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Warn().Str("module", "mcs").Err(err).Msg("mcs connection closed")
			return
		}

		var frame rpcFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Str("module", "mcs").Err(err).Msg("undecodable mcs frame")
			continue
		}

		if frame.ID != "" && frame.Method == "" {
			c.pendingMu.Lock()
			ch, ok := c.pending[frame.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- frame
			}
			continue
		}

		switch frame.Method {
		case "mediaEvent":
			c.dispatchMediaEvent(frame.Params)
		case "serverState":
			c.dispatchServerState(frame.Params)
		default:
			log.Warn().Str("module", "mcs").Str("method", frame.Method).Msg("unexpected mcs notification")
		}
	}
}

type wireMediaEvent struct {
	EventTag   string                   `json:"eventTag"`
	EndpointID string                   `json:"id"`
	Candidate  *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	State      string                   `json:"state,omitempty"`
}

func (c *WSClient) dispatchMediaEvent(params json.RawMessage) {
	var wire wireMediaEvent
	if err := json.Unmarshal(params, &wire); err != nil {
		log.Warn().Str("module", "mcs").Err(err).Msg("undecodable media event")
		return
	}

	ev := MediaEvent{
		EndpointID: wire.EndpointID,
		Candidate:  wire.Candidate,
		State:      FlowState(wire.State),
	}
	switch wire.EventTag {
	case "OnIceCandidate":
		ev.Kind = EventIceCandidate
	case "MediaStateChanged":
		ev.Kind = EventMediaStateChanged
	case "MediaFlowOutStateChange":
		ev.Kind = EventFlowOut
	case "MediaFlowInStateChange":
		ev.Kind = EventFlowIn
	default:
		log.Warn().Str("module", "mcs").Str("tag", wire.EventTag).Msg("unrecognized media event tag")
		return
	}

	c.listenersMu.Lock()
	var fire []func(MediaEvent)
	for _, l := range c.mediaListeners[ev.EndpointID] {
		if !l.dead {
			fire = append(fire, l.fn)
		}
	}
	c.listenersMu.Unlock()

	for _, fn := range fire {
		fn(ev)
	}
}

type wireServerState struct {
	EventTag   string `json:"eventTag"`
	EndpointID string `json:"id"`
}

func (c *WSClient) dispatchServerState(params json.RawMessage) {
	var wire wireServerState
	if err := json.Unmarshal(params, &wire); err != nil {
		log.Warn().Str("module", "mcs").Err(err).Msg("undecodable server state event")
		return
	}

	st := ServerState{
		EndpointID: wire.EndpointID,
		Offline:    wire.EventTag == "mediaServerOffline",
	}

	c.listenersMu.Lock()
	var fire []func(ServerState)
	live := c.stateListeners[st.EndpointID][:0]
	for _, l := range c.stateListeners[st.EndpointID] {
		if l.dead {
			continue
		}
		fire = append(fire, l.fn)
		if !l.once {
			live = append(live, l)
		}
	}
	if len(live) == 0 {
		delete(c.stateListeners, st.EndpointID)
	} else {
		c.stateListeners[st.EndpointID] = live
	}
	c.listenersMu.Unlock()

	for _, fn := range fire {
		fn(st)
	}
}

func (c *WSClient) OnMediaEvent(endpointID string, fn func(MediaEvent)) (cancel func()) {
	l := &mediaListener{fn: fn}
	c.listenersMu.Lock()
	c.mediaListeners[endpointID] = append(c.mediaListeners[endpointID], l)
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		l.dead = true
		live := c.mediaListeners[endpointID][:0]
		for _, el := range c.mediaListeners[endpointID] {
			if !el.dead {
				live = append(live, el)
			}
		}
		if len(live) == 0 {
			delete(c.mediaListeners, endpointID)
		} else {
			c.mediaListeners[endpointID] = live
		}
	}
}

func (c *WSClient) OnceServerState(endpointID string, fn func(ServerState)) (cancel func()) {
	l := &stateListener{fn: fn, once: true}
	c.listenersMu.Lock()
	c.stateListeners[endpointID] = append(c.stateListeners[endpointID], l)
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		l.dead = true
	}
}

type joinParams struct {
	MeetingID string      `json:"meetingId"`
	Kind      string      `json:"kind"`
	Options   JoinOptions `json:"options"`
}

func (c *WSClient) Join(ctx context.Context, meetingID, kind string, opts JoinOptions) (string, error) {
	var result struct {
		UserID string `json:"userId"`
	}
	err := c.call(ctx, "join", joinParams{MeetingID: meetingID, Kind: kind, Options: opts}, &result)
	if err != nil {
		return "", err
	}
	return result.UserID, nil
}

type publishParams struct {
	UserID       string          `json:"userId"`
	MeetingID    string          `json:"meetingId"`
	EndpointType string          `json:"endpointType"`
	Options      EndpointOptions `json:"options"`
}

func (c *WSClient) Publish(ctx context.Context, userID, meetingID, endpointType string, opts EndpointOptions) (*EndpointResponse, error) {
	var result EndpointResponse
	err := c.call(ctx, "publish", publishParams{
		UserID:       userID,
		MeetingID:    meetingID,
		EndpointType: endpointType,
		Options:      opts,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type subscribeParams struct {
	UserID       string          `json:"userId"`
	SourceID     string          `json:"sourceId"`
	EndpointType string          `json:"endpointType"`
	Options      EndpointOptions `json:"options"`
}

func (c *WSClient) Subscribe(ctx context.Context, userID, sourceID, endpointType string, opts EndpointOptions) (*EndpointResponse, error) {
	var result EndpointResponse
	err := c.call(ctx, "subscribe", subscribeParams{
		UserID:       userID,
		SourceID:     sourceID,
		EndpointType: endpointType,
		Options:      opts,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type unsubscribeParams struct {
	UserID     string `json:"userId"`
	EndpointID string `json:"endpointId"`
}

func (c *WSClient) Unsubscribe(ctx context.Context, userID, endpointID string) error {
	return c.call(ctx, "unsubscribe", unsubscribeParams{UserID: userID, EndpointID: endpointID}, nil)
}

type leaveParams struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
}

func (c *WSClient) Leave(ctx context.Context, meetingID, userID string) error {
	return c.call(ctx, "leave", leaveParams{MeetingID: meetingID, UserID: userID}, nil)
}

type addIceCandidateParams struct {
	EndpointID string                  `json:"endpointId"`
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
}

func (c *WSClient) AddIceCandidate(ctx context.Context, endpointID string, candidate webrtc.ICECandidateInit) error {
	return c.call(ctx, "addIceCandidate", addIceCandidateParams{EndpointID: endpointID, Candidate: candidate}, nil)
}

type startRecordingParams struct {
	UserID      string `json:"userId"`
	EndpointID  string `json:"endpointId"`
	VoiceBridge string `json:"voiceBridge"`
}

func (c *WSClient) StartRecording(ctx context.Context, userID, endpointID, voiceBridge string) (*Recording, error) {
	var result Recording
	err := c.call(ctx, "startRecording", startRecordingParams{
		UserID:      userID,
		EndpointID:  endpointID,
		VoiceBridge: voiceBridge,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}
