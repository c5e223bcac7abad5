package screenshare

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mrehwald/bigbluebutton-mr/internal/bus"
	"github.com/mrehwald/bigbluebutton-mr/internal/mcs"
)

type publishedMessage struct {
	Channel string
	Payload any
}

// fakeGateway implements bus.Gateway in memory. Published messages are
// exposed on a channel so tests can await them; Once/On listeners can be
// fired manually with emit.
type fakeGateway struct {
	mu              sync.Mutex
	published       chan publishedMessage
	listeners       map[string][]*fakeListener
	subscribed      []string
	available       bool
	availableErr    error
	availableCalls  int
	subscribeErr    error
	meetingEvents   []publishedMessage
}

type fakeListener struct {
	fn   bus.ListenerFunc
	once bool
	dead bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		published: make(chan publishedMessage, 32),
		listeners: make(map[string][]*fakeListener),
	}
}

func (g *fakeGateway) Publish(_ context.Context, channel string, payload any) error {
	g.published <- publishedMessage{Channel: channel, Payload: payload}
	return nil
}

func (g *fakeGateway) Subscribe(_ context.Context, channel string, _ bus.Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribed = append(g.subscribed, channel)
	return g.subscribeErr
}

func (g *fakeGateway) SubscribeEvents(ctx context.Context, channel string) error {
	return g.Subscribe(ctx, channel, nil)
}

func (g *fakeGateway) addListener(event string, fn bus.ListenerFunc, once bool) func() {
	l := &fakeListener{fn: fn, once: once}
	g.mu.Lock()
	g.listeners[event] = append(g.listeners[event], l)
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		l.dead = true
		g.mu.Unlock()
	}
}

func (g *fakeGateway) On(event string, fn bus.ListenerFunc) func() {
	return g.addListener(event, fn, false)
}

func (g *fakeGateway) Once(event string, fn bus.ListenerFunc) func() {
	return g.addListener(event, fn, true)
}

func (g *fakeGateway) emit(event string, payload json.RawMessage) {
	g.mu.Lock()
	var fire []bus.ListenerFunc
	for _, l := range g.listeners[event] {
		if l.dead {
			continue
		}
		fire = append(fire, l.fn)
		if l.once {
			l.dead = true
		}
	}
	g.mu.Unlock()
	for _, fn := range fire {
		fn(payload)
	}
}

func (g *fakeGateway) liveListeners(event string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, l := range g.listeners[event] {
		if !l.dead {
			n++
		}
	}
	return n
}

func (g *fakeGateway) IsChannelAvailable(_ context.Context, _ string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.availableCalls = g.availableCalls + 1
	return g.available, g.availableErr
}

func (g *fakeGateway) StoreMeetingEvent(_ context.Context, meetingID string, event any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.meetingEvents = append(g.meetingEvents, publishedMessage{Channel: meetingID, Payload: event})
	return nil
}

func (g *fakeGateway) Close() error { return nil }

// fakeMCS implements mcs.Client with scriptable results and a call log.
type fakeMCS struct {
	mu sync.Mutex

	joinUserID   string
	joinErr      error
	publishResp  *mcs.EndpointResponse
	publishErr   error
	subscribeRTP *mcs.EndpointResponse
	subscribeWeb *mcs.EndpointResponse
	subscribeErr error
	recording    *mcs.Recording
	recordingErr error

	calls      []string
	candidates map[string][]webrtc.ICECandidateInit
	handlers   map[string][]func(mcs.MediaEvent)
	stateOnce  map[string][]func(mcs.ServerState)
}

func newFakeMCS() *fakeMCS {
	return &fakeMCS{
		joinUserID:   "user-1",
		publishResp:  &mcs.EndpointResponse{SessionID: "presenter-ep", Answer: "presenter-answer"},
		subscribeRTP: &mcs.EndpointResponse{SessionID: "rtp-ep", Answer: rtpAnswerSDP},
		subscribeWeb: &mcs.EndpointResponse{SessionID: "viewer-ep", Answer: "viewer-answer"},
		candidates:   make(map[string][]webrtc.ICECandidateInit),
		handlers:     make(map[string][]func(mcs.MediaEvent)),
		stateOnce:    make(map[string][]func(mcs.ServerState)),
	}
}

const rtpAnswerSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=video 24134 RTP/AVP 96\r\na=rtpmap:96 H264/90000\r\n"

func (m *fakeMCS) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *fakeMCS) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (m *fakeMCS) Join(_ context.Context, _, _ string, _ mcs.JoinOptions) (string, error) {
	m.record("join")
	return m.joinUserID, m.joinErr
}

func (m *fakeMCS) Publish(_ context.Context, _, _, _ string, _ mcs.EndpointOptions) (*mcs.EndpointResponse, error) {
	m.record("publish")
	return m.publishResp, m.publishErr
}

func (m *fakeMCS) Subscribe(_ context.Context, _, _, endpointType string, _ mcs.EndpointOptions) (*mcs.EndpointResponse, error) {
	m.record("subscribe:" + endpointType)
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	if endpointType == mcs.EndpointRTP {
		return m.subscribeRTP, nil
	}
	return m.subscribeWeb, nil
}

func (m *fakeMCS) Unsubscribe(_ context.Context, _, _ string) error {
	m.record("unsubscribe")
	return nil
}

func (m *fakeMCS) Leave(_ context.Context, _, _ string) error {
	m.record("leave")
	return nil
}

func (m *fakeMCS) AddIceCandidate(_ context.Context, endpointID string, candidate webrtc.ICECandidateInit) error {
	m.record("addIceCandidate")
	m.mu.Lock()
	m.candidates[endpointID] = append(m.candidates[endpointID], candidate)
	m.mu.Unlock()
	return nil
}

func (m *fakeMCS) StartRecording(_ context.Context, _, _, _ string) (*mcs.Recording, error) {
	m.record("startRecording")
	return m.recording, m.recordingErr
}

func (m *fakeMCS) OnMediaEvent(endpointID string, fn func(mcs.MediaEvent)) func() {
	m.mu.Lock()
	m.handlers[endpointID] = append(m.handlers[endpointID], fn)
	m.mu.Unlock()
	return func() {}
}

func (m *fakeMCS) OnceServerState(endpointID string, fn func(mcs.ServerState)) func() {
	m.mu.Lock()
	m.stateOnce[endpointID] = append(m.stateOnce[endpointID], fn)
	m.mu.Unlock()
	return func() {}
}

func (m *fakeMCS) fireMediaEvent(endpointID string, ev mcs.MediaEvent) {
	m.mu.Lock()
	handlers := append([]func(mcs.MediaEvent){}, m.handlers[endpointID]...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (m *fakeMCS) endpointCandidates(endpointID string) []webrtc.ICECandidateInit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.ICECandidateInit{}, m.candidates[endpointID]...)
}

// fakeIndex implements EndpointIndex over plain maps.
type fakeIndex struct {
	mu         sync.Mutex
	presenters map[string]string
	rtp        map[string]string
	bindErr    error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		presenters: make(map[string]string),
		rtp:        make(map[string]string),
	}
}

func (i *fakeIndex) BindPresenterEndpoint(voiceBridge, endpointID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.bindErr != nil {
		return i.bindErr
	}
	if i.presenters[voiceBridge] != "" {
		return ErrPresenterExists
	}
	i.presenters[voiceBridge] = endpointID
	return nil
}

func (i *fakeIndex) PresenterEndpoint(voiceBridge string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ep := i.presenters[voiceBridge]
	return ep, ep != ""
}

func (i *fakeIndex) ReleasePresenterEndpoint(voiceBridge, endpointID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.presenters[voiceBridge] == endpointID {
		delete(i.presenters, voiceBridge)
	}
}

func (i *fakeIndex) BindRTPEndpoint(voiceBridge, endpointID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rtp[voiceBridge] = endpointID
}

func (i *fakeIndex) ReleaseRTPEndpoint(voiceBridge, endpointID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.rtp[voiceBridge] == endpointID {
		delete(i.rtp, voiceBridge)
	}
}
