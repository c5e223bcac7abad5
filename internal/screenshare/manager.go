package screenshare

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mrehwald/bigbluebutton-mr/internal/bbb"
	"github.com/mrehwald/bigbluebutton-mr/internal/bus"
	"github.com/mrehwald/bigbluebutton-mr/internal/config"
	"github.com/mrehwald/bigbluebutton-mr/internal/mcs"
	"github.com/mrehwald/bigbluebutton-mr/internal/media"
)

// ManagedSession is what the registry tracks. Stop must swallow its own
// failures; the returned error is logged, never propagated.
type ManagedSession interface {
	ID() string
	ConnectionID() string
	Start(ctx context.Context, connectionID, sdpOffer, callerName, role string) (string, error)
	OnIceCandidate(ctx context.Context, candidate webrtc.ICECandidateInit, role, callerName string)
	StopViewer(ctx context.Context, viewerID string)
	Stop(ctx context.Context) error
	Info() SessionInfo
}

// EndpointIndex is the registry-owned lookup for the per-voice-bridge
// presenter and transcoder RTP endpoints. All sessions of a process
// share it; mutation routes through the manager.
type EndpointIndex interface {
	BindPresenterEndpoint(voiceBridge, endpointID string) error
	PresenterEndpoint(voiceBridge string) (string, bool)
	ReleasePresenterEndpoint(voiceBridge, endpointID string)
	BindRTPEndpoint(voiceBridge, endpointID string)
	ReleaseRTPEndpoint(voiceBridge, endpointID string)
}

// SessionInfo is a read-only session snapshot for the admin surface.
type SessionInfo struct {
	ID               string `json:"id"`
	ConnectionID     string `json:"connectionId"`
	VoiceBridge      string `json:"voiceBridge"`
	State            string `json:"state"`
	Viewers          int    `json:"viewers"`
	BroadcastStarted bool   `json:"broadcastStarted"`
	StreamURL        string `json:"streamUrl,omitempty"`
}

type queuedCandidate struct {
	Candidate  webrtc.ICECandidateInit
	Role       string
	CallerName string
}

type sessionFactory func(m *Manager, req bbb.ScreenshareMessage) ManagedSession

// Manager is the screenshare session registry: it owns every session,
// the pre-session ICE queues, and the endpoint index, and funnels
// inbound bus messages to the right session.
type Manager struct {
	cfg   *config.Config
	gw    bus.Gateway
	mcs   mcs.Client
	ports *media.PortPool

	newSession sessionFactory

	mu         sync.RWMutex
	sessions   map[string]ManagedSession
	iceQueues  map[string][]queuedCandidate
	presenters map[string]string
	rtpShares  map[string]string

	connectionChannel  string
	additionalChannels []string
}

func NewManager(cfg *config.Config, gw bus.Gateway, client mcs.Client) *Manager {
	m := &Manager{
		cfg:               cfg,
		gw:                gw,
		mcs:               client,
		ports:             media.NewPortPool(30000, 40000),
		sessions:          make(map[string]ManagedSession),
		iceQueues:         make(map[string][]queuedCandidate),
		presenters:        make(map[string]string),
		rtpShares:         make(map[string]string),
		connectionChannel: bbb.ToScreenshareChannel,
		additionalChannels: []string{
			bbb.FromBBBTranscodeSystemChannel,
			bbb.FromAkkaAppsChannel,
		},
	}
	m.newSession = defaultSessionFactory
	return m
}

func defaultSessionFactory(m *Manager, req bbb.ScreenshareMessage) ManagedSession {
	id := req.VoiceBridge
	return NewSession(SessionConfig{
		ID:           id,
		ConnectionID: req.ConnectionID,
		VoiceBridge:  req.VoiceBridge,
		MeetingID:    req.InternalMeetingID,
		CallerName:   req.CallerName,
		VideoWidth:   req.VideoWidth,
		VideoHeight:  req.VideoHeight,
	}, SessionDeps{
		MCS:     m.mcs,
		Gateway: m.gw,
		Index:   m,
		Config:  m.cfg,
		Ports:   m.ports,
		OnServerOffline: func() {
			log.Error().Str("module", "screenshare.manager").Str("session", id).Msg("media server offline, stopping session")
			m.StopSession(context.Background(), id)
		},
	})
}

// Start subscribes the auxiliary channels. Subscription failure is the
// one fatal error of this manager: everything is torn down and the
// error surfaces to the process owner.
func (m *Manager) Start(ctx context.Context) error {
	for _, channel := range m.additionalChannels {
		if err := m.gw.SubscribeEvents(ctx, channel); err != nil {
			log.Error().Str("module", "screenshare.manager").Str("channel", channel).Err(err).Msg("could not subscribe to channel")
			m.StopAll(ctx)
			return fmt.Errorf("manager start failed: %w", err)
		}
	}
	return nil
}

// Dispatch subscribes the primary inbound channel and routes every
// decoded message, preserving per-channel arrival order.
func (m *Manager) Dispatch(ctx context.Context) error {
	return m.gw.Subscribe(ctx, m.connectionChannel, func(msg bus.Message) {
		m.HandleMessage(ctx, msg)
	})
}

func (m *Manager) HandleMessage(ctx context.Context, msg bus.Message) {
	var req bbb.ScreenshareMessage
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Warn().Str("module", "screenshare.manager").Err(err).Msg("undecodable message on connection channel")
		return
	}
	if req.Type != "" && req.Type != bbb.ScreenshareApp {
		return
	}

	switch req.ID {
	case bbb.MessageStart:
		m.handleStart(ctx, req)
	case bbb.MessageIce:
		m.handleIceCandidate(ctx, req)
	case bbb.MessageStop:
		m.StopSession(ctx, req.VoiceBridge)
	case bbb.MessageStopViewer:
		if sess, ok := m.Session(req.VoiceBridge); ok {
			sess.StopViewer(ctx, req.CallerName)
		}
	case bbb.MessageClose:
		m.StopSessionsForConnection(ctx, req.ConnectionID)
	default:
		log.Warn().Str("module", "screenshare.manager").Str("id", req.ID).Msg("unhandled message id")
	}
}

func (m *Manager) handleStart(ctx context.Context, req bbb.ScreenshareMessage) {
	sess := m.getOrCreateSession(req)

	// Candidates that arrived before the session existed go in first so
	// the session sees them in arrival order.
	m.FlushIceQueue(ctx, sess)

	answer, err := sess.Start(ctx, req.ConnectionID, req.SDPOffer, req.CallerName, req.Role)

	resp := bbb.StartResponse{
		ConnectionID: req.ConnectionID,
		Type:         bbb.ScreenshareApp,
		ID:           "startResponse",
		Role:         req.Role,
	}
	if err != nil {
		log.Error().Str("module", "screenshare.manager").Str("session", sess.ID()).Str("role", req.Role).Err(err).Msg("session start failed")
		resp.Response = "rejected"
		resp.Reason = err.Error()
	} else {
		resp.Response = "accepted"
		resp.SDPAnswer = answer
	}

	if perr := m.gw.Publish(ctx, bbb.FromScreenshareChannel, resp); perr != nil {
		log.Warn().Str("module", "screenshare.manager").Err(perr).Msg("could not publish start response")
	}
}

func (m *Manager) handleIceCandidate(ctx context.Context, req bbb.ScreenshareMessage) {
	if req.Candidate == nil {
		log.Warn().Str("module", "screenshare.manager").Msg("ice message without candidate")
		return
	}
	if sess, ok := m.Session(req.VoiceBridge); ok {
		sess.OnIceCandidate(ctx, *req.Candidate, req.Role, req.CallerName)
		return
	}

	m.mu.Lock()
	m.iceQueues[req.VoiceBridge] = append(m.iceQueues[req.VoiceBridge], queuedCandidate{
		Candidate:  *req.Candidate,
		Role:       req.Role,
		CallerName: req.CallerName,
	})
	m.mu.Unlock()
	log.Debug().Str("module", "screenshare.manager").Str("session", req.VoiceBridge).Msg("queued ice candidate for absent session")
}

func (m *Manager) getOrCreateSession(req bbb.ScreenshareMessage) ManagedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[req.VoiceBridge]; ok {
		return sess
	}
	sess := m.newSession(m, req)
	m.sessions[req.VoiceBridge] = sess
	log.Info().Str("module", "screenshare.manager").Str("session", sess.ID()).Int("sessions", len(m.sessions)).Msg("created session")
	return sess
}

func (m *Manager) Session(id string) (ManagedSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// FlushIceQueue drains the pre-session queue for the session in arrival
// order and forwards every candidate; the queue is emptied in this call.
func (m *Manager) FlushIceQueue(ctx context.Context, sess ManagedSession) {
	m.mu.Lock()
	queue := m.iceQueues[sess.ID()]
	delete(m.iceQueues, sess.ID())
	m.mu.Unlock()

	for _, qc := range queue {
		sess.OnIceCandidate(ctx, qc.Candidate, qc.Role, qc.CallerName)
	}
}

// StopSession removes and stops one session. A missing session is a
// successful no-op; a failing stop procedure is logged and swallowed so
// teardown can never be blocked.
func (m *Manager) StopSession(ctx context.Context, id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	delete(m.iceQueues, id)
	remaining := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}

	log.Info().Str("module", "screenshare.manager").Str("session", id).Msg("stopping session")
	if err := sess.Stop(ctx); err != nil {
		log.Error().Str("module", "screenshare.manager").Str("session", id).Err(err).Msg("error stopping session")
	}
	log.Debug().Str("module", "screenshare.manager").Int("sessions", remaining).Msg("sessions remaining")
}

// StopSessionsForConnection stops every session owned by a connection.
func (m *Manager) StopSessionsForConnection(ctx context.Context, connectionID string) {
	m.mu.RLock()
	var ids []string
	for id, sess := range m.sessions {
		if sess.ConnectionID() == connectionID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.StopSession(ctx, id)
	}
}

// StopAll stops every session concurrently and waits for all of them.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	log.Info().Str("module", "screenshare.manager").Int("sessions", len(ids)).Msg("stopping everything")

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.StopSession(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (m *Manager) Snapshot() []SessionInfo {
	m.mu.RLock()
	sessions := make([]ManagedSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	return out
}

// BindPresenterEndpoint records the single presenter endpoint of a voice
// bridge; a second bind while one is live is refused.
func (m *Manager) BindPresenterEndpoint(voiceBridge, endpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.presenters[voiceBridge]; ok && cur != "" {
		return ErrPresenterExists
	}
	m.presenters[voiceBridge] = endpointID
	return nil
}

func (m *Manager) PresenterEndpoint(voiceBridge string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.presenters[voiceBridge]
	return ep, ok && ep != ""
}

// ReleasePresenterEndpoint clears the index entry, but only when it
// still belongs to the given endpoint.
func (m *Manager) ReleasePresenterEndpoint(voiceBridge, endpointID string) {
	if endpointID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.presenters[voiceBridge] == endpointID {
		delete(m.presenters, voiceBridge)
	}
}

func (m *Manager) BindRTPEndpoint(voiceBridge, endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rtpShares[voiceBridge] = endpointID
}

func (m *Manager) ReleaseRTPEndpoint(voiceBridge, endpointID string) {
	if endpointID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rtpShares[voiceBridge] == endpointID {
		delete(m.rtpShares, voiceBridge)
	}
}
