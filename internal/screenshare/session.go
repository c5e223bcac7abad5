package screenshare

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrehwald/bigbluebutton-mr/internal/bbb"
	"github.com/mrehwald/bigbluebutton-mr/internal/bus"
	"github.com/mrehwald/bigbluebutton-mr/internal/config"
	"github.com/mrehwald/bigbluebutton-mr/internal/mcs"
	"github.com/mrehwald/bigbluebutton-mr/internal/media"
)

// MediaState tracks whether the transcoder-facing RTP endpoint has
// reported flowing media.
type MediaState int

const (
	MediaStopped MediaState = iota
	MediaStarted
)

func (s MediaState) String() string {
	if s == MediaStarted {
		return "MEDIA_STARTED"
	}
	return "MEDIA_STOPPED"
}

type SessionConfig struct {
	ID           string
	ConnectionID string
	VoiceBridge  string
	MeetingID    string
	CallerName   string
	VideoWidth   int
	VideoHeight  int
}

type SessionDeps struct {
	MCS     mcs.Client
	Gateway bus.Gateway
	Index   EndpointIndex
	Config  *config.Config
	Ports   *media.PortPool

	// OnServerOffline fires when the media server reports itself gone
	// for the presenter endpoint.
	OnServerOffline func()
}

// Session is one screen-share for one voice conference: one presenter,
// any number of viewers. It sequences the MCS calls, owns the
// per-endpoint ICE queues and drives the transcoder exchange.
type Session struct {
	id           string
	connectionID string
	voiceBridge  string
	meetingID    string
	caller       string
	videoWidth   int
	videoHeight  int

	mcs    mcs.Client
	gw     bus.Gateway
	index  EndpointIndex
	cfg    *config.Config
	ports  *media.PortPool
	tracer trace.Tracer

	onServerOffline func()

	mu                   sync.Mutex
	userID               string
	presenterEndpoint    string
	rtpEndpoint          string
	viewers              map[string]string
	presenterQueue       []webrtc.ICECandidateInit
	viewerQueues         map[string][]webrtc.ICECandidateInit
	state                MediaState
	rtmpBroadcastStarted bool
	streamURL            string
	rtpParams            *bbb.TranscoderParams
	recording            *mcs.Recording
	isRecorded           bool
	cancels              []func()
}

func NewSession(sc SessionConfig, deps SessionDeps) *Session {
	s := &Session{
		id:              sc.ID,
		connectionID:    sc.ConnectionID,
		voiceBridge:     sc.VoiceBridge,
		meetingID:       sc.MeetingID,
		caller:          sc.CallerName,
		videoWidth:      sc.VideoWidth,
		videoHeight:     sc.VideoHeight,
		mcs:             deps.MCS,
		gw:              deps.Gateway,
		index:           deps.Index,
		cfg:             deps.Config,
		ports:           deps.Ports,
		tracer:          otel.Tracer("screenshare"),
		onServerOffline: deps.OnServerOffline,
		viewers:         make(map[string]string),
		viewerQueues:    make(map[string][]webrtc.ICECandidateInit),
		state:           MediaStopped,
	}

	cancel := s.gw.On(bbb.RecordingStatusReply2x+s.meetingID, s.onRecordingStatusReply)
	s.addCancel(cancel)
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) ConnectionID() string { return s.connectionID }

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:               s.id,
		ConnectionID:     s.connectionID,
		VoiceBridge:      s.voiceBridge,
		State:            s.state.String(),
		Viewers:          len(s.viewers),
		BroadcastStarted: s.rtmpBroadcastStarted,
		StreamURL:        s.streamURL,
	}
}

func (s *Session) addCancel(cancel func()) {
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}

func (s *Session) onRecordingStatusReply(raw json.RawMessage) {
	env, err := bbb.Decode(raw)
	if err != nil {
		return
	}
	reply, err := bbb.ParseRecordingStatusReply(env.Body)
	if err != nil {
		log.Warn().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("undecodable recording status reply")
		return
	}
	log.Info().Str("module", "screenshare.session").Str("session", s.id).Bool("recorded", reply.Recorded).Msg("recording status reply")
	if reply.Recorded {
		s.mu.Lock()
		s.isRecorded = true
		s.mu.Unlock()
	}
}

// Start negotiates an endpoint for one participant. The first call joins
// the MCS conference; SEND publishes the presenter endpoint plus the
// transcoder-facing RTP endpoint, RECV subscribes against the presenter.
func (s *Session) Start(ctx context.Context, connectionID, sdpOffer, callerName, role string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "screenshare.start", trace.WithAttributes(
		attribute.String("voice_bridge", s.voiceBridge),
		attribute.String("role", role),
	))
	defer span.End()

	offer := sdpOffer
	if s.cfg.ForceH264 {
		forced, err := media.ForceH264(offer, s.cfg.PreferredH264Profile)
		if err != nil {
			return "", fmt.Errorf("could not force H264 on offer: %w", err)
		}
		offer = forced
	}

	if s.cfg.RecordScreenSharing && role == bbb.RoleSend {
		go s.requestRecordingStatus(callerName)
	}

	log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("role", role).Msg("starting session")

	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()
	if userID == "" {
		uid, err := s.mcs.Join(ctx, s.meetingID, "SFU", mcs.JoinOptions{})
		if err != nil {
			return "", fmt.Errorf("mcs join failed: %w", err)
		}
		log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("user", uid).Msg("joined mcs conference")
		s.mu.Lock()
		s.userID = uid
		userID = uid
		s.mu.Unlock()
	}

	switch role {
	case bbb.RoleRecv:
		return s.startViewer(ctx, userID, connectionID, offer, callerName)
	case bbb.RoleSend:
		return s.startPresenter(ctx, userID, offer)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
}

func (s *Session) requestRecordingStatus(userID string) {
	req, err := bbb.NewRecordingStatusRequest(s.meetingID, userID)
	if err != nil {
		return
	}
	if err := s.gw.Publish(context.Background(), bbb.ToAkkaAppsChannel, req); err != nil {
		log.Warn().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("could not request recording status")
	}
}

func (s *Session) startPresenter(ctx context.Context, userID, offer string) (string, error) {
	if _, exists := s.index.PresenterEndpoint(s.voiceBridge); exists {
		return "", ErrPresenterExists
	}

	resp, err := s.mcs.Publish(ctx, userID, s.meetingID, mcs.EndpointWebRTC, mcs.EndpointOptions{Descriptor: offer})
	if err != nil {
		return "", fmt.Errorf("mcs publish failed: %w", err)
	}

	// The server-state watch is registered regardless of how the rest of
	// the presenter setup goes, so a half-started presenter still reacts
	// to the media server dying.
	defer func() {
		cancel := s.mcs.OnceServerState(resp.SessionID, s.handleServerState)
		s.addCancel(cancel)
	}()

	s.mu.Lock()
	s.presenterEndpoint = resp.SessionID
	queue := s.presenterQueue
	s.presenterQueue = nil
	s.mu.Unlock()

	if err := s.index.BindPresenterEndpoint(s.voiceBridge, resp.SessionID); err != nil {
		// Lost a race with a concurrent presenter; the endpoint stays
		// reachable through Stop for cleanup.
		return "", err
	}

	log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("endpoint", resp.SessionID).Msg("presenter endpoint published")

	s.flushEndpointQueue(ctx, resp.SessionID, queue)
	s.addCancel(s.mcs.OnMediaEvent(resp.SessionID, func(ev mcs.MediaEvent) {
		s.handleWebRTCMediaEvent(ev, s.connectionID)
	}))

	if err := s.startTranscoderFeed(ctx, userID, resp.SessionID); err != nil {
		return "", err
	}

	return resp.Answer, nil
}

// startTranscoderFeed subscribes the server-side RTP endpoint that feeds
// the external transcoder and computes the transcoder parameters from
// the negotiated answer.
func (s *Session) startTranscoderFeed(ctx context.Context, userID, presenterEndpoint string) error {
	sendPort := s.ports.Next()
	rtpOffer := media.GenerateVideoSDP(s.cfg.LocalIPAddress, sendPort)

	resp, err := s.mcs.Subscribe(ctx, userID, presenterEndpoint, mcs.EndpointRTP, mcs.EndpointOptions{
		Descriptor:       rtpOffer,
		KeyframeInterval: s.cfg.KeyframeInterval,
	})
	if err != nil {
		return fmt.Errorf("mcs rtp subscribe failed: %w", err)
	}

	recvPort, err := media.ExtractVideoPort(resp.Answer)
	if err != nil {
		return fmt.Errorf("no video port in rtp answer: %w", err)
	}

	params := media.GenerateTranscoderParams(
		s.cfg.KurentoIP, s.cfg.LocalIPAddress, sendPort, recvPort,
		s.meetingID, "stream_type_video", bbb.TranscodeRTPToRTMP, "copy",
		s.caller, s.voiceBridge,
	)

	s.mu.Lock()
	s.rtpEndpoint = resp.SessionID
	s.rtpParams = &params
	s.mu.Unlock()
	s.index.BindRTPEndpoint(s.voiceBridge, resp.SessionID)

	s.addCancel(s.mcs.OnMediaEvent(resp.SessionID, s.handleRTPMediaEvent))

	log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("endpoint", resp.SessionID).Int("send_port", sendPort).Int("recv_port", recvPort).Msg("transcoder rtp endpoint subscribed")
	return nil
}

func (s *Session) startViewer(ctx context.Context, userID, connectionID, offer, callerName string) (string, error) {
	log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("caller", callerName).Msg("starting viewer")

	presenterEndpoint, ok := s.index.PresenterEndpoint(s.voiceBridge)
	if !ok {
		return "", ErrNoPresenter
	}

	s.mu.Lock()
	if s.viewerQueues[callerName] == nil {
		s.viewerQueues[callerName] = []webrtc.ICECandidateInit{}
	}
	s.mu.Unlock()

	resp, err := s.mcs.Subscribe(ctx, userID, presenterEndpoint, mcs.EndpointWebRTC, mcs.EndpointOptions{Descriptor: offer})
	if err != nil {
		return "", fmt.Errorf("mcs subscribe failed: %w", err)
	}

	s.mu.Lock()
	s.viewers[callerName] = resp.SessionID
	queue := s.viewerQueues[callerName]
	s.viewerQueues[callerName] = nil
	s.mu.Unlock()

	s.flushEndpointQueue(ctx, resp.SessionID, queue)
	s.addCancel(s.mcs.OnMediaEvent(resp.SessionID, func(ev mcs.MediaEvent) {
		s.handleWebRTCMediaEvent(ev, connectionID)
	}))

	log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("caller", callerName).Str("endpoint", resp.SessionID).Msg("viewer endpoint subscribed")
	return resp.Answer, nil
}

// OnIceCandidate forwards a client candidate to its endpoint, draining
// any queued candidates first, or queues it while the endpoint does not
// exist yet. Candidates are never dropped.
func (s *Session) OnIceCandidate(ctx context.Context, candidate webrtc.ICECandidateInit, role, callerName string) {
	switch role {
	case bbb.RoleSend:
		s.mu.Lock()
		endpoint := s.presenterEndpoint
		if endpoint == "" {
			s.presenterQueue = append(s.presenterQueue, candidate)
			s.mu.Unlock()
			log.Debug().Str("module", "screenshare.session").Str("session", s.id).Msg("queued presenter ice candidate")
			return
		}
		queue := s.presenterQueue
		s.presenterQueue = nil
		s.mu.Unlock()

		s.flushEndpointQueue(ctx, endpoint, queue)
		if err := s.mcs.AddIceCandidate(ctx, endpoint, candidate); err != nil {
			log.Error().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("presenter ice candidate rejected by media controller")
		}

	case bbb.RoleRecv:
		s.mu.Lock()
		endpoint := s.viewers[callerName]
		if endpoint == "" {
			s.viewerQueues[callerName] = append(s.viewerQueues[callerName], candidate)
			s.mu.Unlock()
			log.Debug().Str("module", "screenshare.session").Str("session", s.id).Str("caller", callerName).Msg("queued viewer ice candidate")
			return
		}
		queue := s.viewerQueues[callerName]
		s.viewerQueues[callerName] = nil
		s.mu.Unlock()

		s.flushEndpointQueue(ctx, endpoint, queue)
		if err := s.mcs.AddIceCandidate(ctx, endpoint, candidate); err != nil {
			log.Error().Str("module", "screenshare.session").Str("session", s.id).Str("caller", callerName).Err(err).Msg("viewer ice candidate rejected by media controller")
		}

	default:
		log.Warn().Str("module", "screenshare.session").Str("role", role).Msg("ice candidate for unknown role")
	}
}

// flushEndpointQueue forwards queued candidates in arrival order.
func (s *Session) flushEndpointQueue(ctx context.Context, endpointID string, queue []webrtc.ICECandidateInit) {
	for _, candidate := range queue {
		if err := s.mcs.AddIceCandidate(ctx, endpointID, candidate); err != nil {
			log.Error().Str("module", "screenshare.session").Str("session", s.id).Str("endpoint", endpointID).Err(err).Msg("queued ice candidate rejected by media controller")
		}
	}
}

func (s *Session) handleWebRTCMediaEvent(ev mcs.MediaEvent, connectionID string) {
	switch ev.Kind {
	case mcs.EventIceCandidate:
		if ev.Candidate == nil {
			return
		}
		relay := bbb.IceCandidateRelay{
			ConnectionID: connectionID,
			Type:         bbb.ScreenshareApp,
			ID:           "iceCandidate",
			CameraID:     s.id,
			Candidate:    *ev.Candidate,
		}
		if err := s.gw.Publish(context.Background(), bbb.FromScreenshareChannel, relay); err != nil {
			log.Warn().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("could not relay ice candidate")
		}

	case mcs.EventMediaStateChanged:

	case mcs.EventFlowOut, mcs.EventFlowIn:
		log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("endpoint", ev.EndpointID).Str("kind", ev.Kind.String()).Str("state", string(ev.State)).Msg("webrtc media flow state")
	}
}

func (s *Session) handleRTPMediaEvent(ev mcs.MediaEvent) {
	switch ev.Kind {
	case mcs.EventMediaStateChanged, mcs.EventIceCandidate:

	case mcs.EventFlowOut:
		log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("endpoint", ev.EndpointID).Str("state", string(ev.State)).Msg("rtp media flow out state")

	case mcs.EventFlowIn:
		log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("endpoint", ev.EndpointID).Str("state", string(ev.State)).Msg("rtp media flow in state")
		if ev.State == mcs.FlowFlowing {
			s.onRtpMediaFlowing(context.Background())
		} else {
			s.onRtpMediaNotFlowing()
		}
	}
}

func (s *Session) handleServerState(st mcs.ServerState) {
	if !st.Offline {
		log.Warn().Str("module", "screenshare.session").Str("session", s.id).Str("endpoint", st.EndpointID).Msg("unexpected server state")
		return
	}
	log.Error().Str("module", "screenshare.session").Str("session", s.id).Msg("media server offline")
	if s.onServerOffline != nil {
		s.onServerOffline()
	}
}

func (s *Session) onRtpMediaNotFlowing() {
	// No recovery action is defined for a broadcast that stops flowing.
	log.Warn().Str("module", "screenshare.session").Str("session", s.id).Msg("rtp media stopped flowing")
}

func (s *Session) Stop(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "screenshare.stop", trace.WithAttributes(
		attribute.String("voice_bridge", s.voiceBridge),
	))
	defer span.End()

	log.Info().Str("module", "screenshare.session").Str("session", s.id).Msg("stopping and releasing endpoints")

	s.stopScreensharing(ctx)

	s.mu.Lock()
	s.state = MediaStopped
	userID := s.userID
	presenterEndpoint := s.presenterEndpoint
	rtpEndpoint := s.rtpEndpoint
	recorded := s.isRecorded && s.recording != nil
	cancels := s.cancels
	s.cancels = nil
	s.presenterEndpoint = ""
	s.rtpEndpoint = ""
	s.viewers = make(map[string]string)
	s.viewerQueues = make(map[string][]webrtc.ICECandidateInit)
	s.presenterQueue = nil
	s.mu.Unlock()

	if userID != "" {
		if err := s.mcs.Leave(ctx, s.meetingID, userID); err != nil {
			log.Error().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("mcs leave failed")
		}
	}

	s.index.ReleasePresenterEndpoint(s.voiceBridge, presenterEndpoint)
	s.index.ReleaseRTPEndpoint(s.voiceBridge, rtpEndpoint)

	for _, cancel := range cancels {
		cancel()
	}

	if recorded {
		s.sendShareEvent(ctx, bbb.StopWebRTCDesktopShareEvent)
	}

	return nil
}

// StopViewer releases one viewer endpoint; failures are swallowed.
func (s *Session) StopViewer(ctx context.Context, viewerID string) {
	s.mu.Lock()
	endpoint, ok := s.viewers[viewerID]
	delete(s.viewers, viewerID)
	delete(s.viewerQueues, viewerID)
	userID := s.userID
	s.mu.Unlock()

	if !ok || endpoint == "" {
		return
	}

	log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("viewer", viewerID).Str("endpoint", endpoint).Msg("releasing viewer endpoint")
	if err := s.mcs.Unsubscribe(ctx, userID, endpoint); err != nil {
		log.Error().Str("module", "screenshare.session").Str("session", s.id).Str("viewer", viewerID).Err(err).Msg("mcs unsubscribe failed")
	}
}

func (s *Session) startRecording(ctx context.Context) {
	s.mu.Lock()
	userID := s.userID
	endpoint := s.presenterEndpoint
	s.mu.Unlock()

	rec, err := s.mcs.StartRecording(ctx, userID, endpoint, s.voiceBridge)
	if err != nil {
		log.Error().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("could not start recording")
		return
	}

	s.mu.Lock()
	s.recording = rec
	s.mu.Unlock()

	s.addCancel(s.mcs.OnMediaEvent(rec.RecordingID, func(ev mcs.MediaEvent) {
		log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("recording", rec.RecordingID).Str("kind", ev.Kind.String()).Str("state", string(ev.State)).Msg("recording media event")
	}))

	s.sendShareEvent(ctx, bbb.StartWebRTCDesktopShareEvent)
}

func (s *Session) sendShareEvent(ctx context.Context, eventName string) {
	s.mu.Lock()
	rec := s.recording
	s.mu.Unlock()
	if rec == nil {
		return
	}

	ev, err := bbb.NewWebRTCShareEvent(eventName, rec.MeetingID, rec.Filename)
	if err != nil {
		return
	}
	if err := s.gw.StoreMeetingEvent(ctx, rec.MeetingID, ev); err != nil {
		log.Warn().Str("module", "screenshare.session").Str("session", s.id).Str("event", eventName).Err(err).Msg("could not write share event")
	}
}
