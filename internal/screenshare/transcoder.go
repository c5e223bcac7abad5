package screenshare

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mrehwald/bigbluebutton-mr/internal/bbb"
	"github.com/mrehwald/bigbluebutton-mr/internal/media"
)

// onRtpMediaFlowing is the only entry into MEDIA_STARTED: the
// transcoder-facing RTP endpoint reported flowing media. Duplicate
// FLOWING events while started are no-ops; the transcoder request is
// issued at most once per broadcast cycle.
func (s *Session) onRtpMediaFlowing(ctx context.Context) {
	s.mu.Lock()
	if s.state == MediaStarted {
		s.mu.Unlock()
		return
	}
	s.state = MediaStarted
	recorded := s.isRecorded
	params := s.rtpParams
	s.mu.Unlock()

	log.Info().Str("module", "screenshare.session").Str("session", s.id).Msg("rtp media flowing")

	// The broadcast negotiation waits on a bus reply; it must not block
	// the media event pump.
	go s.negotiateBroadcastStart(ctx, params)

	if recorded {
		go s.startRecording(ctx)
	}
}

// negotiateBroadcastStart asks the external transcoder to transpose the
// presenter RTP stream to RTMP and announces the broadcast. Without a
// reachable transcoder the deployment is pure WebRTC and the broadcast
// is announced immediately.
func (s *Session) negotiateBroadcastStart(ctx context.Context, params *bbb.TranscoderParams) {
	available := s.transcoderAvailable(ctx)
	if !available || params == nil {
		s.startRtmpBroadcast(ctx, s.meetingID, "")
		return
	}

	req, err := bbb.NewStartTranscoderRequest(s.meetingID, *params)
	if err != nil {
		log.Error().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("could not build start transcoder request")
		s.startRtmpBroadcast(ctx, s.meetingID, "")
		return
	}

	reply, err := s.transcoderExchange(ctx, req, bbb.StartTranscoderReply, bbb.StartTranscoderResp2x)
	if err != nil {
		log.Warn().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("no start transcoder reply, announcing broadcast without rtmp")
		s.startRtmpBroadcast(ctx, s.meetingID, "")
		return
	}
	s.startRtmpBroadcast(ctx, reply.MeetingID, reply.Output)
}

// stopScreensharing drives the transcoder stop exchange during session
// stop. When the transcoder is unreachable or media never started, the
// stopped event goes out immediately without waiting for any reply.
func (s *Session) stopScreensharing(ctx context.Context) {
	s.mu.Lock()
	started := s.state == MediaStarted
	s.mu.Unlock()

	log.Info().Str("module", "screenshare.session").Str("session", s.id).Bool("started", started).Msg("stopping screensharing")

	available := s.transcoderAvailable(ctx)
	if !available || !started {
		s.stopRtmpBroadcast(ctx, s.meetingID)
		return
	}

	req, err := bbb.NewStopTranscoderRequest(s.meetingID)
	if err != nil {
		log.Error().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("could not build stop transcoder request")
		s.stopRtmpBroadcast(ctx, s.meetingID)
		return
	}

	reply, err := s.transcoderExchange(ctx, req, bbb.StopTranscoderReply, bbb.StopTranscoderResp2x)
	if err != nil {
		log.Warn().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("no stop transcoder reply, announcing broadcast stop anyway")
		s.stopRtmpBroadcast(ctx, s.meetingID)
		return
	}
	s.stopRtmpBroadcast(ctx, reply.MeetingID)
}

func (s *Session) transcoderAvailable(ctx context.Context) bool {
	available, err := s.gw.IsChannelAvailable(ctx, bbb.ToBBBTranscodeSystemChannel)
	if err != nil {
		log.Warn().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("could not probe transcoder channel")
		return false
	}
	return available
}

// transcoderExchange publishes one request and awaits the reply, racing
// both protocol generations scoped to this meeting. Whichever reply
// lands first wins; the losing listener is deregistered so nothing
// leaks. A reply that never arrives resolves as ErrTranscoderTimeout.
func (s *Session) transcoderExchange(ctx context.Context, request []byte, legacyName, currentName string) (*bbb.TranscoderReply, error) {
	replies := make(chan *bbb.TranscoderReply, 2)

	cancelLegacy := s.gw.Once(legacyName+s.meetingID, func(raw json.RawMessage) {
		if reply := s.decodeTranscoderReply(raw, true); reply != nil {
			replies <- reply
		}
	})
	defer cancelLegacy()

	cancelCurrent := s.gw.Once(currentName+s.meetingID, func(raw json.RawMessage) {
		if reply := s.decodeTranscoderReply(raw, false); reply != nil {
			replies <- reply
		}
	})
	defer cancelCurrent()

	if err := s.gw.Publish(ctx, bbb.ToBBBTranscodeSystemChannel, request); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.cfg.TranscoderReplyTimeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, ErrTranscoderTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) decodeTranscoderReply(raw json.RawMessage, legacy bool) *bbb.TranscoderReply {
	env, err := bbb.Decode(raw)
	if err != nil {
		log.Warn().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("undecodable transcoder reply")
		return nil
	}

	var reply *bbb.TranscoderReply
	if legacy {
		reply, err = bbb.ParseTranscoderReplyLegacy(env.Body)
	} else {
		reply, err = bbb.ParseTranscoderReply2x(env.Body)
	}
	if err != nil {
		if env.MeetingID != "" {
			return &bbb.TranscoderReply{MeetingID: env.MeetingID}
		}
		log.Warn().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("unusable transcoder reply payload")
		return nil
	}
	return reply
}

// startRtmpBroadcast announces the running broadcast on the voice conf
// system channel and latches the broadcast-started flag.
func (s *Session) startRtmpBroadcast(ctx context.Context, meetingID, output string) {
	s.mu.Lock()
	s.streamURL = media.StreamURL(s.cfg.LocalIPAddress, meetingID, output)
	s.rtmpBroadcastStarted = true
	streamURL := s.streamURL
	s.mu.Unlock()

	log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("stream", streamURL).Msg("rtmp broadcast started")

	ev, err := bbb.NewScreenshareRTMPBroadcastStartedEvent(s.voiceBridge, streamURL, s.videoWidth, s.videoHeight)
	if err != nil {
		return
	}
	if err := s.gw.Publish(ctx, bbb.FromVoiceConfSystemChannel, ev); err != nil {
		log.Warn().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("could not publish broadcast started event")
	}
}

func (s *Session) stopRtmpBroadcast(ctx context.Context, meetingID string) {
	s.mu.Lock()
	streamURL := s.streamURL
	s.mu.Unlock()

	log.Info().Str("module", "screenshare.session").Str("session", s.id).Str("meeting", meetingID).Msg("rtmp broadcast stopped")

	ev, err := bbb.NewScreenshareRTMPBroadcastStoppedEvent(s.voiceBridge, streamURL, s.videoWidth, s.videoHeight)
	if err != nil {
		return
	}
	if err := s.gw.Publish(ctx, bbb.FromVoiceConfSystemChannel, ev); err != nil {
		log.Warn().Str("module", "screenshare.session").Str("session", s.id).Err(err).Msg("could not publish broadcast stopped event")
	}
}
