package bbb

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// legacyMessage is the 1.1 wire shape: flat header plus payload.
type legacyMessage struct {
	Header  legacyHeader    `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

type legacyHeader struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"current_time,omitempty"`
	Version   string `json:"version,omitempty"`
}

// message2x is the 2x wire shape: envelope with routing plus core.
type message2x struct {
	Envelope envelope2x `json:"envelope"`
	Core     core2x     `json:"core"`
}

type envelope2x struct {
	Name    string            `json:"name"`
	Routing map[string]string `json:"routing"`
}

type core2x struct {
	Header header2x        `json:"header"`
	Body   json.RawMessage `json:"body"`
}

type header2x struct {
	Name      string `json:"name"`
	MeetingID string `json:"meetingId,omitempty"`
}

// Envelope is a decoded inbound message normalized across both
// generations: the message name, the correlation id if one was present,
// and the raw body/payload object.
type Envelope struct {
	Name      string
	MeetingID string
	Body      json.RawMessage
}

// Decode probes the 2x shape first, then the legacy shape.
func Decode(data []byte) (*Envelope, error) {
	var m2x message2x
	if err := json.Unmarshal(data, &m2x); err == nil && m2x.Core.Header.Name != "" {
		return &Envelope{
			Name:      m2x.Core.Header.Name,
			MeetingID: m2x.Core.Header.MeetingID,
			Body:      m2x.Core.Body,
		}, nil
	}

	var legacy legacyMessage
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}
	if legacy.Header.Name == "" {
		return nil, errUnrecognizedMessage
	}

	env := &Envelope{Name: legacy.Header.Name, Body: legacy.Payload}
	var corr struct {
		MeetingID string `json:"meeting_id"`
	}
	if err := json.Unmarshal(legacy.Payload, &corr); err == nil {
		env.MeetingID = corr.MeetingID
	}
	return env, nil
}

// EventKeys derives the emitter keys a raw message fires: the bare
// message name, plus name+meetingId when a correlation id is present.
// This is the KeyFunc the gateway is wired with.
func EventKeys(data []byte) []string {
	env, err := Decode(data)
	if err != nil {
		return nil
	}
	keys := []string{env.Name}
	if env.MeetingID != "" {
		keys = append(keys, env.Name+env.MeetingID)
	}
	return keys
}

// TranscoderParams are the RTP relay parameters handed to the external
// transcoder on start.
type TranscoderParams struct {
	TranscoderType  string `json:"transcoder_type"`
	LocalIPAddress  string `json:"local_ip_address"`
	RemoteIPAddress string `json:"remote_ip_address"`
	LocalVideoPort  int    `json:"local_video_port"`
	RemoteVideoPort int    `json:"remote_video_port"`
	MeetingID       string `json:"meeting_id"`
	StreamType      string `json:"stream_type"`
	Codec           string `json:"codec"`
	CallerName      string `json:"callername"`
	VoiceConf       string `json:"voice_conf"`
	Output          string `json:"output,omitempty"`
}

// Values TranscoderParams.TranscoderType can take.
const TranscodeRTPToRTMP = "transcode_rtp_to_rtmp"

type transcoderRequestPayload struct {
	MeetingID    string            `json:"meeting_id"`
	TranscoderID string            `json:"transcoder_id"`
	Params       *TranscoderParams `json:"params,omitempty"`
}

func newLegacyMessage(name string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(legacyMessage{
		Header: legacyHeader{
			Name:      name,
			Timestamp: time.Now().UnixMilli(),
			Version:   "0.0.1",
		},
		Payload: raw,
	})
}

func new2xMessage(name, meetingID string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message2x{
		Envelope: envelope2x{
			Name:    name,
			Routing: map[string]string{"sender": "bbb-webrtc-sfu"},
		},
		Core: core2x{
			Header: header2x{Name: name, MeetingID: meetingID},
			Body:   raw,
		},
	})
}

// NewStartTranscoderRequest builds the legacy-shaped start request the
// transcoder consumes on its system channel.
func NewStartTranscoderRequest(meetingID string, params TranscoderParams) ([]byte, error) {
	return newLegacyMessage(StartTranscoderRequest, transcoderRequestPayload{
		MeetingID:    meetingID,
		TranscoderID: meetingID,
		Params:       &params,
	})
}

func NewStopTranscoderRequest(meetingID string) ([]byte, error) {
	return newLegacyMessage(StopTranscoderRequest, transcoderRequestPayload{
		MeetingID:    meetingID,
		TranscoderID: meetingID,
	})
}

type rtmpBroadcastBody struct {
	VoiceConf       string `json:"voiceConf"`
	ScreenshareConf string `json:"screenshareConf"`
	Stream          string `json:"stream"`
	VidWidth        int    `json:"vidWidth"`
	VidHeight       int    `json:"vidHeight"`
	Timestamp       string `json:"timestamp"`
}

// NewScreenshareRTMPBroadcastStartedEvent announces a running RTMP
// broadcast of the presenter stream on the voice conf system channel.
func NewScreenshareRTMPBroadcastStartedEvent(voiceBridge, streamURL string, width, height int) ([]byte, error) {
	return new2xMessage(ScreenshareRTMPBroadcastStarted2x, "", rtmpBroadcastBody{
		VoiceConf:       voiceBridge,
		ScreenshareConf: voiceBridge,
		Stream:          streamURL,
		VidWidth:        width,
		VidHeight:       height,
		Timestamp:       time.Now().Format("150405"),
	})
}

func NewScreenshareRTMPBroadcastStoppedEvent(voiceBridge, streamURL string, width, height int) ([]byte, error) {
	return new2xMessage(ScreenshareRTMPBroadcastStopped2x, "", rtmpBroadcastBody{
		VoiceConf:       voiceBridge,
		ScreenshareConf: voiceBridge,
		Stream:          streamURL,
		VidWidth:        width,
		VidHeight:       height,
		Timestamp:       time.Now().Format("150405"),
	})
}

type recordingStatusRequestBody struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
}

func NewRecordingStatusRequest(meetingID, userID string) ([]byte, error) {
	return new2xMessage(RecordingStatusRequest2x, meetingID, recordingStatusRequestBody{
		MeetingID: meetingID,
		UserID:    userID,
	})
}

// RecordingStatusReply is the body of GetRecordingStatusRespMsg.
type RecordingStatusReply struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
	Recorded  bool   `json:"recorded"`
}

func ParseRecordingStatusReply(body json.RawMessage) (*RecordingStatusReply, error) {
	var reply RecordingStatusReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

type webRTCShareEvent struct {
	Module    string `json:"module"`
	EventName string `json:"eventName"`
	MeetingID string `json:"meetingId"`
	Filename  string `json:"filename"`
	Timestamp int64  `json:"timestamp"`
}

// Desktop-share application event names written to the meeting's
// recording event stream.
const (
	StartWebRTCDesktopShareEvent = "StartWebRTCDesktopShareEvent"
	StopWebRTCDesktopShareEvent  = "StopWebRTCDesktopShareEvent"
)

func NewWebRTCShareEvent(eventName, meetingID, filename string) ([]byte, error) {
	return json.Marshal(webRTCShareEvent{
		Module:    ScreenshareApp,
		EventName: eventName,
		MeetingID: meetingID,
		Filename:  filename,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ScreenshareMessage is an inbound signaling request on the
// to-screenshare channel, produced by the connection layer.
type ScreenshareMessage struct {
	ID                string                   `json:"id"`
	Type              string                   `json:"type"`
	ConnectionID      string                   `json:"connectionId"`
	VoiceBridge       string                   `json:"voiceBridge"`
	InternalMeetingID string                   `json:"internalMeetingId"`
	CallerName        string                   `json:"callerName"`
	Role              string                   `json:"role"`
	SDPOffer          string                   `json:"sdpOffer"`
	Candidate         *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	VideoWidth        int                      `json:"vw"`
	VideoHeight       int                      `json:"vh"`
}

// StartResponse answers a start request back to the connection layer.
type StartResponse struct {
	ConnectionID string `json:"connectionId"`
	Type         string `json:"type"`
	ID           string `json:"id"`
	Response     string `json:"response"`
	Role         string `json:"role"`
	SDPAnswer    string `json:"sdpAnswer,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// IceCandidateRelay carries an MCS-gathered candidate to the client.
type IceCandidateRelay struct {
	ConnectionID string                  `json:"connectionId"`
	Type         string                  `json:"type"`
	ID           string                  `json:"id"`
	CameraID     string                  `json:"cameraId"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}
