package mcs

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Endpoint types the media control service can terminate.
const (
	EndpointWebRTC = "WebRtcEndpoint"
	EndpointRTP    = "RtpEndpoint"
)

// EventKind is the closed set of media event categories the MCS emits
// for an endpoint.
type EventKind int

const (
	EventIceCandidate EventKind = iota
	EventMediaStateChanged
	EventFlowOut
	EventFlowIn
)

func (k EventKind) String() string {
	switch k {
	case EventIceCandidate:
		return "OnIceCandidate"
	case EventMediaStateChanged:
		return "MediaStateChanged"
	case EventFlowOut:
		return "MediaFlowOutStateChange"
	case EventFlowIn:
		return "MediaFlowInStateChange"
	default:
		return "Unknown"
	}
}

type FlowState string

const (
	FlowFlowing    FlowState = "FLOWING"
	FlowNotFlowing FlowState = "NOT_FLOWING"
)

// MediaEvent is one asynchronous notification for an endpoint. Candidate
// is set for EventIceCandidate, State for the flow kinds.
type MediaEvent struct {
	Kind       EventKind
	EndpointID string
	Candidate  *webrtc.ICECandidateInit
	State      FlowState
}

// ServerState signals media-server availability for an endpoint.
type ServerState struct {
	EndpointID string
	Offline    bool
}

// JoinOptions parametrize a conference join.
type JoinOptions struct {
	UserName string `json:"userName,omitempty"`
}

// EndpointOptions parametrize publish and subscribe calls.
type EndpointOptions struct {
	Descriptor       string `json:"descriptor"`
	KeyframeInterval int    `json:"keyframeInterval,omitempty"`
}

// EndpointResponse is the negotiated result of publish or subscribe.
type EndpointResponse struct {
	SessionID string `json:"sessionId"`
	Answer    string `json:"answer"`
}

// Recording is the metadata returned by StartRecording.
type Recording struct {
	RecordingID string `json:"recordingId"`
	MeetingID   string `json:"meetingId"`
	Filename    string `json:"filename"`
}

// Client is the media control service API this core drives. Event
// listeners are keyed by endpoint id; the returned cancel funcs
// deregister the listener.
type Client interface {
	Join(ctx context.Context, meetingID, kind string, opts JoinOptions) (string, error)
	Publish(ctx context.Context, userID, meetingID, endpointType string, opts EndpointOptions) (*EndpointResponse, error)
	Subscribe(ctx context.Context, userID, sourceID, endpointType string, opts EndpointOptions) (*EndpointResponse, error)
	Unsubscribe(ctx context.Context, userID, endpointID string) error
	Leave(ctx context.Context, meetingID, userID string) error
	AddIceCandidate(ctx context.Context, endpointID string, candidate webrtc.ICECandidateInit) error
	StartRecording(ctx context.Context, userID, endpointID, voiceBridge string) (*Recording, error)

	OnMediaEvent(endpointID string, fn func(MediaEvent)) (cancel func())
	OnceServerState(endpointID string, fn func(ServerState)) (cancel func())
}
