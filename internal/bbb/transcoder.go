package bbb

import (
	"encoding/json"
	"errors"
)

var errUnrecognizedMessage = errors.New("unrecognized message shape")

// TranscoderReply is the normalized answer of a transcoder exchange,
// regardless of which protocol generation produced it.
type TranscoderReply struct {
	MeetingID string
	Output    string
}

type transcoderReplyLegacy struct {
	MeetingID string `json:"meeting_id"`
	Params    struct {
		Output string `json:"output"`
	} `json:"params"`
}

type transcoderReply2x struct {
	MeetingID string `json:"meetingId"`
	Params    struct {
		Output string `json:"output"`
	} `json:"params"`
}

// ParseTranscoderReplyLegacy normalizes a 1.1 *_transcoder_reply payload.
func ParseTranscoderReplyLegacy(body json.RawMessage) (*TranscoderReply, error) {
	var reply transcoderReplyLegacy
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, err
	}
	if reply.MeetingID == "" {
		return nil, errUnrecognizedMessage
	}
	return &TranscoderReply{MeetingID: reply.MeetingID, Output: reply.Params.Output}, nil
}

// ParseTranscoderReply2x normalizes a 2x *TranscoderSysRespMsg body.
func ParseTranscoderReply2x(body json.RawMessage) (*TranscoderReply, error) {
	var reply transcoderReply2x
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, err
	}
	if reply.MeetingID == "" {
		return nil, errUnrecognizedMessage
	}
	return &TranscoderReply{MeetingID: reply.MeetingID, Output: reply.Params.Output}, nil
}
