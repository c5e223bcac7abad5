package bbb

// Redis channels this service touches.
const (
	ToScreenshareChannel   = "to-sfu-screenshare"
	FromScreenshareChannel = "from-sfu-screenshare"

	ToBBBTranscodeSystemChannel   = "bigbluebutton:to-bbb-transcode:system"
	FromBBBTranscodeSystemChannel = "bigbluebutton:from-bbb-transcode:system"

	FromVoiceConfSystemChannel = "from-voice-conf-redis-channel"
	ToAkkaAppsChannel          = "to-akka-apps-redis-channel"
	FromAkkaAppsChannel        = "from-akka-apps-redis-channel"
)

// Message names. The transcoder answers in two generations: the legacy
// 1.1 snake_case replies and the 2x *SysRespMsg replies. Both stay
// supported for rolling upgrades.
const (
	StartTranscoderRequest = "start_transcoder_request"
	StopTranscoderRequest  = "stop_transcoder_request"

	StartTranscoderReply   = "start_transcoder_reply"
	StopTranscoderReply    = "stop_transcoder_reply"
	StartTranscoderResp2x  = "StartTranscoderSysRespMsg"
	StopTranscoderResp2x   = "StopTranscoderSysRespMsg"

	RecordingStatusRequest2x = "GetRecordingStatusReqMsg"
	RecordingStatusReply2x   = "GetRecordingStatusRespMsg"

	ScreenshareRTMPBroadcastStarted2x = "ScreenshareRtmpBroadcastStartedVoiceConfEvtMsg"
	ScreenshareRTMPBroadcastStopped2x = "ScreenshareRtmpBroadcastStoppedVoiceConfEvtMsg"
)

// Correlation field names per generation.
const (
	MeetingIDLegacy = "meeting_id"
	MeetingID2x     = "meetingId"
)

// Application identifiers on the client-facing channels.
const (
	ScreenshareApp = "screenshare"

	MessageStart      = "start"
	MessageStop       = "stop"
	MessageIce        = "ice"
	MessageStopViewer = "stopViewer"
	MessageClose      = "close"

	RoleSend = "send"
	RoleRecv = "recv"
)
