package media

import (
	"fmt"

	"github.com/mrehwald/bigbluebutton-mr/internal/bbb"
)

// GenerateTranscoderParams computes the RTP relay parameters the
// external transcoder needs to pick up the presenter stream: our side
// sends on sendPort, the media server listens on recvPort.
func GenerateTranscoderParams(kurentoIP, localIP string, sendPort, recvPort int, meetingID, streamType, transcoderType, codec, callerName, voiceBridge string) bbb.TranscoderParams {
	return bbb.TranscoderParams{
		TranscoderType:  transcoderType,
		LocalIPAddress:  localIP,
		RemoteIPAddress: kurentoIP,
		LocalVideoPort:  sendPort,
		RemoteVideoPort: recvPort,
		MeetingID:       meetingID,
		StreamType:      streamType,
		Codec:           codec,
		CallerName:      callerName,
		VoiceConf:       voiceBridge,
	}
}

// StreamURL derives the public RTMP URL of a broadcast. When the
// transcoder did not hand back an output descriptor (pure WebRTC
// deployment) the meeting id doubles as the stream name.
func StreamURL(ipAddress, meetingID, output string) string {
	stream := output
	if stream == "" {
		stream = meetingID
	}
	return fmt.Sprintf("rtmp://%s/screenshare/%s", ipAddress, stream)
}
