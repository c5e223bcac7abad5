package media

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

var ErrNoVideoSection = errors.New("sdp has no video section")

// ForceH264 rewrites an SDP offer so the video section only carries H.264
// payload types, optionally pinning a preferred profile-level-id. Offers
// without an H.264 rtpmap are returned unchanged rather than broken.
func ForceH264(offer, preferredProfile string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return "", fmt.Errorf("failed to parse sdp offer: %w", err)
	}

	rewritten := false
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}

		h264 := h264PayloadTypes(md)
		if len(h264) == 0 {
			continue
		}

		md.MediaName.Formats = keepFormats(md.MediaName.Formats, h264)
		md.Attributes = keepAttributes(md.Attributes, h264, preferredProfile)
		rewritten = true
	}

	if !rewritten {
		return offer, nil
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to serialize sdp offer: %w", err)
	}
	return string(out), nil
}

func h264PayloadTypes(md *sdp.MediaDescription) map[string]bool {
	pts := make(map[string]bool)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(fields[1]), "H264/") {
			pts[fields[0]] = true
		}
	}
	return pts
}

func keepFormats(formats []string, keep map[string]bool) []string {
	out := make([]string, 0, len(keep))
	for _, f := range formats {
		if keep[f] {
			out = append(out, f)
		}
	}
	return out
}

// keepAttributes drops payload-type-scoped attributes of removed codecs
// and pins profile-level-id on the surviving fmtp lines.
func keepAttributes(attrs []sdp.Attribute, keep map[string]bool, preferredProfile string) []sdp.Attribute {
	out := make([]sdp.Attribute, 0, len(attrs))
	for _, attr := range attrs {
		switch attr.Key {
		case "rtpmap", "fmtp", "rtcp-fb":
			pt, _, _ := strings.Cut(attr.Value, " ")
			if !keep[pt] {
				continue
			}
			if attr.Key == "fmtp" && preferredProfile != "" {
				attr.Value = pinProfile(attr.Value, preferredProfile)
			}
		}
		out = append(out, attr)
	}
	return out
}

func pinProfile(fmtp, profile string) string {
	pt, params, ok := strings.Cut(fmtp, " ")
	if !ok {
		return fmtp
	}
	parts := strings.Split(params, ";")
	found := false
	for i, p := range parts {
		if strings.HasPrefix(strings.TrimSpace(p), "profile-level-id=") {
			parts[i] = "profile-level-id=" + profile
			found = true
		}
	}
	if !found {
		parts = append(parts, "profile-level-id="+profile)
	}
	return pt + " " + strings.Join(parts, ";")
}

// GenerateVideoSDP builds the RTP offer handed to the MCS when
// subscribing the transcoder-facing endpoint: one H.264 video section
// bound to the given address and port.
func GenerateVideoSDP(ipAddress string, port int) string {
	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ipAddress,
		},
		SessionName: "BigBlueButton",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ipAddress},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "video",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"96"},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "96 H264/90000"},
					{Key: "recvonly"},
				},
			},
		},
	}

	out, err := desc.Marshal()
	if err != nil {
		// The description above is static; Marshal cannot fail on it.
		return ""
	}
	return string(out)
}

// ExtractVideoPort returns the negotiated port of the first video
// section in an SDP answer.
func ExtractVideoPort(answer string) (int, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(answer)); err != nil {
		return 0, fmt.Errorf("failed to parse sdp answer: %w", err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "video" {
			return md.MediaName.Port.Value, nil
		}
	}
	return 0, ErrNoVideoSection
}
