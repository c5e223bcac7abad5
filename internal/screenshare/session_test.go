package screenshare

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mrehwald/bigbluebutton-mr/internal/bbb"
	"github.com/mrehwald/bigbluebutton-mr/internal/config"
	"github.com/mrehwald/bigbluebutton-mr/internal/mcs"
	"github.com/mrehwald/bigbluebutton-mr/internal/media"
)

func testConfig() *config.Config {
	return &config.Config{
		KurentoIP:              "10.0.0.1",
		LocalIPAddress:         "10.0.0.2",
		ForceH264:              false,
		KeyframeInterval:       2,
		RecordScreenSharing:    false,
		VideoWidth:             1280,
		VideoHeight:            720,
		TranscoderReplyTimeout: 100 * time.Millisecond,
	}
}

type sessionFixture struct {
	session *Session
	gw      *fakeGateway
	mcs     *fakeMCS
	index   *fakeIndex
}

func newSessionFixture(cfg *config.Config) *sessionFixture {
	gw := newFakeGateway()
	client := newFakeMCS()
	index := newFakeIndex()

	sess := NewSession(SessionConfig{
		ID:           "vb-1",
		ConnectionID: "conn-1",
		VoiceBridge:  "vb-1",
		MeetingID:    "meeting-1",
		CallerName:   "alice",
		VideoWidth:   cfg.VideoWidth,
		VideoHeight:  cfg.VideoHeight,
	}, SessionDeps{
		MCS:     client,
		Gateway: gw,
		Index:   index,
		Config:  cfg,
		Ports:   media.NewPortPool(30000, 30100),
	})

	return &sessionFixture{session: sess, gw: gw, mcs: client, index: index}
}

func awaitPublish(t *testing.T, gw *fakeGateway, channel string) publishedMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-gw.published:
			if msg.Channel == channel {
				return msg
			}
		case <-deadline:
			t.Fatalf("no message published on %s", channel)
		}
	}
}

func expectNoPublish(t *testing.T, gw *fakeGateway, channel string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case msg := <-gw.published:
			if msg.Channel == channel {
				t.Fatalf("unexpected message on %s: %+v", channel, msg.Payload)
			}
		case <-deadline:
			return
		}
	}
}

func TestStartPresenter(t *testing.T) {
	f := newSessionFixture(testConfig())

	answer, err := f.session.Start(context.Background(), "conn-1", "offer", "alice", bbb.RoleSend)
	if err != nil {
		t.Fatalf("start presenter: %v", err)
	}
	if answer != "presenter-answer" {
		t.Errorf("expected presenter answer, got %q", answer)
	}

	if ep, ok := f.index.PresenterEndpoint("vb-1"); !ok || ep != "presenter-ep" {
		t.Errorf("presenter endpoint not recorded, got %q", ep)
	}
	if f.mcs.callCount("join") != 1 {
		t.Errorf("expected one join, got %d", f.mcs.callCount("join"))
	}
	if f.mcs.callCount("subscribe:"+mcs.EndpointRTP) != 1 {
		t.Errorf("expected the transcoder rtp subscribe")
	}
}

func TestStartSecondPresenterRejected(t *testing.T) {
	f := newSessionFixture(testConfig())

	if _, err := f.session.Start(context.Background(), "conn-1", "offer", "alice", bbb.RoleSend); err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, err := f.session.Start(context.Background(), "conn-2", "offer", "bob", bbb.RoleSend)
	if !errors.Is(err, ErrPresenterExists) {
		t.Fatalf("expected ErrPresenterExists, got %v", err)
	}
	if f.mcs.callCount("publish") != 1 {
		t.Errorf("second presenter must not publish another endpoint, got %d publishes", f.mcs.callCount("publish"))
	}
}

func TestStartViewerWithoutPresenter(t *testing.T) {
	f := newSessionFixture(testConfig())

	_, err := f.session.Start(context.Background(), "conn-2", "offer", "bob", bbb.RoleRecv)
	if !errors.Is(err, ErrNoPresenter) {
		t.Fatalf("expected ErrNoPresenter, got %v", err)
	}
}

func TestStartViewer(t *testing.T) {
	f := newSessionFixture(testConfig())

	if _, err := f.session.Start(context.Background(), "conn-1", "offer", "alice", bbb.RoleSend); err != nil {
		t.Fatalf("presenter start: %v", err)
	}

	answer, err := f.session.Start(context.Background(), "conn-2", "offer", "bob", bbb.RoleRecv)
	if err != nil {
		t.Fatalf("viewer start: %v", err)
	}
	if answer != "viewer-answer" {
		t.Errorf("expected viewer answer, got %q", answer)
	}
	if f.mcs.callCount("join") != 1 {
		t.Errorf("join must happen once per session, got %d", f.mcs.callCount("join"))
	}
}

func TestJoinFailureRejectsStart(t *testing.T) {
	f := newSessionFixture(testConfig())
	f.mcs.joinErr = errors.New("join refused")

	_, err := f.session.Start(context.Background(), "conn-1", "offer", "alice", bbb.RoleSend)
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if f.mcs.callCount("publish") != 0 {
		t.Errorf("no endpoint may be created after a failed join")
	}
}

func TestIceCandidatesQueuedUntilPresenterExists(t *testing.T) {
	f := newSessionFixture(testConfig())
	ctx := context.Background()

	first := webrtc.ICECandidateInit{Candidate: "candidate-1"}
	second := webrtc.ICECandidateInit{Candidate: "candidate-2"}
	f.session.OnIceCandidate(ctx, first, bbb.RoleSend, "alice")
	f.session.OnIceCandidate(ctx, second, bbb.RoleSend, "alice")

	if got := f.mcs.callCount("addIceCandidate"); got != 0 {
		t.Fatalf("candidates must be queued before the endpoint exists, got %d forwards", got)
	}

	if _, err := f.session.Start(ctx, "conn-1", "offer", "alice", bbb.RoleSend); err != nil {
		t.Fatalf("start: %v", err)
	}

	forwarded := f.mcs.endpointCandidates("presenter-ep")
	if len(forwarded) != 2 {
		t.Fatalf("expected both queued candidates forwarded, got %d", len(forwarded))
	}
	if forwarded[0].Candidate != "candidate-1" || forwarded[1].Candidate != "candidate-2" {
		t.Errorf("candidates forwarded out of order: %v", forwarded)
	}

	// New candidates now go straight through.
	third := webrtc.ICECandidateInit{Candidate: "candidate-3"}
	f.session.OnIceCandidate(ctx, third, bbb.RoleSend, "alice")
	forwarded = f.mcs.endpointCandidates("presenter-ep")
	if len(forwarded) != 3 || forwarded[2].Candidate != "candidate-3" {
		t.Errorf("direct candidate not forwarded after flush: %v", forwarded)
	}
}

func TestViewerIceCandidateQueue(t *testing.T) {
	f := newSessionFixture(testConfig())
	ctx := context.Background()

	if _, err := f.session.Start(ctx, "conn-1", "offer", "alice", bbb.RoleSend); err != nil {
		t.Fatalf("presenter start: %v", err)
	}

	queued := webrtc.ICECandidateInit{Candidate: "viewer-candidate"}
	f.session.OnIceCandidate(ctx, queued, bbb.RoleRecv, "bob")

	if _, err := f.session.Start(ctx, "conn-2", "offer", "bob", bbb.RoleRecv); err != nil {
		t.Fatalf("viewer start: %v", err)
	}

	forwarded := f.mcs.endpointCandidates("viewer-ep")
	if len(forwarded) != 1 || forwarded[0].Candidate != "viewer-candidate" {
		t.Errorf("queued viewer candidate not flushed: %v", forwarded)
	}
}

func TestFlowingStartsBroadcastOnce(t *testing.T) {
	f := newSessionFixture(testConfig())
	ctx := context.Background()

	if _, err := f.session.Start(ctx, "conn-1", "offer", "alice", bbb.RoleSend); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Transcoder channel unreachable: pure WebRTC deployment, the
	// broadcast is announced immediately.
	f.mcs.fireMediaEvent("rtp-ep", mcs.MediaEvent{
		Kind:       mcs.EventFlowIn,
		EndpointID: "rtp-ep",
		State:      mcs.FlowFlowing,
	})

	awaitPublish(t, f.gw, bbb.FromVoiceConfSystemChannel)

	info := f.session.Info()
	if info.State != "MEDIA_STARTED" {
		t.Errorf("expected MEDIA_STARTED, got %s", info.State)
	}
	if !info.BroadcastStarted {
		t.Error("broadcast started flag not latched")
	}

	// A duplicate FLOWING is a no-op.
	f.mcs.fireMediaEvent("rtp-ep", mcs.MediaEvent{
		Kind:       mcs.EventFlowIn,
		EndpointID: "rtp-ep",
		State:      mcs.FlowFlowing,
	})
	expectNoPublish(t, f.gw, bbb.FromVoiceConfSystemChannel, 150*time.Millisecond)
}

func TestFlowingNegotiatesTranscoder(t *testing.T) {
	f := newSessionFixture(testConfig())
	f.gw.available = true
	ctx := context.Background()

	if _, err := f.session.Start(ctx, "conn-1", "offer", "alice", bbb.RoleSend); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.mcs.fireMediaEvent("rtp-ep", mcs.MediaEvent{
		Kind:       mcs.EventFlowIn,
		EndpointID: "rtp-ep",
		State:      mcs.FlowFlowing,
	})

	// The start request goes out on the transcoder system channel.
	awaitPublish(t, f.gw, bbb.ToBBBTranscodeSystemChannel)

	// Answer in the 2x generation.
	reply := []byte(`{"envelope":{"name":"StartTranscoderSysRespMsg","routing":{}},"core":{"header":{"name":"StartTranscoderSysRespMsg","meetingId":"meeting-1"},"body":{"meetingId":"meeting-1","params":{"output":"stream-77"}}}}`)
	f.gw.emit(bbb.StartTranscoderResp2x+"meeting-1", reply)

	awaitPublish(t, f.gw, bbb.FromVoiceConfSystemChannel)

	info := f.session.Info()
	want := media.StreamURL("10.0.0.2", "meeting-1", "stream-77")
	if info.StreamURL != want {
		t.Errorf("stream url = %q, want %q", info.StreamURL, want)
	}

	// The legacy listener lost the race and must be gone.
	if n := f.gw.liveListeners(bbb.StartTranscoderReply + "meeting-1"); n != 0 {
		t.Errorf("legacy reply listener leaked, %d still registered", n)
	}
}

func TestTranscoderLegacyReply(t *testing.T) {
	f := newSessionFixture(testConfig())
	f.gw.available = true
	ctx := context.Background()

	if _, err := f.session.Start(ctx, "conn-1", "offer", "alice", bbb.RoleSend); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.mcs.fireMediaEvent("rtp-ep", mcs.MediaEvent{
		Kind:       mcs.EventFlowIn,
		EndpointID: "rtp-ep",
		State:      mcs.FlowFlowing,
	})
	awaitPublish(t, f.gw, bbb.ToBBBTranscodeSystemChannel)

	reply := []byte(`{"header":{"name":"start_transcoder_reply","current_time":1,"version":"0.0.1"},"payload":{"meeting_id":"meeting-1","transcoder_id":"meeting-1","params":{"output":"legacy-stream"}}}`)
	f.gw.emit(bbb.StartTranscoderReply+"meeting-1", reply)

	awaitPublish(t, f.gw, bbb.FromVoiceConfSystemChannel)

	info := f.session.Info()
	want := media.StreamURL("10.0.0.2", "meeting-1", "legacy-stream")
	if info.StreamURL != want {
		t.Errorf("stream url = %q, want %q", info.StreamURL, want)
	}
	if n := f.gw.liveListeners(bbb.StartTranscoderResp2x + "meeting-1"); n != 0 {
		t.Errorf("2x reply listener leaked, %d still registered", n)
	}
}

func TestTranscoderTimeoutAnnouncesBroadcastAnyway(t *testing.T) {
	f := newSessionFixture(testConfig())
	f.gw.available = true
	ctx := context.Background()

	if _, err := f.session.Start(ctx, "conn-1", "offer", "alice", bbb.RoleSend); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.mcs.fireMediaEvent("rtp-ep", mcs.MediaEvent{
		Kind:       mcs.EventFlowIn,
		EndpointID: "rtp-ep",
		State:      mcs.FlowFlowing,
	})
	awaitPublish(t, f.gw, bbb.ToBBBTranscodeSystemChannel)

	// Nobody answers; after the reply timeout the broadcast is announced
	// with the meeting id as the stream name.
	awaitPublish(t, f.gw, bbb.FromVoiceConfSystemChannel)

	info := f.session.Info()
	want := media.StreamURL("10.0.0.2", "meeting-1", "")
	if info.StreamURL != want {
		t.Errorf("degraded stream url = %q, want %q", info.StreamURL, want)
	}
	if n := f.gw.liveListeners(bbb.StartTranscoderReply + "meeting-1"); n != 0 {
		t.Errorf("legacy reply listener leaked after timeout")
	}
	if n := f.gw.liveListeners(bbb.StartTranscoderResp2x + "meeting-1"); n != 0 {
		t.Errorf("2x reply listener leaked after timeout")
	}
}

func TestStopAfterStartedMediaNegotiatesTranscoderStop(t *testing.T) {
	f := newSessionFixture(testConfig())
	f.gw.available = true
	ctx := context.Background()

	if _, err := f.session.Start(ctx, "conn-1", "offer", "alice", bbb.RoleSend); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.mcs.fireMediaEvent("rtp-ep", mcs.MediaEvent{
		Kind:       mcs.EventFlowIn,
		EndpointID: "rtp-ep",
		State:      mcs.FlowFlowing,
	})
	awaitPublish(t, f.gw, bbb.ToBBBTranscodeSystemChannel)
	reply := []byte(`{"envelope":{"name":"StartTranscoderSysRespMsg","routing":{}},"core":{"header":{"name":"StartTranscoderSysRespMsg","meetingId":"meeting-1"},"body":{"meetingId":"meeting-1","params":{"output":"stream-77"}}}}`)
	f.gw.emit(bbb.StartTranscoderResp2x+"meeting-1", reply)
	awaitPublish(t, f.gw, bbb.FromVoiceConfSystemChannel)

	// Stop blocks on the stop exchange; answer it from the side.
	done := make(chan error, 1)
	go func() { done <- f.session.Stop(ctx) }()

	awaitPublish(t, f.gw, bbb.ToBBBTranscodeSystemChannel)
	stopReply := []byte(`{"header":{"name":"stop_transcoder_reply","current_time":1,"version":"0.0.1"},"payload":{"meeting_id":"meeting-1","transcoder_id":"meeting-1"}}`)
	f.gw.emit(bbb.StopTranscoderReply+"meeting-1", stopReply)

	awaitPublish(t, f.gw, bbb.FromVoiceConfSystemChannel)
	if err := <-done; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if info := f.session.Info(); info.State != "MEDIA_STOPPED" {
		t.Errorf("expected MEDIA_STOPPED after stop, got %s", info.State)
	}
}

func TestStopWithoutTranscoderEmitsStoppedImmediately(t *testing.T) {
	f := newSessionFixture(testConfig())
	ctx := context.Background()

	if _, err := f.session.Start(ctx, "conn-1", "offer", "alice", bbb.RoleSend); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.session.Stop(ctx); err != nil {
		t.Fatalf("stop must not fail: %v", err)
	}

	awaitPublish(t, f.gw, bbb.FromVoiceConfSystemChannel)

	if f.mcs.callCount("leave") != 1 {
		t.Errorf("expected mcs leave, got %d", f.mcs.callCount("leave"))
	}
	if _, ok := f.index.PresenterEndpoint("vb-1"); ok {
		t.Error("presenter endpoint entry not released on stop")
	}
	if info := f.session.Info(); info.State != "MEDIA_STOPPED" {
		t.Errorf("expected MEDIA_STOPPED after stop, got %s", info.State)
	}
}

func TestStopViewer(t *testing.T) {
	f := newSessionFixture(testConfig())
	ctx := context.Background()

	if _, err := f.session.Start(ctx, "conn-1", "offer", "alice", bbb.RoleSend); err != nil {
		t.Fatalf("presenter start: %v", err)
	}
	if _, err := f.session.Start(ctx, "conn-2", "offer", "bob", bbb.RoleRecv); err != nil {
		t.Fatalf("viewer start: %v", err)
	}

	f.session.StopViewer(ctx, "bob")
	if f.mcs.callCount("unsubscribe") != 1 {
		t.Errorf("expected one unsubscribe, got %d", f.mcs.callCount("unsubscribe"))
	}

	// A second stop for the same viewer is a no-op.
	f.session.StopViewer(ctx, "bob")
	if f.mcs.callCount("unsubscribe") != 1 {
		t.Errorf("repeated stopViewer must not unsubscribe again")
	}
}

func TestRecordingStatusReplyLatch(t *testing.T) {
	f := newSessionFixture(testConfig())

	reply := []byte(`{"envelope":{"name":"GetRecordingStatusRespMsg","routing":{}},"core":{"header":{"name":"GetRecordingStatusRespMsg","meetingId":"meeting-1"},"body":{"meetingId":"meeting-1","userId":"alice","recorded":true}}}`)
	f.gw.emit(bbb.RecordingStatusReply2x+"meeting-1", reply)

	f.session.mu.Lock()
	recorded := f.session.isRecorded
	f.session.mu.Unlock()
	if !recorded {
		t.Error("recording status reply did not latch isRecorded")
	}
}
