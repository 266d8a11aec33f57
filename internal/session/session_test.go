package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/tutorvoice/engine/internal/audio"
	"github.com/tutorvoice/engine/internal/clock"
	"github.com/tutorvoice/engine/internal/dispatch"
	"github.com/tutorvoice/engine/internal/strategiclog"
	"github.com/tutorvoice/engine/internal/stream"
)

// fakeStream records outbound payloads and lets tests inject inbound ones.
type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	events chan stream.Result
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan stream.Result, 100)}
}

func (f *fakeStream) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return stream.ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeStream) Events() <-chan stream.Result { return f.events }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeStream) inject(payload string) {
	f.events <- stream.Result{Data: []byte(payload)}
}

func (f *fakeStream) injectErr(err error) {
	f.events <- stream.Result{Err: err}
}

// sentTags decodes the envelope tag of every payload sent so far.
func (f *fakeStream) sentTags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tags []string
	for _, data := range f.sent {
		var envelope struct {
			Event map[string]json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		for tag := range envelope.Event {
			tags = append(tags, tag)
		}
	}
	return tags
}

// sentPayload returns the nth payload with the given tag, decoded.
func (f *fakeStream) sentPayload(tag string, n int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := 0
	for _, data := range f.sent {
		var envelope struct {
			Event map[string]json.RawMessage `json:"event"`
		}
		if json.Unmarshal(data, &envelope) != nil {
			continue
		}
		raw, ok := envelope.Event[tag]
		if !ok {
			continue
		}
		if seen == n {
			var payload map[string]any
			json.Unmarshal(raw, &payload)
			return payload
		}
		seen++
	}
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (d *fakeDialer) Dial(context.Context) (stream.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := newFakeStream()
	d.streams = append(d.streams, st)
	return st, nil
}

func (d *fakeDialer) stream(n int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n >= len(d.streams) {
		return nil
	}
	return d.streams[n]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// fakeDevice is a test capture source fed directly from the test body.
type fakeDevice struct {
	mu   sync.Mutex
	emit func(audio.RawFrame)
}

func (d *fakeDevice) Start(ctx context.Context, emit func(audio.RawFrame)) error {
	d.mu.Lock()
	d.emit = emit
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	d.emit = nil
	d.mu.Unlock()
	return nil
}

// feed emits one mono 16 kHz frame of constant amplitude at ts.
func (d *fakeDevice) feed(amplitude float32, ts time.Time) {
	d.mu.Lock()
	emit := d.emit
	d.mu.Unlock()
	if emit == nil {
		return
	}
	samples := make([]float32, 160)
	for i := range samples {
		samples[i] = amplitude
	}
	emit(audio.RawFrame{Samples: samples, Channels: 1, SampleRate: audio.ProtocolSampleRate, Timestamp: ts})
}

type testRig struct {
	engine *Engine
	dialer *fakeDialer
	clk    *clock.Fake
	disp   *dispatch.Dispatcher
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	sink, _ := logtest.NewNullLogger()
	sink.SetLevel(logrus.DebugLevel)
	clk := clock.NewFake()
	log := strategiclog.New(sink, clk, strategiclog.Config{
		MinLevel: strategiclog.Debug, BufferSize: 1000,
		FlushInterval: time.Hour, DedupWindow: time.Millisecond,
	})
	t.Cleanup(log.Close)

	dialer := &fakeDialer{}
	disp := dispatch.New()
	return &testRig{
		engine: NewEngine(dialer, disp, NewRegistry(), log, clk),
		dialer: dialer,
		clk:    clk,
		disp:   disp,
	}
}

func (r *testRig) subscribe(t *testing.T, id string) <-chan dispatch.Event {
	t.Helper()
	ch := make(chan dispatch.Event, 128)
	unsub := r.disp.Subscribe(id, func(ev dispatch.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	t.Cleanup(unsub)
	return ch
}

func waitEvent(t *testing.T, ch <-chan dispatch.Event, match func(dispatch.Event) bool) dispatch.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("event never arrived")
		}
	}
}

func waitTags(t *testing.T, st *fakeStream, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tags := st.sentTags(); len(tags) >= want {
			return tags
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("only %d events on the wire, want %d: %v", len(st.sentTags()), want, st.sentTags())
	return nil
}

func contains(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func count(tags []string, tag string) int {
	n := 0
	for _, t := range tags {
		if t == tag {
			n++
		}
	}
	return n
}

func TestOpeningHandshakeOnWire(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.engine.StartConversation(context.Background(), Config{Topic: "fractions"})
	if err != nil {
		t.Fatal(err)
	}
	defer rig.engine.EndConversation(id)

	st := rig.dialer.stream(0)
	tags := waitTags(t, st, 8)
	want := []string{
		"sessionStart", "promptStart",
		"contentStart", "textInput", "contentEnd",
		"contentStart", "textInput", "contentEnd",
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("wire order %v, want %v", tags[:8], want)
		}
	}

	sys := st.sentPayload("textInput", 0)
	if sys == nil || sys["content"] == "" {
		t.Fatal("system prompt textInput missing")
	}
	if text, _ := sys["content"].(string); !strings.Contains(text, "fractions") {
		t.Errorf("topic not in system prompt: %q", text)
	}
}

func TestStopSendsTerminationTail(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.engine.StartConversation(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rig.engine.EndConversation(id); err != nil {
		t.Fatal(err)
	}

	st := rig.dialer.stream(0)
	tags := st.sentTags()
	if tags[len(tags)-1] != "sessionEnd" {
		t.Errorf("last wire event = %s, want sessionEnd", tags[len(tags)-1])
	}
	if tags[len(tags)-2] != "promptEnd" {
		t.Errorf("second to last = %s, want promptEnd", tags[len(tags)-2])
	}

	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if !closed {
		t.Error("stream not closed after drain")
	}
}

func TestStopIdempotent(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.engine.StartConversation(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := rig.engine.EndConversation(id); err != nil {
		t.Fatal(err)
	}
	if err := rig.engine.EndConversation(id); err != nil {
		t.Errorf("second end: %v", err)
	}
}

func TestEndConversationUnknownID(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.engine.EndConversation("no-such-session"); err != nil {
		t.Errorf("unknown id: %v", err)
	}
}

func TestCaptureWithoutDevice(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.engine.StartConversation(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer rig.engine.EndConversation(id)

	if err := rig.engine.StartAudioCapture(id); err == nil {
		t.Error("capture started with no device configured")
	}
}

func TestTurnEndsOnUtteranceSilence(t *testing.T) {
	rig := newTestRig(t)
	dev := &fakeDevice{}
	id, err := rig.engine.StartConversation(context.Background(), Config{Device: dev})
	if err != nil {
		t.Fatal(err)
	}
	defer rig.engine.EndConversation(id)
	events := rig.subscribe(t, id)

	if err := rig.engine.StartAudioCapture(id); err != nil {
		t.Fatal(err)
	}

	t0 := rig.clk.Now()
	dev.feed(0.5, t0.Add(10*time.Millisecond))
	dev.feed(0, t0.Add(500*time.Millisecond))
	dev.feed(0, t0.Add(1000*time.Millisecond))
	dev.feed(0, t0.Add(1500*time.Millisecond))

	ev := waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.TurnEnd })
	if ev.Reason != "vadsilence" {
		t.Errorf("reason = %q, want vadsilence", ev.Reason)
	}

	// The turn carried speech, so its buffered audio went out before the
	// closing contentEnd.
	st := rig.dialer.stream(0)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if contains(st.sentTags(), "audioInput") {
			break
		}
		time.Sleep(time.Millisecond)
	}
	tags := st.sentTags()
	if !contains(tags, "audioInput") {
		t.Fatalf("no audioInput on the wire: %v", tags)
	}
	if count(tags, "contentStart") != count(tags, "contentEnd") {
		t.Errorf("unbalanced content events: %v", tags)
	}
}

func TestSilentTurnSendsNoAudio(t *testing.T) {
	rig := newTestRig(t)
	dev := &fakeDevice{}
	id, err := rig.engine.StartConversation(context.Background(), Config{Device: dev})
	if err != nil {
		t.Fatal(err)
	}
	defer rig.engine.EndConversation(id)
	events := rig.subscribe(t, id)

	if err := rig.engine.StartAudioCapture(id); err != nil {
		t.Fatal(err)
	}

	t0 := rig.clk.Now()
	for i := 1; i <= 5; i++ {
		dev.feed(0, t0.Add(time.Duration(i)*time.Second))
	}

	ev := waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.TurnEnd })
	if ev.Reason != "initial_silence" {
		t.Errorf("reason = %q, want initial_silence", ev.Reason)
	}
	if contains(rig.dialer.stream(0).sentTags(), "audioInput") {
		t.Error("audioInput sent for a turn with no speech")
	}
}

func TestTranscriptionAndResponseEvents(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.engine.StartConversation(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer rig.engine.EndConversation(id)
	events := rig.subscribe(t, id)
	st := rig.dialer.stream(0)

	st.inject(`{"event":{"contentStart":{"contentName":"c1","type":"TEXT","role":"USER"}}}`)
	st.inject(`{"event":{"textOutput":{"content":"what is a fraction","role":"USER"}}}`)
	ev := waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.Transcription })
	if ev.Text != "what is a fraction" || ev.Role != RoleUser {
		t.Errorf("transcription = %+v", ev)
	}

	st.inject(`{"event":{"contentStart":{"contentName":"c2","type":"TEXT","role":"ASSISTANT","additionalModelFields":"{\"generationStage\":\"SPECULATIVE\"}"}}}`)
	st.inject(`{"event":{"textOutput":{"content":"A fraction is part of a whole.","role":"ASSISTANT"}}}`)
	ev = waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.TextResponse })
	if !ev.Speculative {
		t.Error("speculative flag not carried from contentStart")
	}
	if ev.Role != RoleAssistant {
		t.Errorf("role = %q", ev.Role)
	}
}

func TestHistoryAccumulates(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.engine.StartConversation(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer rig.engine.EndConversation(id)
	events := rig.subscribe(t, id)
	st := rig.dialer.stream(0)

	st.inject(`{"event":{"contentStart":{"contentName":"c1","type":"TEXT","role":"USER"}}}`)
	st.inject(`{"event":{"textOutput":{"content":"hello","role":"USER"}}}`)
	st.inject(`{"event":{"contentEnd":{"contentName":"c1","type":"TEXT"}}}`)
	st.inject(`{"event":{"contentStart":{"contentName":"c2","type":"TEXT","role":"ASSISTANT"}}}`)
	st.inject(`{"event":{"textOutput":{"content":"hi there","role":"ASSISTANT"}}}`)
	st.inject(`{"event":{"contentEnd":{"contentName":"c2","type":"TEXT"}}}`)

	waitEvent(t, events, func(ev dispatch.Event) bool {
		return ev.Type == dispatch.TextResponse && ev.Text == "hi there"
	})

	s, err := rig.engine.reg.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	var turns []ConversationTurn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		turns, err = s.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		if len(turns) == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(turns) != 2 {
		t.Fatalf("history has %d turns, want 2", len(turns))
	}
	if turns[0].Role != RoleUser || turns[0].Content != "hello" {
		t.Errorf("turn 0 = %+v", turns[0])
	}
	if turns[1].Role != RoleAssistant || turns[1].Content != "hi there" {
		t.Errorf("turn 1 = %+v", turns[1])
	}
}

func TestBargeInGatesAssistantAudio(t *testing.T) {
	rig := newTestRig(t)
	dev := &fakeDevice{}
	id, err := rig.engine.StartConversation(context.Background(), Config{Device: dev})
	if err != nil {
		t.Fatal(err)
	}
	defer rig.engine.EndConversation(id)
	events := rig.subscribe(t, id)
	st := rig.dialer.stream(0)

	if err := rig.engine.StartAudioCapture(id); err != nil {
		t.Fatal(err)
	}

	// Assistant speaking; audio flows to the caller.
	st.inject(`{"event":{"contentStart":{"contentName":"a1","type":"AUDIO","role":"ASSISTANT"}}}`)
	st.inject(`{"event":{"audioOutput":{"content":"QUJD"}}}`)
	waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.AudioResponse })

	// Interruption marker: the model noticed the user talking over it.
	st.inject(`{"event":{"textOutput":{"content":"{ \"interrupted\" : true }","role":"ASSISTANT"}}}`)
	ev := waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.TurnEnd })
	if ev.Reason != "barge_in" {
		t.Errorf("reason = %q, want barge_in", ev.Reason)
	}

	// Stale audio from the interrupted utterance is suppressed.
	st.inject(`{"event":{"audioOutput":{"content":"REVG"}}}`)
	st.inject(`{"event":{"textOutput":{"content":"marker","role":"USER"}}}`)
	waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.Transcription })
	select {
	case ev := <-events:
		if ev.Type == dispatch.AudioResponse {
			t.Fatal("gated assistant audio leaked through")
		}
	default:
	}

	// The next assistant utterance lifts the gate.
	st.inject(`{"event":{"contentStart":{"contentName":"a2","type":"AUDIO","role":"ASSISTANT"}}}`)
	st.inject(`{"event":{"audioOutput":{"content":"R0hJ"}}}`)
	ev = waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.AudioResponse })
	if ev.AudioBase64 != "R0hJ" {
		t.Errorf("audio after gate lift = %q", ev.AudioBase64)
	}
}

func TestContinuationRollsOver(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.engine.StartExtendedConversation(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	events := rig.subscribe(t, id)
	st := rig.dialer.stream(0)

	// Build some history so the successor inherits it.
	st.inject(`{"event":{"contentStart":{"contentName":"c1","type":"TEXT","role":"USER"}}}`)
	st.inject(`{"event":{"textOutput":{"content":"tell me about volcanoes","role":"USER"}}}`)
	st.inject(`{"event":{"contentEnd":{"contentName":"c1","type":"TEXT"}}}`)
	waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.Transcription })

	// Cross the continuation deadline: 8 min ceiling minus 30 s lead.
	rig.clk.Advance(8*time.Minute - 30*time.Second)

	ready := waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.SessionReady })
	if ready.SessionID == id {
		t.Fatal("sessionReady re-announced the old id")
	}
	if rig.dialer.dials() != 2 {
		t.Fatalf("dials = %d, want 2", rig.dialer.dials())
	}

	// Old session torn down and unregistered.
	if _, err := rig.engine.reg.Get(id); err == nil {
		t.Error("predecessor still registered")
	}
	next, err := rig.engine.reg.Get(ready.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if next.Number() != 2 {
		t.Errorf("successor number = %d, want 2", next.Number())
	}

	// Successor's system prompt carries the transcript.
	st2 := rig.dialer.stream(1)
	waitTags(t, st2, 8)
	sys, _ := st2.sentPayload("textInput", 0)["content"].(string)
	if !strings.Contains(sys, "tell me about volcanoes") {
		t.Errorf("prior turn not in successor system prompt: %q", sys)
	}

	rig.engine.EndConversation(ready.SessionID)
}

func TestResumeConversation(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.engine.StartConversation(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	st := rig.dialer.stream(0)
	events := rig.subscribe(t, id)

	st.inject(`{"event":{"contentStart":{"contentName":"c1","type":"TEXT","role":"USER"}}}`)
	st.inject(`{"event":{"textOutput":{"content":"remember me","role":"USER"}}}`)
	st.inject(`{"event":{"contentEnd":{"contentName":"c1","type":"TEXT"}}}`)
	waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.Transcription })

	newID, err := rig.engine.ResumeConversation(context.Background(), id, Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer rig.engine.EndConversation(newID)
	if newID == id {
		t.Fatal("resume reused the session id")
	}
	if _, err := rig.engine.reg.Get(id); err == nil {
		t.Error("predecessor still registered after resume")
	}

	st2 := rig.dialer.stream(1)
	waitTags(t, st2, 8)
	sys, _ := st2.sentPayload("textInput", 0)["content"].(string)
	if !strings.Contains(sys, "remember me") {
		t.Errorf("history not in resumed system prompt: %q", sys)
	}
}

func TestResumeUnknownSession(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.engine.ResumeConversation(context.Background(), "gone", Config{}); err == nil {
		t.Error("resume of unknown session succeeded")
	}
}

func TestStreamLostEndsSession(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.engine.StartConversation(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	events := rig.subscribe(t, id)
	st := rig.dialer.stream(0)

	st.injectErr(stream.ErrClosed)

	waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.Error })
	ev := waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.ConnectionStateChange })
	if ev.State != "error" {
		t.Errorf("state = %q, want error", ev.State)
	}
	// No reconnect attempt: a lost transport ends the session.
	if rig.dialer.dials() != 1 {
		t.Errorf("dials = %d, want 1", rig.dialer.dials())
	}
	rig.engine.EndConversation(id)
}

func TestRemoteSessionEnd(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.engine.StartConversation(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer rig.engine.EndConversation(id)
	events := rig.subscribe(t, id)

	rig.dialer.stream(0).inject(`{"event":{"sessionEnd":{}}}`)
	ev := waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.ConnectionStateChange })
	if ev.State != "ended" {
		t.Errorf("state = %q, want ended", ev.State)
	}
}

func TestMalformedInboundSkipped(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.engine.StartConversation(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer rig.engine.EndConversation(id)
	events := rig.subscribe(t, id)
	st := rig.dialer.stream(0)

	st.inject(`garbage that is not json`)
	st.inject(`{"event":{"unknownTag":{}}}`)
	// The stream survives; a well-formed event still gets through.
	st.inject(`{"event":{"contentStart":{"contentName":"c1","type":"TEXT","role":"USER"}}}`)
	st.inject(`{"event":{"textOutput":{"content":"still alive","role":"USER"}}}`)
	ev := waitEvent(t, events, func(ev dispatch.Event) bool { return ev.Type == dispatch.Transcription })
	if ev.Text != "still alive" {
		t.Errorf("text = %q", ev.Text)
	}
}

func TestLastTurnsBounds(t *testing.T) {
	var history []ConversationTurn
	for i := 0; i < 15; i++ {
		history = append(history, ConversationTurn{Role: RoleUser, Content: string(rune('a' + i))})
	}
	got := lastTurns(history, 10)
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	if got[0].Content != "f" {
		t.Errorf("first kept turn = %q, want f", got[0].Content)
	}
	if lastTurns(nil, 10) != nil {
		t.Error("empty history should return nil")
	}
	got[0].Content = "mutated"
	if history[5].Content == "mutated" {
		t.Error("lastTurns returned a view into live history")
	}
}
