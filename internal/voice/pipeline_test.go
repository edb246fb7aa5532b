package voice

import (
	"context"
	"strings"
	"testing"
	"time"
)

const frameDur = 50 * time.Millisecond

func frame(level float32) []float32 {
	f := make([]float32, 800) // 50ms at 16kHz
	for i := range f {
		f[i] = level
	}
	return f
}

func testPipeline(synth Synthesizer, ww *Detector) (*Pipeline, *time.Time) {
	p := NewPipeline(DefaultConfig(), synth, ww)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }
	return p, &clock
}

// feed pushes n frames, advancing the clock one frame period each.
func feed(p *Pipeline, clock *time.Time, level float32, n int) []string {
	var events []string
	for i := 0; i < n; i++ {
		*clock = clock.Add(frameDur)
		if ev := p.ProcessChunk(frame(level)); ev != "" {
			events = append(events, ev)
		}
	}
	return events
}

func TestSpeechCycleProducesStartAndEnd(t *testing.T) {
	p, clock := testPipeline(nil, nil)

	var events []string
	events = append(events, feed(p, clock, 0.001, 5)...) // silence, nothing happens
	events = append(events, feed(p, clock, 0.5, 10)...)  // 500ms speech
	events = append(events, feed(p, clock, 0.001, 20)...) // 1s silence

	want := []string{EventSpeechStart, EventSpeechEnd}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, events[i], want[i])
		}
	}
	if p.State() != Processing {
		t.Fatalf("state = %s", p.State())
	}
	if len(p.TakeAudio()) == 0 {
		t.Fatalf("buffer empty after utterance")
	}
	if len(p.TakeAudio()) != 0 {
		t.Fatalf("TakeAudio did not clear buffer")
	}
}

func TestShortUtteranceDiscarded(t *testing.T) {
	p, clock := testPipeline(nil, nil)

	events := feed(p, clock, 0.5, 2)             // 100ms, below min speech
	events = append(events, feed(p, clock, 0.001, 20)...)

	if len(events) != 1 || events[0] != EventSpeechStart {
		t.Fatalf("events = %v", events)
	}
	if p.State() != Idle {
		t.Fatalf("state = %s", p.State())
	}
	if len(p.TakeAudio()) != 0 {
		t.Fatalf("noise kept in buffer")
	}
}

func TestBargeInCancelsOutput(t *testing.T) {
	p, clock := testPipeline(nil, nil)

	llmCtx := p.StartResponse(context.Background())
	p.BeginSpeaking()
	ttsCtx := p.ttsCtx

	*clock = clock.Add(frameDur)
	if ev := p.ProcessChunk(frame(0.5)); ev != EventBargeIn {
		t.Fatalf("event = %q", ev)
	}
	if p.State() != Listening {
		t.Fatalf("state = %s", p.State())
	}
	if llmCtx.Err() == nil {
		t.Fatalf("llm context not cancelled")
	}
	if ttsCtx.Err() == nil {
		t.Fatalf("tts context not cancelled")
	}
	if len(p.buffer) == 0 {
		t.Fatalf("barge-in frame not buffered")
	}
}

func TestSpeakingSilenceDoesNotBargeIn(t *testing.T) {
	p, clock := testPipeline(nil, nil)
	p.StartResponse(context.Background())
	p.BeginSpeaking()

	if events := feed(p, clock, 0.001, 10); len(events) != 0 {
		t.Fatalf("events = %v", events)
	}
	if p.State() != Speaking {
		t.Fatalf("state = %s", p.State())
	}
}

type fixedScorer struct{ score float64 }

func (s fixedScorer) Score(ctx context.Context, pcm []float32, rate int) (float64, error) {
	return s.score, nil
}

type failingScorer struct{}

func (failingScorer) Score(ctx context.Context, pcm []float32, rate int) (float64, error) {
	return 0, context.DeadlineExceeded
}

func TestWakewordGateDiscardsUnarmedSpeech(t *testing.T) {
	ww := NewDetector(true, 0.55, fixedScorer{score: 0.1})
	p, clock := testPipeline(nil, ww)

	if events := feed(p, clock, 0.5, 10); len(events) != 0 {
		t.Fatalf("events = %v", events)
	}
	if p.State() != Idle {
		t.Fatalf("state = %s", p.State())
	}
}

func TestWakewordArmsThenListens(t *testing.T) {
	ww := NewDetector(true, 0.55, fixedScorer{score: 0.9})
	p, clock := testPipeline(nil, ww)

	var got []string
	p.OnEvent = func(name string) { got = append(got, name) }

	*clock = clock.Add(frameDur)
	if ev := p.ProcessChunk(frame(0.5)); ev != EventSpeechStart {
		t.Fatalf("event = %q", ev)
	}
	if len(got) != 2 || got[0] != EventWakeword || got[1] != EventSpeechStart {
		t.Fatalf("callback events = %v", got)
	}
}

func TestWakewordRearmedAfterSpeechEnd(t *testing.T) {
	ww := NewDetector(true, 0.55, fixedScorer{score: 0.9})
	p, clock := testPipeline(nil, ww)

	feed(p, clock, 0.5, 10)
	feed(p, clock, 0.001, 20)
	if p.State() != Processing {
		t.Fatalf("state = %s", p.State())
	}
	if !clock.Before(p.armedUntil) {
		t.Fatalf("wakeword window not re-armed")
	}
}

func TestWakewordBackendUnavailableNeverFires(t *testing.T) {
	ww := NewDetector(true, 0.55, failingScorer{})
	if ww.Detect(frame(0.5), 16000) {
		t.Fatalf("detect fired on backend failure")
	}

	ww = NewDetector(true, 0.55, nil)
	if ww.Detect(frame(0.5), 16000) {
		t.Fatalf("detect fired with no model")
	}
}

func TestCancelOutputIdempotent(t *testing.T) {
	p, _ := testPipeline(nil, nil)
	p.CancelOutput() // nothing in flight
	llmCtx := p.StartResponse(context.Background())
	p.CancelOutput()
	p.CancelOutput()
	if llmCtx.Err() == nil {
		t.Fatalf("llm context not cancelled")
	}
}

func TestFinishResponseAlwaysReturnsIdle(t *testing.T) {
	p, clock := testPipeline(nil, nil)
	feed(p, clock, 0.5, 10)
	feed(p, clock, 0.001, 20)
	p.StartResponse(context.Background())
	p.BeginSpeaking()
	p.FinishResponse()
	if p.State() != Idle {
		t.Fatalf("state = %s", p.State())
	}
	if len(p.TakeAudio()) != 0 {
		t.Fatalf("buffer survived finish")
	}
}

type fakeSynth struct {
	chunks map[string][][]byte
	calls  []string
	rate   int
}

func (f *fakeSynth) StreamPCM(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	f.calls = append(f.calls, text)
	out := make(chan []byte, 8)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, b := range f.chunks[text] {
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc
}

func (f *fakeSynth) SampleRate() int { return f.rate }

func TestSynthesizeStreamingSentenceBySentence(t *testing.T) {
	synth := &fakeSynth{rate: 24000, chunks: map[string][][]byte{
		"First one.": {{1, 2}, {3, 4}},
		"Second.":    {{5, 6}},
	}}
	p, _ := testPipeline(synth, nil)
	p.StartResponse(context.Background())

	out, _ := p.SynthesizeStreaming("First one. Second.")
	var total int
	for b := range out {
		total += len(b)
	}
	if total != 6 {
		t.Fatalf("audio bytes = %d", total)
	}
	if len(synth.calls) != 2 || synth.calls[0] != "First one." || synth.calls[1] != "Second." {
		t.Fatalf("calls = %v", synth.calls)
	}
}

func TestSynthesizeStreamingStopsOnCancel(t *testing.T) {
	synth := &fakeSynth{rate: 24000, chunks: map[string][][]byte{
		"One.": {{1}},
		"Two.": {{2}},
	}}
	p, _ := testPipeline(synth, nil)
	p.StartResponse(context.Background())
	p.CancelOutput()

	out, _ := p.SynthesizeStreaming("One. Two.")
	var got int
	for range out {
		got++
	}
	if got != 0 {
		t.Fatalf("received %d chunks after cancel", got)
	}
	if len(synth.calls) != 0 {
		t.Fatalf("synth called after cancel: %v", synth.calls)
	}
}

func TestChunkReply(t *testing.T) {
	got := chunkReply("Hello there. How are you?\nGood")
	want := []string{"Hello there.", "How are you?", "Good"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
	if chunkReply("   ") != nil {
		t.Fatalf("blank input produced chunks")
	}
}

func TestStripMarkdown(t *testing.T) {
	in := "# Title\n\nUse `go test` on **all** packages, see [docs](https://example.com).\n\n```go\ncode here\n```\n- item"
	got := StripMarkdown(in)
	for _, banned := range []string{"#", "`", "**", "](", "```"} {
		if strings.Contains(got, banned) {
			t.Fatalf("markdown %q left in %q", banned, got)
		}
	}
	if !strings.Contains(got, "Use go test on all packages, see docs.") {
		t.Fatalf("got %q", got)
	}
}
