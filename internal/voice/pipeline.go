package voice

import (
	"context"
	"log"
	"math"
	"sync"
	"time"
)

// State is the turn-taking lifecycle of one live connection.
type State int

const (
	Idle State = iota
	Listening
	Processing
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	}
	return "unknown"
}

// VAD events reported per frame.
const (
	EventSpeechStart = "speech_start"
	EventSpeechEnd   = "speech_end"
	EventBargeIn     = "barge_in"
	EventWakeword    = "wakeword"
)

// Config tunes the energy VAD. Frames are mono float32 PCM at SampleRate.
type Config struct {
	EnergyThreshold float64
	SilenceDuration time.Duration
	MinSpeech       time.Duration
	SampleRate      int

	WakewordWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		EnergyThreshold: 0.015,
		SilenceDuration: 800 * time.Millisecond,
		MinSpeech:       250 * time.Millisecond,
		SampleRate:      16000,
		WakewordWindow:  10 * time.Second,
	}
}

// Pipeline is the per-connection voice turn-taking state machine: energy
// VAD, wake-word gating, barge-in and output cancellation. Frame
// processing is fast and non-blocking; transcription and synthesis run
// off this path.
type Pipeline struct {
	synth    Synthesizer
	wakeword *Detector

	mu     sync.Mutex
	cfg    Config
	state  State
	buffer []float32

	speechStart  time.Time
	silenceStart time.Time
	armedUntil   time.Time

	llmCtx    context.Context
	llmCancel context.CancelFunc
	ttsCtx    context.Context
	ttsCancel context.CancelFunc

	now func() time.Time

	// OnState and OnEvent are invoked inline with frame processing and
	// must not block.
	OnState func(State)
	OnEvent func(name string)
}

func NewPipeline(cfg Config, synth Synthesizer, wakeword *Detector) *Pipeline {
	if cfg.SampleRate == 0 {
		cfg = DefaultConfig()
	}
	return &Pipeline{
		cfg:      cfg,
		synth:    synth,
		wakeword: wakeword,
		state:    Idle,
		now:      time.Now,
	}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.state = s
	if p.OnState != nil {
		p.OnState(s)
	}
}

func (p *Pipeline) emit(name string) {
	if p.OnEvent != nil {
		p.OnEvent(name)
	}
}

func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// ProcessChunk advances the state machine by one audio frame and returns
// the event it produced, or "" when the frame only accumulated. Barge-in
// takes priority over every other rule.
func (p *Pipeline) ProcessChunk(frame []float32) string {
	now := p.now()
	isSpeech := rms(frame) > p.threshold()

	p.mu.Lock()

	if p.state == Speaking && isSpeech {
		p.cancelOutputLocked()
		p.buffer = append(p.buffer[:0], frame...)
		p.speechStart = now
		p.silenceStart = time.Time{}
		p.setStateLocked(Listening)
		p.mu.Unlock()
		p.emit(EventBargeIn)
		return EventBargeIn
	}

	if p.state == Idle && p.wakeword != nil && p.wakeword.Enabled() {
		armed := now.Before(p.armedUntil)
		if !armed && p.wakeword.Detect(frame, p.cfg.SampleRate) {
			p.armedUntil = now.Add(p.cfg.WakewordWindow)
			armed = true
			p.mu.Unlock()
			p.emit(EventWakeword)
			p.mu.Lock()
		}
		if !armed {
			p.mu.Unlock()
			return ""
		}
	}

	if p.state == Idle && isSpeech {
		p.buffer = append(p.buffer[:0], frame...)
		p.speechStart = now
		p.silenceStart = time.Time{}
		p.setStateLocked(Listening)
		p.mu.Unlock()
		p.emit(EventSpeechStart)
		return EventSpeechStart
	}

	if p.state == Listening {
		p.buffer = append(p.buffer, frame...)
		if isSpeech {
			p.silenceStart = time.Time{}
		} else {
			if p.silenceStart.IsZero() {
				p.silenceStart = now
			}
			silence := now.Sub(p.silenceStart)
			speech := p.silenceStart.Sub(p.speechStart)
			if silence >= p.cfg.SilenceDuration {
				if speech >= p.cfg.MinSpeech {
					p.setStateLocked(Processing)
					// Re-arm so a follow-up after the reply does not
					// require the wake phrase again.
					p.armedUntil = now.Add(p.cfg.WakewordWindow)
					p.mu.Unlock()
					p.emit(EventSpeechEnd)
					return EventSpeechEnd
				}
				// Too short to be an utterance, treat as noise.
				p.buffer = nil
				p.setStateLocked(Idle)
			}
		}
	}

	p.mu.Unlock()
	return ""
}

func (p *Pipeline) threshold() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.EnergyThreshold
}

// TakeAudio returns the accumulated utterance and clears the buffer.
func (p *Pipeline) TakeAudio() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	audio := p.buffer
	p.buffer = nil
	return audio
}

// SetVAD adjusts tunables at runtime. Zero values leave the current
// setting in place.
func (p *Pipeline) SetVAD(energyThreshold float64, silence, minSpeech time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if energyThreshold > 0 {
		p.cfg.EnergyThreshold = energyThreshold
	}
	if silence > 0 {
		p.cfg.SilenceDuration = silence
	}
	if minSpeech > 0 {
		p.cfg.MinSpeech = minSpeech
	}
}

// StartResponse issues fresh cancellation contexts for the turn and
// returns the one the LLM stream must observe.
func (p *Pipeline) StartResponse(parent context.Context) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.llmCtx, p.llmCancel = context.WithCancel(parent)
	p.ttsCtx, p.ttsCancel = context.WithCancel(parent)
	return p.llmCtx
}

// BeginSpeaking marks synthesized audio as in flight.
func (p *Pipeline) BeginSpeaking() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setStateLocked(Speaking)
}

// FinishResponse is the terminal step of every turn, success or
// cancelled: clear the buffer and return to idle.
func (p *Pipeline) FinishResponse() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = nil
	p.setStateLocked(Idle)
}

// CancelOutput cancels the in-flight LLM stream and TTS. Idempotent,
// callable from any state.
func (p *Pipeline) CancelOutput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelOutputLocked()
}

func (p *Pipeline) cancelOutputLocked() {
	if p.llmCancel != nil {
		p.llmCancel()
	}
	if p.ttsCancel != nil {
		p.ttsCancel()
	}
}

// Reset cancels everything and returns to idle.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelOutputLocked()
	p.buffer = nil
	p.speechStart = time.Time{}
	p.silenceStart = time.Time{}
	p.armedUntil = time.Time{}
	p.setStateLocked(Idle)
}

// SynthesizeStreaming streams the reply sentence by sentence, checking
// the TTS cancellation context before each chunk so a barge-in stops
// output at the next sentence boundary at the latest.
func (p *Pipeline) SynthesizeStreaming(text string) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 8)
	errc := make(chan error, 1)

	p.mu.Lock()
	ttsCtx := p.ttsCtx
	p.mu.Unlock()
	if ttsCtx == nil {
		ttsCtx = context.Background()
	}

	go func() {
		defer close(out)
		defer close(errc)
		if p.synth == nil || text == "" {
			return
		}
		for _, chunk := range chunkReply(text) {
			if ttsCtx.Err() != nil {
				return
			}
			pcmCh, ttsErr := p.synth.StreamPCM(ttsCtx, chunk)
			openPCM, openErr := true, true
			for openPCM || openErr {
				select {
				case b, ok := <-pcmCh:
					if !ok {
						openPCM = false
						continue
					}
					if len(b) == 0 {
						continue
					}
					select {
					case out <- b:
					case <-ttsCtx.Done():
						return
					}
				case e, ok := <-ttsErr:
					if ok && e != nil {
						log.Printf("tts stream error: %v", e)
					}
					openErr = false
				case <-ttsCtx.Done():
					return
				}
			}
		}
	}()
	return out, errc
}

// SampleRate reports the synthesizer's output rate, or 0 when no
// synthesizer is attached.
func (p *Pipeline) SampleRate() int {
	if p.synth == nil {
		return 0
	}
	return p.synth.SampleRate()
}

// InputSampleRate reports the rate incoming frames are expected at.
func (p *Pipeline) InputSampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.SampleRate
}

// Wakeword exposes the detector for runtime tuning.
func (p *Pipeline) Wakeword() *Detector { return p.wakeword }

func (p *Pipeline) SetWakewordWindow(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > 0 {
		p.cfg.WakewordWindow = d
	}
}
