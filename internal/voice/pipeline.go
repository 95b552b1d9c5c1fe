package voice

import (
	"context"
	"sync"
	"time"
)

// Transcriber converts buffered PCM audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Synthesizer converts text into PCM audio, one sentence at a time.
// Streaming output is the separate, optional StreamingSynthesizer: when
// Collaborators.Streaming is nil (or its call fails) Pipeline falls back to
// Synthesize per sentence.
type Synthesizer interface {
	Synthesize(ctx context.Context, sentence string) ([]byte, error)
}

// StreamingSynthesizer is the optional streaming extension of Synthesizer.
type StreamingSynthesizer interface {
	SynthesizeStream(ctx context.Context, sentence string) (<-chan []byte, error)
}

// TurnRunner runs one agent turn against transcribed text and streams back
// response tokens for sentence chunking.
type TurnRunner interface {
	RunTurn(ctx context.Context, transcript string) (<-chan string, error)
}

// EndOfTurnChecker decides whether a VAD-detected pause means the user is
// done speaking (vs. a mid-thought pause).
type EndOfTurnChecker interface {
	CheckEndOfTurn(ctx context.Context, pcm []byte) (bool, error)
}

// AudioSink is where synthesized audio frames are delivered, e.g. the
// connection's outbound frame writer.
type AudioSink interface {
	SendAudio(connID string, pcm []byte) error
}

// Collaborators bundles a pipeline's async dependencies. Fields left nil
// degrade gracefully where the contract allows it (SynthesizeStream).
type Collaborators struct {
	Transcriber Transcriber
	Synthesizer Synthesizer
	Streaming   StreamingSynthesizer
	Turns       TurnRunner
	EndOfTurn   EndOfTurnChecker
	Sink        AudioSink
}

// Pipeline drives exactly one in-flight VAD->STT->turn->TTS run per
// connection. A new utterance or an explicit interrupt aborts whatever run
// is active via its AbortController-style cancellation before starting the
// next one.
type Pipeline struct {
	connID string
	collab Collaborators

	mu       sync.Mutex
	machine  *Machine
	buffer   *AudioBuffer
	cancel   context.CancelFunc
}

// NewPipeline constructs a Pipeline for one connection.
func NewPipeline(connID string, collab Collaborators) *Pipeline {
	return &Pipeline{
		connID:  connID,
		collab:  collab,
		machine: NewMachine(),
		buffer:  NewAudioBuffer(DefaultMaxLength),
	}
}

// State returns the pipeline's current voice state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Current()
}

// PushAudio appends an inbound PCM frame to the FIFO-trimmed buffer while
// listening.
func (p *Pipeline) PushAudio(data []byte, duration time.Duration) {
	p.buffer.Push(data, duration)
}

// HandleControl applies a control frame, aborting any in-flight run on
// interrupt, end_call, or a fresh end_of_speech/text_message; start_call
// only moves the state to listening.
func (p *Pipeline) HandleControl(ctx context.Context, ctrl Control) {
	switch ctrl.Kind {
	case ControlStartCall:
		p.mu.Lock()
		p.machine.Transition(StateListening)
		p.mu.Unlock()
	case ControlInterrupt:
		p.abortActive()
		p.mu.Lock()
		p.machine.Transition(StateListening)
		p.mu.Unlock()
	case ControlEndCall:
		p.abortActive()
		p.mu.Lock()
		p.machine.Transition(StateIdle)
		p.mu.Unlock()
	case ControlEndOfSpeech:
		p.startRun(ctx, p.buffer.Bytes())
		p.buffer.Reset()
	case ControlTextMessage:
		p.startRunFromText(ctx, ctrl.Text)
	}
}

// abortActive cancels whatever run is currently executing, if any.
func (p *Pipeline) abortActive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// startRun aborts any active run, transitions to thinking, transcribes, and
// continues into startRunFromText with the transcript.
func (p *Pipeline) startRun(parent context.Context, pcm []byte) {
	p.abortActive()
	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	p.cancel = cancel
	p.machine.Transition(StateThinking)
	p.mu.Unlock()

	go func() {
		defer p.finishRun(cancel)
		if p.collab.Transcriber == nil {
			return
		}
		transcript, err := p.collab.Transcriber.Transcribe(ctx, pcm)
		if err != nil || ctx.Err() != nil {
			return
		}
		p.runTurnAndSpeak(ctx, transcript)
	}()
}

// startRunFromText skips VAD/STT and runs a turn directly from client-
// supplied text (the text_message control path).
func (p *Pipeline) startRunFromText(parent context.Context, text string) {
	p.abortActive()
	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	p.cancel = cancel
	p.machine.Transition(StateThinking)
	p.mu.Unlock()

	go func() {
		defer p.finishRun(cancel)
		p.runTurnAndSpeak(ctx, text)
	}()
}

func (p *Pipeline) runTurnAndSpeak(ctx context.Context, transcript string) {
	if p.collab.Turns == nil {
		return
	}
	tokens, err := p.collab.Turns.RunTurn(ctx, transcript)
	if err != nil {
		return
	}

	p.mu.Lock()
	p.machine.Transition(StateSpeaking)
	p.mu.Unlock()

	sentences := Run(tokens, 4)
	results := p.synthesizeAll(ctx, sentences)
	for r := range results {
		if ctx.Err() != nil {
			return
		}
		p.deliver(ctx, r)
	}
}

// synthResult is one sentence's synthesized audio: either a streaming
// frame channel or a single precomputed PCM buffer.
type synthResult struct {
	stream <-chan []byte
	pcm    []byte
}

// synthesizeAll runs synthesis on its own consumer goroutine, one sentence
// ahead of delivery: it starts synthesizing sentence i+1 as soon as
// sentence i's result has been handed off, rather than waiting for i's
// audio to finish being delivered. This is the producer half of the
// producer/consumer pipeline; deliver is the consumer half.
func (p *Pipeline) synthesizeAll(ctx context.Context, sentences <-chan string) <-chan synthResult {
	out := make(chan synthResult, 1)
	go func() {
		defer close(out)
		for sentence := range sentences {
			if ctx.Err() != nil {
				return
			}
			out <- p.synthesize(ctx, sentence)
		}
	}()
	return out
}

// synthesize produces one sentence's audio, preferring the streaming path.
func (p *Pipeline) synthesize(ctx context.Context, sentence string) synthResult {
	if p.collab.Streaming != nil {
		if frames, err := p.collab.Streaming.SynthesizeStream(ctx, sentence); err == nil {
			return synthResult{stream: frames}
		}
	}
	if p.collab.Synthesizer == nil {
		return synthResult{}
	}
	pcm, err := p.collab.Synthesizer.Synthesize(ctx, sentence)
	if err != nil || ctx.Err() != nil {
		return synthResult{}
	}
	return synthResult{pcm: pcm}
}

// deliver ships one synthesis result's audio to the sink, preserving
// sentence order; it runs on the consumer side while synthesizeAll's
// goroutine is already working on the next sentence.
func (p *Pipeline) deliver(ctx context.Context, r synthResult) {
	if r.stream != nil {
		for frame := range r.stream {
			if ctx.Err() != nil {
				return
			}
			p.sendAudio(frame)
		}
		return
	}
	if r.pcm != nil {
		p.sendAudio(r.pcm)
	}
}

func (p *Pipeline) sendAudio(pcm []byte) {
	if p.collab.Sink == nil {
		return
	}
	_ = p.collab.Sink.SendAudio(p.connID, pcm)
}

func (p *Pipeline) finishRun(cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.machine.Current() == StateSpeaking || p.machine.Current() == StateThinking {
		p.machine.Transition(StateListening)
	}
}
