package synth

import "context"

// Request contains parameters to synthesize one translated utterance.
type Request struct {
	Text     string
	Language string
	// Voice is the resolved voice id; empty picks the language default.
	Voice string
}

// Segment is one self-contained encoded audio chunk. Segments are delivered in
// generation order and each must be independently decodable by the client
// playback scheduler.
type Segment struct {
	Data     []byte
	Sequence int
}

// Synthesizer is the contract for producing audio from text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (<-chan Segment, <-chan error)
}
