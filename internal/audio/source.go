package audio

import "context"

// Source produces a continuous stream of PCM sample blocks. The stream
// ends when Blocks is closed; Err reports why, if the reason was not a
// clean Stop.
type Source interface {
	// Start begins capture. The returned channel closes on stream end.
	Start(ctx context.Context) error
	// Blocks yields captured sample blocks in order.
	Blocks() <-chan []int16
	// Stop terminates capture, bounded in time even if the underlying
	// mechanism is unresponsive.
	Stop() error
	// Err returns the capture failure, if any, after Blocks closes.
	Err() error
}

// SyntheticSource replays a fixed sequence of sample blocks. Used by
// tests and offline scenarios.
type SyntheticSource struct {
	blocks chan []int16
	data   [][]int16
	cancel context.CancelFunc
}

// NewSyntheticSource builds a source that emits the given blocks in order
// and then ends the stream.
func NewSyntheticSource(blocks [][]int16) *SyntheticSource {
	return &SyntheticSource{data: blocks}
}

func (s *SyntheticSource) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.blocks = make(chan []int16)
	go func() {
		defer close(s.blocks)
		for _, block := range s.data {
			select {
			case s.blocks <- block:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *SyntheticSource) Blocks() <-chan []int16 { return s.blocks }

func (s *SyntheticSource) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *SyntheticSource) Err() error { return nil }
