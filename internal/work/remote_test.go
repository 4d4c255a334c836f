package work

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nanoflow/nanoflow/internal/nano"
	"github.com/nanoflow/nanoflow/pkg/errors"
)

type fakeGenerator struct {
	mu      sync.Mutex
	work    nano.Work
	err     error
	delay   time.Duration
	cancels int
}

func (f *fakeGenerator) WorkGenerate(ctx context.Context, root nano.BlockHash, difficulty nano.Difficulty) (nano.Work, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), errors.KindCancelled, "work_generate", "request cancelled")
		}
	}
	if f.err != nil {
		return 0, f.err
	}
	return f.work, nil
}

func (f *fakeGenerator) WorkCancel(ctx context.Context, root nano.BlockHash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeGenerator) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func TestRemoteGenerateSuccess(t *testing.T) {
	gen := &fakeGenerator{work: nano.Work(77)}
	src := NewRemoteSource(gen, 0, testLogger())

	w, err := src.Generate(context.Background(), testRoot(t), 0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if w != nano.Work(77) {
		t.Errorf("Expected 77, got %v", w)
	}
}

func TestRemoteGenerateTimeout(t *testing.T) {
	gen := &fakeGenerator{delay: time.Hour}
	src := NewRemoteSource(gen, 30*time.Millisecond, testLogger())

	_, err := src.Generate(context.Background(), testRoot(t), 0)
	if !errors.IsKind(err, errors.KindTimeout) {
		t.Errorf("Expected timeout kind when the request deadline elapses, got: %v", err)
	}
	if gen.cancelCount() != 1 {
		t.Errorf("Expected one node-side cancel, got %d", gen.cancelCount())
	}
}

func TestRemoteGenerateCancelled(t *testing.T) {
	gen := &fakeGenerator{delay: time.Hour}
	src := NewRemoteSource(gen, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := src.Generate(ctx, testRoot(t), 0)
	if !errors.IsKind(err, errors.KindCancelled) {
		t.Errorf("Expected cancelled kind when the caller gives up, got: %v", err)
	}
	if gen.cancelCount() != 1 {
		t.Errorf("Expected one node-side cancel, got %d", gen.cancelCount())
	}
}

func TestRemoteGeneratePreservesClassifiedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.Kind
	}{
		{
			name: "protocol error passes through",
			err:  errors.New(errors.KindProtocol, "work_generate", "response missing usable work value"),
			want: errors.KindProtocol,
		},
		{
			name: "node error passes through",
			err:  errors.New(errors.KindRpc, "work_generate", "difficulty too high"),
			want: errors.KindRpc,
		},
		{
			name: "raw transport error becomes network",
			err:  fmt.Errorf("connection refused"),
			want: errors.KindNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{err: tt.err}
			src := NewRemoteSource(gen, 0, testLogger())

			_, err := src.Generate(context.Background(), testRoot(t), 0)
			if !errors.IsKind(err, tt.want) {
				t.Errorf("Expected kind %s, got: %v", tt.want, err)
			}
		})
	}
}

func TestRemoteGenerateRejectsBelowThreshold(t *testing.T) {
	root := testRoot(t)
	threshold := nano.Difficulty(1 << 63)

	var below nano.Work
	for i := uint64(0); ; i++ {
		if !Valid(nano.Work(i), root, threshold) {
			below = nano.Work(i)
			break
		}
	}

	gen := &fakeGenerator{work: below}
	src := NewRemoteSource(gen, 0, testLogger())

	_, err := src.Generate(context.Background(), root, threshold)
	if !errors.IsKind(err, errors.KindInsufficientDifficulty) {
		t.Errorf("Expected insufficient difficulty kind, got: %v", err)
	}
}
