package media

import (
	"context"
	"errors"

	"crosspost/internal/crosspost"
	"crosspost/internal/crosspost/poll"
)

// DefaultChunkSize is the part size of encrypted uploads.
const DefaultChunkSize = 32 << 20

// Container is the remote object created in the first phase.
type Container struct {
	ID      string
	AddPath string
}

// ThreePhase is the encrypted create/append/finalize strategy. Only
// ciphertext is ever passed to Append.
type ThreePhase struct {
	Channel   crosspost.Channel
	ChunkSize int

	Create   func(ctx context.Context, sec Secret, b Blob) (Container, error)
	Append   func(ctx context.Context, c Container, part int, chunk []byte) error
	Finalize func(ctx context.Context, c Container) error
}

// Upload encrypts b and runs the phases through a poll.Machine.
func (t ThreePhase) Upload(ctx context.Context, b Blob) (Handle, error) {
	size := t.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	var (
		sec    Secret
		sealed []byte
		box    Container
		parts  [][]byte
		next   int
	)
	m := poll.NewMachine()
	err := m.Drive(ctx, map[poll.State]poll.Step{
		poll.Created: func(ctx context.Context) (poll.State, error) {
			var err error
			sealed, sec, err = Encrypt(b.Data)
			if err != nil {
				return poll.Failed, err
			}
			box, err = t.Create(ctx, sec, b)
			if err != nil {
				return poll.Failed, err
			}
			parts = Chunks(sealed, size)
			return poll.Uploading, nil
		},
		poll.Uploading: func(ctx context.Context) (poll.State, error) {
			if next < len(parts) {
				if err := t.Append(ctx, box, next+1, parts[next]); err != nil {
					return poll.Failed, err
				}
				next++
			}
			if next < len(parts) {
				return poll.Uploading, nil
			}
			return poll.Processing, nil
		},
		poll.Processing: func(ctx context.Context) (poll.State, error) {
			if err := t.Finalize(ctx, box); err != nil {
				return poll.Failed, err
			}
			return poll.Ready, nil
		},
	})
	if err != nil {
		var ce *crosspost.Error
		if !errors.As(err, &ce) {
			err = crosspost.Transient(t.Channel, "upload", err)
		}
		return Handle{}, err
	}
	return Handle{ID: box.ID}, nil
}

// Chunks splits b into parts of at most size bytes. An exact multiple of
// size yields no trailing empty part.
func Chunks(b []byte, size int) [][]byte {
	if size <= 0 || len(b) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(b)+size-1)/size)
	for start := 0; start < len(b); start += size {
		end := min(start+size, len(b))
		out = append(out, b[start:end])
	}
	return out
}
