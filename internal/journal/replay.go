package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/scriptnode/internal/runner"
)

var _ runner.Recorder = (*Writer)(nil)

// Submitter is the part of runner.Client that replay drives.
type Submitter interface {
	Execute(ctx context.Context, path, sender string, request any) (runner.ExecResult, error)
	Commit(ctx context.Context) (runner.Info, error)
}

type Summary struct {
	Executes int
	Failed   int
	Commits  int
	Height   int64
	Digest   []byte
}

// Replay resubmits every execute in r and checks each commit against the
// recorded height and digest. Script failures are expected when the journal
// recorded them; any other difference is ErrDivergence.
func Replay(ctx context.Context, r io.Reader, sub Submitter) (Summary, error) {
	var sum Summary
	jr := NewReader(r)
	for {
		rec, err := jr.Next()
		if errors.Is(err, io.EOF) {
			return sum, nil
		}
		if err != nil {
			return sum, err
		}
		switch rec.Kind {
		case KindExecute:
			request, err := runner.DecodeRequest(rec.Request)
			if err != nil {
				return sum, fmt.Errorf("journal: record %d: %w", rec.Sequence, err)
			}
			_, execErr := sub.Execute(ctx, rec.Path, rec.Sender, request)
			if errors.Is(execErr, runner.ErrRunnerStopped) || ctx.Err() != nil {
				return sum, errors.Join(execErr, ctx.Err())
			}
			sum.Executes++
			if execErr != nil {
				sum.Failed++
			}
			if ok := execErr == nil; ok != rec.OK {
				return sum, fmt.Errorf("%w: record %d %s ok=%v, journal ok=%v (%v)",
					ErrDivergence, rec.Sequence, rec.Path, ok, rec.OK, execErr)
			}
		case KindCommit:
			info, err := sub.Commit(ctx)
			if err != nil {
				return sum, fmt.Errorf("journal: commit %d: %w", rec.Sequence, err)
			}
			sum.Commits++
			sum.Height = info.Height
			sum.Digest = info.Digest
			if info.Height != rec.Height || !bytes.Equal(info.Digest, rec.Digest) {
				return sum, fmt.Errorf("%w: record %d height %d digest %x, journal height %d digest %x",
					ErrDivergence, rec.Sequence, info.Height, info.Digest, rec.Height, rec.Digest)
			}
			log.Debug().Int64("height", info.Height).Msg("replayed commit")
		}
	}
}
