// Package journal persists the runner's applied Execute and Commit commands
// and replays them to check that a fresh node reproduces the same heights
// and digests.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/scriptnode/internal/protocol/frame"
	"github.com/danmuck/scriptnode/internal/protocol/tlv"
)

type Kind uint16

const (
	KindExecute Kind = 1
	KindCommit  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindExecute:
		return "execute"
	case KindCommit:
		return "commit"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

const (
	fieldPath    uint16 = 1
	fieldSender  uint16 = 2
	fieldRequest uint16 = 3
	fieldOK      uint16 = 4
	fieldHeight  uint16 = 5
	fieldDigest  uint16 = 6
)

var (
	ErrUnknownKind = errors.New("journal: unknown record kind")
	ErrSequence    = errors.New("journal: sequence gap")
	ErrDivergence  = errors.New("journal: replay diverged")
)

// Record is one journal entry. Execute records carry Path, Sender, Request
// and OK; commit records carry Height and Digest.
type Record struct {
	Sequence uint64
	Kind     Kind
	Path     string
	Sender   string
	Request  json.RawMessage
	OK       bool
	Height   int64
	Digest   []byte
}

// Writer appends records. It is safe for concurrent use, though the runner
// only calls it from its own goroutine.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	seq    uint64
	limits frame.Limits
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, limits: frame.DefaultLimits()}
}

func (j *Writer) RecordExecute(path, sender string, request any, ok bool) error {
	raw, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("journal: encode request: %w", err)
	}
	return j.write(KindExecute, tlv.EncodeFields(
		tlv.String(fieldPath, path),
		tlv.String(fieldSender, sender),
		tlv.Bytes(fieldRequest, raw),
		tlv.Bool(fieldOK, ok),
	))
}

func (j *Writer) RecordCommit(height int64, digest []byte) error {
	return j.write(KindCommit, tlv.EncodeFields(
		tlv.U64(fieldHeight, uint64(height)),
		tlv.Bytes(fieldDigest, digest),
	))
}

func (j *Writer) write(kind Kind, payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	next := j.seq + 1
	f := frame.Frame{
		Header:  frame.Header{Kind: uint16(kind), Sequence: next},
		Payload: payload,
	}
	if err := frame.WriteFrame(j.w, f, j.limits); err != nil {
		return fmt.Errorf("journal: write %s %d: %w", kind, next, err)
	}
	j.seq = next
	return nil
}

// Reader decodes records in order and checks that sequences are contiguous.
type Reader struct {
	r      io.Reader
	last   uint64
	limits frame.Limits
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, limits: frame.DefaultLimits()}
}

// Next returns io.EOF after the last complete record.
func (jr *Reader) Next() (Record, error) {
	f, err := frame.ReadFrame(jr.r, jr.limits)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("journal: read after %d: %w", jr.last, err)
	}
	if f.Header.Sequence != jr.last+1 {
		return Record{}, fmt.Errorf("%w: got %d after %d", ErrSequence, f.Header.Sequence, jr.last)
	}
	rec, err := decodeRecord(f)
	if err != nil {
		return Record{}, err
	}
	jr.last = f.Header.Sequence
	return rec, nil
}

func decodeRecord(f frame.Frame) (Record, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("journal: record %d: %w", f.Header.Sequence, err)
	}
	rec := Record{Sequence: f.Header.Sequence, Kind: Kind(f.Header.Kind)}
	switch rec.Kind {
	case KindExecute:
		if rec.Path, err = fields.String(fieldPath); err != nil {
			break
		}
		if rec.Sender, err = fields.String(fieldSender); err != nil {
			break
		}
		var raw []byte
		if raw, err = fields.Bytes(fieldRequest); err != nil {
			break
		}
		rec.Request = raw
		rec.OK, err = fields.Bool(fieldOK)
	case KindCommit:
		var h uint64
		if h, err = fields.U64(fieldHeight); err != nil {
			break
		}
		rec.Height = int64(h)
		rec.Digest, err = fields.Bytes(fieldDigest)
	default:
		return Record{}, fmt.Errorf("%w: %d at %d", ErrUnknownKind, f.Header.Kind, f.Header.Sequence)
	}
	if err != nil {
		return Record{}, fmt.Errorf("journal: record %d: %w", f.Header.Sequence, err)
	}
	return rec, nil
}
