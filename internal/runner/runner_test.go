package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/scriptnode/internal/sandbox"
	"github.com/danmuck/scriptnode/internal/scripts"
	"github.com/danmuck/scriptnode/internal/store"
	"github.com/danmuck/scriptnode/internal/testutil/testlog"
)

var testScripts = map[string]string{
	"kv-set.execute.lua": `
local req = context.getRequest()
store.set(req.key, req.value)
context.emit({ type = "kv-set", attributes = { [req.key] = req.value } })
`,
	"kv-get.query.lua": `
local req = context.getRequest()
context.respond({ value = store.get(req.key) })
`,
	"silent.query.lua": `local unused = context.getRequest()`,
}

type harness struct {
	runner *Runner
	client *Client
	shared *store.Shared
	errc   chan error
}

func startRunner(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()
	for name, body := range testScripts {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	reg, err := scripts.Scan(dir, scripts.DefaultExt)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	shared := store.NewShared(store.NewMemoryStore())
	sb := sandbox.New(sandbox.WithLogger(testlog.Component(t, "script")))
	opts = append([]Option{WithLogger(testlog.Component(t, "runner"))}, opts...)
	r := New(shared, sb, reg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{runner: r, client: NewClient(r), shared: shared, errc: make(chan error, 1)}
	go func() { h.errc <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})
	return h
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSetThenGetScenario(t *testing.T) {
	testlog.Start(t)
	h := startRunner(t)
	ctx := testCtx(t)

	res, err := h.client.Execute(ctx, "kv-set", "eddy", map[string]any{"key": "name", "value": "eddy"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []sandbox.Event{{Type: "kv-set", Attributes: []sandbox.Attribute{{Key: "name", Value: "eddy"}}}}
	if !reflect.DeepEqual(res.Events, want) {
		t.Fatalf("events: got %+v want %+v", res.Events, want)
	}

	q, err := h.client.Query(ctx, "kv-get", []byte(`{"key":"name"}`))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if string(q.Value) != `{"value":"eddy"}` {
		t.Fatalf("query value: %s", q.Value)
	}
	if q.Height != 0 {
		t.Fatalf("query height: %d", q.Height)
	}
}

func TestCommandsApplyInSubmissionOrder(t *testing.T) {
	testlog.Start(t)
	h := startRunner(t)

	first := make(chan Reply[ExecResult], 1)
	second := make(chan Reply[ExecResult], 1)
	read := make(chan Reply[QueryResult], 1)
	queue := h.runner.Queue()
	queue <- Execute{Path: "kv-set", Sender: "a", Request: map[string]any{"key": "a", "value": "1"}, Reply: first}
	queue <- Execute{Path: "kv-set", Sender: "a", Request: map[string]any{"key": "a", "value": "2"}, Reply: second}
	queue <- Query{Path: "kv-get", Request: []byte(`{"key":"a"}`), Reply: read}

	for _, ch := range []chan Reply[ExecResult]{first, second} {
		if rep := <-ch; rep.Err != nil {
			t.Fatalf("execute: %v", rep.Err)
		}
	}
	rep := <-read
	if rep.Err != nil {
		t.Fatalf("query: %v", rep.Err)
	}
	if string(rep.Value.Value) != `{"value":"2"}` {
		t.Fatalf("query observed %s", rep.Value.Value)
	}
}

func TestCommitHeightAndDigest(t *testing.T) {
	testlog.Start(t)
	h := startRunner(t)
	ctx := testCtx(t)

	info, err := h.client.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Height != 0 || !bytes.Equal(info.Digest, make([]byte, 16)) {
		t.Fatalf("initial info: %+v", info)
	}

	commit := func() Info {
		t.Helper()
		info, err := h.client.Commit(ctx)
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		return info
	}
	set := func(key, value string) {
		t.Helper()
		if _, err := h.client.Execute(ctx, "kv-set", "s", map[string]any{"key": key, "value": value}); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}

	c1 := commit()
	if c1.Height != 1 || !bytes.Equal(c1.Digest, []byte{0}) {
		t.Fatalf("first commit: %+v", c1)
	}
	c2 := commit()
	if c2.Height != 2 || !bytes.Equal(c2.Digest, c1.Digest) {
		t.Fatalf("empty commit changed digest: %+v", c2)
	}

	set("a", "1")
	c3 := commit()
	if c3.Height != 3 || !bytes.Equal(c3.Digest, []byte{1}) {
		t.Fatalf("commit after insert: %+v", c3)
	}

	set("a", "other")
	c4 := commit()
	if c4.Height != 4 || !bytes.Equal(c4.Digest, c3.Digest) {
		t.Fatalf("overwrite changed digest: %+v", c4)
	}

	info, err = h.client.Info(ctx)
	if err != nil || info.Height != 4 || !bytes.Equal(info.Digest, c4.Digest) {
		t.Fatalf("info after commits: %+v err=%v", info, err)
	}
}

func TestDigestEncodesSize(t *testing.T) {
	cases := map[int][]byte{
		0:   {0x00},
		1:   {0x01},
		127: {0x7f},
		128: {0x80, 0x01},
		300: {0xac, 0x02},
	}
	for n, want := range cases {
		if got := Digest(n); !bytes.Equal(got, want) {
			t.Fatalf("Digest(%d) = %x, want %x", n, got, want)
		}
	}
}

func TestRoutingRejection(t *testing.T) {
	testlog.Start(t)
	h := startRunner(t)
	ctx := testCtx(t)

	if _, err := h.client.Query(ctx, "unknown", []byte(`{}`)); !errors.Is(err, scripts.ErrUnknownScript) {
		t.Fatalf("unknown query: %v", err)
	}
	// kind must match the command
	if _, err := h.client.Query(ctx, "kv-set", []byte(`{}`)); !errors.Is(err, scripts.ErrUnknownScript) {
		t.Fatalf("execute script as query: %v", err)
	}
	if _, err := h.client.Execute(ctx, "kv-get", "s", nil); !errors.Is(err, scripts.ErrUnknownScript) {
		t.Fatalf("query script as execute: %v", err)
	}
}

func TestErrorsAreData(t *testing.T) {
	testlog.Start(t)
	h := startRunner(t)
	ctx := testCtx(t)

	if _, err := h.client.Query(ctx, "silent", nil); !errors.Is(err, sandbox.ErrMissingResponse) {
		t.Fatalf("expected missing response, got %v", err)
	}
	if _, err := h.client.Query(ctx, "kv-get", []byte(`{"key":`)); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := h.client.Query(ctx, "kv-get", []byte(`{"key":"missing"}`)); !errors.Is(err, sandbox.ErrKeyNotFound) {
		t.Fatalf("expected key not found, got %v", err)
	}
	if _, err := h.client.Info(ctx); err != nil {
		t.Fatalf("runner stopped after data errors: %v", err)
	}
}

func TestChannelFaultHaltsRunner(t *testing.T) {
	testlog.Start(t)
	h := startRunner(t)
	ctx := testCtx(t)

	h.runner.Queue() <- GetInfo{}
	select {
	case err := <-h.errc:
		if !errors.Is(err, ErrChannelFault) {
			t.Fatalf("run returned %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("runner did not halt")
	}
	if !errors.Is(h.runner.Err(), ErrChannelFault) {
		t.Fatalf("Err() = %v", h.runner.Err())
	}
	if _, err := h.client.Info(ctx); !errors.Is(err, ErrRunnerStopped) {
		t.Fatalf("expected stopped runner, got %v", err)
	}
}

func TestRunOnlyOnce(t *testing.T) {
	testlog.Start(t)
	h := startRunner(t)
	if _, err := h.client.Info(testCtx(t)); err != nil {
		t.Fatalf("info: %v", err)
	}
	if err := h.runner.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second run: %v", err)
	}
}

type recordedCall struct {
	kind   string
	path   string
	ok     bool
	height int64
}

type memRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (m *memRecorder) RecordExecute(path, sender string, request any, ok bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, recordedCall{kind: "execute", path: path, ok: ok})
	return nil
}

func (m *memRecorder) RecordCommit(height int64, digest []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, recordedCall{kind: "commit", height: height})
	return nil
}

func TestRecorderSeesAppliedCommands(t *testing.T) {
	testlog.Start(t)
	rec := &memRecorder{}
	h := startRunner(t, WithRecorder(rec))
	ctx := testCtx(t)

	if _, err := h.client.Execute(ctx, "kv-set", "s", map[string]any{"key": "k", "value": "v"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := h.client.Execute(ctx, "kv-set", "s", "not a table"); err == nil {
		t.Fatalf("expected execute failure for scalar request")
	}
	if _, err := h.client.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := h.client.Query(ctx, "kv-get", []byte(`{"key":"k"}`)); err != nil {
		t.Fatalf("query: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []recordedCall{
		{kind: "execute", path: "kv-set", ok: true},
		{kind: "execute", path: "kv-set", ok: false},
		{kind: "commit", height: 1},
	}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Fatalf("recorded %+v want %+v", rec.calls, want)
	}
}

func TestClientHonorsContext(t *testing.T) {
	testlog.Start(t)
	r := New(store.NewShared(store.NewMemoryStore()), sandbox.New(), scripts.NewRegistry(), WithQueueSize(1))
	client := NewClient(r)
	r.Queue() <- GetInfo{Reply: make(chan Reply[Info], 1)}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Info(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
