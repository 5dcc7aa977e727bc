// Package abciapp adapts the runner to the CometBFT ABCI application contract.
package abciapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/scriptnode/internal/runner"
	"github.com/danmuck/scriptnode/internal/sandbox"
	"github.com/danmuck/scriptnode/internal/scripts"
)

const (
	AppData    = "scriptnode"
	AppVersion = "0.1.0"
	// ProtocolVersion is reported as app_version.
	ProtocolVersion uint64 = 1

	CodeOK    uint32 = 0
	CodeError uint32 = 1
)

var ErrMalformedTx = errors.New("abciapp: malformed transaction")

// Tx is the JSON body of every transaction.
type Tx struct {
	Path    string          `json:"path"`
	Sender  string          `json:"sender"`
	Request json.RawMessage `json:"request"`
}

// Client is the runner surface the application needs.
type Client interface {
	Info(ctx context.Context) (runner.Info, error)
	Query(ctx context.Context, path string, request []byte) (runner.QueryResult, error)
	Execute(ctx context.Context, path, sender string, request any) (runner.ExecResult, error)
	Commit(ctx context.Context) (runner.Info, error)
}

// Router is the allow-list consulted before a command is submitted.
type Router interface {
	Resolve(kind scripts.Kind, name string) (scripts.Reference, error)
}

type Option func(*App)

func WithLogger(logger zerolog.Logger) Option {
	return func(a *App) { a.logger = logger }
}

type App struct {
	abcitypes.BaseApplication

	client Client
	router Router
	logger zerolog.Logger
}

var _ abcitypes.Application = (*App)(nil)

func New(client Client, router Router, opts ...Option) *App {
	a := &App{
		client: client,
		router: router,
		logger: log.Logger.With().Str("component", "abci").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *App) Info(ctx context.Context, req *abcitypes.RequestInfo) (*abcitypes.ResponseInfo, error) {
	info, err := a.client.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("abciapp: info: %w", err)
	}
	a.logger.Info().
		Str("cometbft", req.GetVersion()).
		Int64("height", info.Height).
		Msg("info")
	return &abcitypes.ResponseInfo{
		Data:             AppData,
		Version:          AppVersion,
		AppVersion:       ProtocolVersion,
		LastBlockHeight:  info.Height,
		LastBlockAppHash: info.Digest,
	}, nil
}

func (a *App) Query(ctx context.Context, req *abcitypes.RequestQuery) (*abcitypes.ResponseQuery, error) {
	if _, err := a.router.Resolve(scripts.KindQuery, req.Path); err != nil {
		return &abcitypes.ResponseQuery{Code: CodeError, Log: err.Error()}, nil
	}
	res, err := a.client.Query(ctx, req.Path, req.Data)
	if err != nil {
		if fatal(err) {
			return nil, fmt.Errorf("abciapp: query: %w", err)
		}
		a.logger.Debug().Str("path", req.Path).Err(err).Msg("query failed")
		return &abcitypes.ResponseQuery{Code: CodeError, Log: err.Error()}, nil
	}
	return &abcitypes.ResponseQuery{Code: CodeOK, Value: res.Value, Height: res.Height}, nil
}

// CheckTx admits everything.
func (a *App) CheckTx(_ context.Context, _ *abcitypes.RequestCheckTx) (*abcitypes.ResponseCheckTx, error) {
	return &abcitypes.ResponseCheckTx{GasWanted: 1, GasUsed: 0}, nil
}

func (a *App) FinalizeBlock(ctx context.Context, req *abcitypes.RequestFinalizeBlock) (*abcitypes.ResponseFinalizeBlock, error) {
	results := make([]*abcitypes.ExecTxResult, 0, len(req.Txs))
	for i, raw := range req.Txs {
		res, err := a.deliver(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("abciapp: block %d tx %d: %w", req.Height, i, err)
		}
		results = append(results, res)
	}
	a.logger.Debug().Int64("block", req.Height).Int("txs", len(results)).Msg("finalized block")
	return &abcitypes.ResponseFinalizeBlock{TxResults: results}, nil
}

// deliver returns an error only when the runner can no longer answer.
func (a *App) deliver(ctx context.Context, raw []byte) (*abcitypes.ExecTxResult, error) {
	tx, request, err := DecodeTx(raw)
	if err != nil {
		return &abcitypes.ExecTxResult{Code: CodeError, Log: err.Error()}, nil
	}
	if _, err := a.router.Resolve(scripts.KindExecute, tx.Path); err != nil {
		return &abcitypes.ExecTxResult{Code: CodeError, Log: err.Error()}, nil
	}
	res, err := a.client.Execute(ctx, tx.Path, tx.Sender, request)
	if err != nil {
		if fatal(err) {
			return nil, err
		}
		return &abcitypes.ExecTxResult{Code: CodeError, Log: err.Error()}, nil
	}
	return &abcitypes.ExecTxResult{Code: CodeOK, Events: toABCIEvents(res.Events)}, nil
}

func (a *App) Commit(ctx context.Context, _ *abcitypes.RequestCommit) (*abcitypes.ResponseCommit, error) {
	info, err := a.client.Commit(ctx)
	if err != nil {
		return nil, fmt.Errorf("abciapp: commit: %w", err)
	}
	return &abcitypes.ResponseCommit{RetainHeight: info.Height - 1}, nil
}

// DecodeTx parses a transaction body and its request value.
func DecodeTx(raw []byte) (Tx, any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var tx Tx
	if err := dec.Decode(&tx); err != nil {
		return Tx{}, nil, fmt.Errorf("%w: %w", ErrMalformedTx, err)
	}
	if tx.Path == "" {
		return Tx{}, nil, fmt.Errorf("%w: missing path", ErrMalformedTx)
	}
	request, err := runner.DecodeRequest(tx.Request)
	if err != nil {
		return Tx{}, nil, fmt.Errorf("%w: %w", ErrMalformedTx, err)
	}
	return tx, request, nil
}

func toABCIEvents(events []sandbox.Event) []abcitypes.Event {
	out := make([]abcitypes.Event, 0, len(events))
	for _, evt := range events {
		attrs := make([]abcitypes.EventAttribute, 0, len(evt.Attributes))
		for _, attr := range evt.Attributes {
			attrs = append(attrs, abcitypes.EventAttribute{Key: attr.Key, Value: attr.Value, Index: attr.Index})
		}
		out = append(out, abcitypes.Event{Type: evt.Type, Attributes: attrs})
	}
	return out
}

// fatal reports errors that mean the runner is gone, as opposed to a failed command.
func fatal(err error) bool {
	return errors.Is(err, runner.ErrRunnerStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
