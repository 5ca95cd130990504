package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
	"github.com/rsrini7/Smart-Support-Buddy/internal/telemetry"
)

// Pipeline defaults.
const (
	DefaultKDense  = 5
	DefaultKSparse = 5
	DefaultRerankK = 3
)

// Pipeline runs Retrieving, Fusing, Reranking and optionally Generating.
// It holds no per-query state and is safe for concurrent use as long as
// its retrievers are.
type Pipeline struct {
	dense      Retriever
	sparse     Retriever
	reranker   Reranker
	generator  Generator
	genTimeout time.Duration
	defaults   Request
	queryLog   *telemetry.QueryLog
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithGenerator enables answer generation for requests that ask for it.
func WithGenerator(g Generator) PipelineOption {
	return func(p *Pipeline) {
		p.generator = g
	}
}

// WithGenerationTimeout bounds the Generating stage independently of
// retrieval. Zero disables the bound.
func WithGenerationTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.genTimeout = d
	}
}

// WithDefaults sets the counts used when a request leaves them at zero.
func WithDefaults(kDense, kSparse, rerankK int) PipelineOption {
	return func(p *Pipeline) {
		if kDense > 0 {
			p.defaults.KDense = kDense
		}
		if kSparse > 0 {
			p.defaults.KSparse = kSparse
		}
		if rerankK > 0 {
			p.defaults.RerankK = rerankK
		}
	}
}

// WithQueryLog records every successful search in log.
func WithQueryLog(log *telemetry.QueryLog) PipelineOption {
	return func(p *Pipeline) {
		p.queryLog = log
	}
}

// NewPipeline creates a pipeline. Either retriever may be nil, in which case
// it contributes no candidates. A nil reranker keeps fused order.
func NewPipeline(dense, sparse Retriever, reranker Reranker, opts ...PipelineOption) *Pipeline {
	if reranker == nil {
		reranker = NoOpReranker{}
	}
	p := &Pipeline{
		dense:      dense,
		sparse:     sparse,
		reranker:   reranker,
		genTimeout: DefaultGenerationTimeout,
		defaults: Request{
			KDense:  DefaultKDense,
			KSparse: DefaultKSparse,
			RerankK: DefaultRerankK,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run tracks the state machine of one search.
type run struct {
	resp  *Response
	start time.Time
	stage time.Time
}

func (r *run) enter(s State) {
	now := time.Now()
	if cur := r.resp.State; cur != StateIdle {
		d := now.Sub(r.stage)
		r.resp.Diagnostics.Stages[cur.String()] = d
		telemetry.ObserveStage(cur.String(), d)
	}
	r.resp.State = s
	r.resp.Diagnostics.Trace = append(r.resp.Diagnostics.Trace, s)
	r.stage = now
}

// Search runs one query. It fails only on an empty query or when both
// retrievers fail; reranker and generator failures are reported in the
// diagnostics.
func (p *Pipeline) Search(ctx context.Context, req Request) (resp *Response, err error) {
	defer func() { telemetry.ObserveSearch(err) }()

	if strings.TrimSpace(req.Query) == "" {
		return nil, buddyerrors.New(buddyerrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	req = p.withDefaults(req)

	r := &run{
		resp: &Response{
			State:       StateIdle,
			Diagnostics: Diagnostics{Trace: []State{StateIdle}, Stages: make(map[string]time.Duration)},
		},
		start: time.Now(),
	}

	r.enter(StateRetrieving)
	dense, sparse, err := p.retrieve(ctx, req, &r.resp.Diagnostics)
	if err != nil {
		return nil, err
	}

	r.enter(StateFusing)
	fused, dups := Fuse(dense, sparse)
	r.resp.Diagnostics.FusedCount = len(fused)
	r.resp.Diagnostics.Duplicates = dups

	r.enter(StateReranking)
	r.resp.Results = p.rerank(ctx, req, fused, &r.resp.Diagnostics)

	if req.WithGeneration && p.generator != nil && len(r.resp.Results) > 0 {
		r.enter(StateGenerating)
		p.generate(ctx, req.Query, r.resp)
	}

	r.enter(StateDone)
	r.resp.Diagnostics.Total = time.Since(r.start)

	if p.queryLog != nil {
		p.queryLog.Record(telemetry.QueryEvent{
			Query:       req.Query,
			ResultCount: len(r.resp.Results),
			Latency:     r.resp.Diagnostics.Total,
			Answered:    r.resp.Answered,
		})
	}
	slog.Debug("search_complete",
		slog.String("query", truncateQuery(req.Query, 50)),
		slog.Int("dense", r.resp.Diagnostics.DenseCount),
		slog.Int("sparse", r.resp.Diagnostics.SparseCount),
		slog.Int("fused", r.resp.Diagnostics.FusedCount),
		slog.Int("results", len(r.resp.Results)),
		slog.Bool("answered", r.resp.Answered),
		slog.Duration("total", r.resp.Diagnostics.Total))
	return r.resp, nil
}

func (p *Pipeline) withDefaults(req Request) Request {
	if req.KDense <= 0 {
		req.KDense = p.defaults.KDense
	}
	if req.KSparse <= 0 {
		req.KSparse = p.defaults.KSparse
	}
	if req.RerankK <= 0 {
		req.RerankK = p.defaults.RerankK
	}
	return req
}

// retrieve runs both retrievers in parallel. One failing is tolerated.
func (p *Pipeline) retrieve(ctx context.Context, req Request, diag *Diagnostics) (dense, sparse []Candidate, err error) {
	var denseErr, sparseErr error

	g, gctx := errgroup.WithContext(ctx)
	if p.dense != nil {
		g.Go(func() error {
			dense, denseErr = p.dense.Retrieve(gctx, req.Query, req.KDense)
			return nil
		})
	}
	if p.sparse != nil {
		g.Go(func() error {
			sparse, sparseErr = p.sparse.Retrieve(gctx, req.Query, req.KSparse)
			return nil
		})
	}
	_ = g.Wait()

	var partial *PartialError
	if errors.As(denseErr, &partial) {
		diag.DenseError = partial.Error()
		denseErr = nil
	}
	if denseErr != nil {
		diag.DenseError = denseErr.Error()
		slog.Warn("dense_retrieval_failed", slog.String("error", denseErr.Error()))
	}
	if sparseErr != nil {
		diag.SparseError = sparseErr.Error()
		slog.Warn("sparse_retrieval_failed", slog.String("error", sparseErr.Error()))
	}
	if denseErr != nil && sparseErr != nil {
		msg := fmt.Sprintf("all retrievers failed: dense: %v; sparse: %v", denseErr, sparseErr)
		return nil, nil, buddyerrors.New(buddyerrors.ErrCodeSearchFailed, msg, errors.Join(denseErr, sparseErr))
	}

	diag.DenseCount = len(dense)
	diag.SparseCount = len(sparse)
	return dense, sparse, nil
}

// rerank scores every fused candidate, sorts descending with retrieval
// order breaking ties, and keeps the top rerankK. A reranker failure keeps
// the fused order.
func (p *Pipeline) rerank(ctx context.Context, req Request, fused []FusedCandidate, diag *Diagnostics) []FusedResult {
	if len(fused) == 0 {
		return []FusedResult{}
	}

	texts := make([]string, len(fused))
	for i, c := range fused {
		texts[i] = c.Text
	}

	scores, err := p.reranker.Score(ctx, req.Query, texts)
	if err == nil && len(scores) != len(fused) {
		err = fmt.Errorf("reranker returned %d scores for %d candidates", len(scores), len(fused))
	}
	if err != nil {
		diag.RerankFallback = true
		diag.RerankError = err.Error()
		telemetry.RerankFailures.Inc()
		slog.Warn("rerank_failed",
			slog.String("query", truncateQuery(req.Query, 50)),
			slog.Int("candidates", len(fused)),
			slog.String("error", err.Error()))
		scores = nil
	}

	order := make([]int, len(fused))
	for i := range order {
		order[i] = i
	}
	if scores != nil {
		sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	}
	if len(order) > req.RerankK {
		order = order[:req.RerankK]
	}

	results := make([]FusedResult, 0, len(order))
	for rank, i := range order {
		c := fused[i]
		var score float64
		if scores != nil {
			score = scores[i]
		}
		results = append(results, FusedResult{
			ID:            c.ID,
			Text:          c.Text,
			Metadata:      c.Metadata,
			RerankScore:   score,
			Rank:          rank + 1,
			Source:        c.Source,
			InBoth:        c.InBoth,
			RetrievalRank: i + 1,
			SourceScore:   c.Score,
		})
	}
	return results
}

// generate fills in the answer. Failures and timeouts leave it empty.
func (p *Pipeline) generate(ctx context.Context, question string, resp *Response) {
	texts := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		texts[i] = r.Text
	}
	contextText := strings.Join(texts, "\n")

	genCtx := ctx
	if p.genTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, p.genTimeout)
		defer cancel()
	}

	answer, err := p.generator.Generate(genCtx, question, contextText)
	if err != nil {
		resp.Diagnostics.GenerationError = err.Error()
		telemetry.GenerationFailures.Inc()
		slog.Warn("generation_failed",
			slog.String("query", truncateQuery(question, 50)),
			slog.String("error", err.Error()))
		return
	}
	resp.Answer = answer
	resp.Answered = true
}
