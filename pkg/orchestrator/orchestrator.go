// Package orchestrator runs the Auth→Expand→Dispatch→Relay→Log state
// machine for one inbound chat-completions request (SPEC_FULL.md §4.7).
// Auth itself happens in gatewayauth's middleware; Service picks up at
// Expand.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/novarelay/internal/telemetry"
	"github.com/wisbric/novarelay/pkg/credentialpool"
	"github.com/wisbric/novarelay/pkg/presetexpander"
	"github.com/wisbric/novarelay/pkg/regexpipeline"
	"github.com/wisbric/novarelay/pkg/store"
	"github.com/wisbric/novarelay/pkg/upstreamclient"
)

// Leaser is the CredentialPool surface Service depends on.
type Leaser interface {
	Lease(ctx context.Context, exclude map[uuid.UUID]bool) (credentialpool.Lease, error)
	Settle(ctx context.Context, credentialID uuid.UUID, outcome credentialpool.Outcome)
	EnabledCount() int
}

// Upstream is the UpstreamClient surface Service depends on.
type Upstream interface {
	Invoke(ctx context.Context, credential string, req upstreamclient.ChatRequest) (text string, usage upstreamclient.Usage, finishReason string, err error)
	Stream(ctx context.Context, credential string, req upstreamclient.ChatRequest, onDelta func(text string) error) (usage upstreamclient.Usage, finishReason string, err error)
}

// LogAppender is the LogRecorder surface Service depends on.
type LogAppender interface {
	Record(entry store.LogEntry)
}

// StreamSink receives streaming output for one request. Delta is called in
// upstream arrival order for every non-empty post-regex chunk; the first
// successful call is the commitment point after which the request can no
// longer be rejected with an HTTP error (SPEC_FULL.md §4.7 failure
// semantics). Returning an error from Delta aborts the stream, exactly as a
// client disconnect would.
type StreamSink interface {
	Delta(text string) error
	Done(finishReason string)
}

// Config bundles Service's dispatch tunables (SPEC_FULL.md §6).
type Config struct {
	// MaxAttemptsCap upper-bounds attempts per request, regardless of how
	// many distinct credentials are enabled. The pool's own lease fallback
	// (soonest-cooldown candidate once every candidate has been excluded)
	// means a single enabled credential can still be attempted up to this
	// many times rather than shrinking the budget to one.
	MaxAttemptsCap int

	// RequestDeadline bounds the whole Auth→Log lifetime of one request;
	// AttemptDeadline bounds a single Dispatch attempt (spec.md §5
	// "Timeouts"). Zero disables the corresponding deadline.
	RequestDeadline time.Duration
	AttemptDeadline time.Duration

	// SeedOverride, when non-zero, pins the per-request VarEngine seed
	// instead of deriving it from the clock — for reproducible test runs
	// (spec.md §6 "randomness seed override (test only)").
	SeedOverride int64
}

// Service runs the orchestrator state machine. It holds no per-request
// state; one Service is shared across concurrent requests.
type Service struct {
	store    store.Store
	pool     Leaser
	upstream Upstream
	expander *presetexpander.Expander
	recorder LogAppender
	logger   *slog.Logger
	cfg      Config
}

// New builds a Service.
func New(st store.Store, pool Leaser, upstream Upstream, expander *presetexpander.Expander, recorder LogAppender, logger *slog.Logger, cfg Config) *Service {
	if cfg.MaxAttemptsCap <= 0 {
		cfg.MaxAttemptsCap = 3
	}
	return &Service{
		store: st, pool: pool, upstream: upstream, expander: expander,
		recorder: recorder, logger: logger, cfg: cfg,
	}
}

// Result is Service.Handle's outcome. For streaming requests where Relayed
// is true, Status/ErrorType/ErrorMessage describe what happened for
// logging purposes only — the response headers are already committed to
// the client by the time Relayed becomes true.
type Result struct {
	Status       int
	ErrorType    string
	ErrorMessage string
	LogStatus    store.LogStatus
	Response     ChatCompletionResponse // valid only when buffered and Status==200
	Relayed      bool                   // true once ≥1 byte reached the client (streaming)
}

// Handle runs Expand, then Dispatch/Relay/Log for a single request. sink is
// ignored for buffered requests (req.Stream == false) and required for
// streaming ones.
func (s *Service) Handle(ctx context.Context, tk store.TenantKey, account store.Account, req ChatCompletionRequest, sink StreamSink) Result {
	start := time.Now()

	if s.cfg.RequestDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestDeadline)
		defer cancel()
	}

	messages, pre, post, fault := s.expand(ctx, tk, account, req)
	if fault {
		s.recorder.Record(s.logEntry(tk, req.Model, 500, store.LogStatusError, req.Stream, 0, 0, false, time.Since(start), 0))
		return Result{Status: 500, ErrorType: "internal_error", ErrorMessage: "preset expansion failed", LogStatus: store.LogStatusError}
	}

	for i, m := range messages {
		messages[i].Content = pre.Apply(m.Content, s.warnRegex)
	}

	upReq := upstreamclient.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		N:           req.N,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}

	if req.Stream {
		return s.handleStream(ctx, tk, req, upReq, post, sink, start)
	}
	return s.handleBuffered(ctx, tk, req, upReq, post, start)
}

// expand fetches the bound Preset (if any), runs PresetExpander, and builds
// the pre/post RegexPipelines for this request (SPEC_FULL.md §4.3/§4.4).
// fault reports a PresetFault (Reject(500) per §7).
func (s *Service) expand(ctx context.Context, tk store.TenantKey, account store.Account, req ChatCompletionRequest) (messages []presetexpander.Message, pre, post *regexpipeline.Pipeline, fault bool) {
	inbound := make([]presetexpander.Message, len(req.Messages))
	for i, m := range req.Messages {
		inbound[i] = presetexpander.Message{Role: m.Role, Content: m.Content}
	}

	var preset *store.Preset
	if tk.PresetID != nil {
		p, err := s.store.GetPreset(ctx, *tk.PresetID)
		if err != nil {
			return nil, nil, nil, true
		}
		preset = &p
	}

	messages = s.expander.Expand(preset, inbound, s.seed(), time.Now())

	var accountRules, presetRules []store.RegexRule
	if tk.ApplyRegex {
		var err error
		accountRules, err = s.store.ListAccountRegex(ctx, account.ID)
		if err != nil {
			return nil, nil, nil, true
		}
	}
	if preset != nil {
		presetRules = preset.Regex
	}

	pre = regexpipeline.BuildOrdered(filterPhase(accountRules, store.PhasePre), filterPhase(presetRules, store.PhasePre))
	post = regexpipeline.BuildOrdered(filterPhase(accountRules, store.PhasePost), filterPhase(presetRules, store.PhasePost))
	return messages, pre, post, false
}

// filterPhase keeps enabled rules matching phase, sorted by SortOrder
// ascending; BuildOrdered assumes its inputs already meet this contract.
func filterPhase(rules []store.RegexRule, phase store.RegexPhase) []store.RegexRule {
	var out []store.RegexRule
	for _, r := range rules {
		if r.Enabled && r.Phase == phase {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

func (s *Service) warnRegex(ruleName string, recovered any) {
	s.logger.Warn("regex rule panicked, skipping", "rule", ruleName, "recovered", recovered)
}

// handleBuffered runs the Dispatch retry loop for a non-streaming request.
func (s *Service) handleBuffered(ctx context.Context, tk store.TenantKey, req ChatCompletionRequest, upReq upstreamclient.ChatRequest, post *regexpipeline.Pipeline, start time.Time) Result {
	if ctx.Err() != nil {
		return s.clientGoneResult(tk, req.Model, false, start)
	}

	maxAttempts := s.attemptBudget()
	if maxAttempts == 0 {
		return s.exhaustedResult(tk, req.Model, false, start, 502, "upstream_error", "no upstream credentials available")
	}

	exclude := make(map[uuid.UUID]bool)
	lastStatus, lastErrType, lastMessage := 502, "upstream_error", "upstream request failed"

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lease, err := s.pool.Lease(ctx, exclude)
		if err != nil {
			if ctx.Err() != nil {
				return s.clientGoneResult(tk, req.Model, false, start)
			}
			break
		}
		exclude[lease.Credential.ID] = true

		attemptCtx, cancelAttempt := s.attemptContext(ctx)
		text, usage, finishReason, callErr := s.upstream.Invoke(attemptCtx, lease.Credential.Secret, upReq)
		cancelAttempt()
		if callErr == nil {
			s.pool.Settle(ctx, lease.Credential.ID, credentialpool.OK(usage.PromptTokens, usage.CompletionTokens))
			finalText := post.Apply(text, s.warnRegex)
			s.recorder.Record(s.logEntry(tk, req.Model, 200, store.LogStatusOK, false, usage.PromptTokens, usage.CompletionTokens, usage.Estimated, time.Since(start), 0))
			return Result{
				Status:    200,
				LogStatus: store.LogStatusOK,
				Response: ChatCompletionResponse{
					ID:      "chatcmpl-" + uuid.NewString(),
					Object:  "chat.completion",
					Created: time.Now().Unix(),
					Model:   req.Model,
					Choices: []ChatCompletionChoice{{
						Index:        0,
						Message:      ChatMessage{Role: "assistant", Content: finalText},
						FinishReason: finishReason,
					}},
					Usage: ChatCompletionUsage{
						PromptTokens:     usage.PromptTokens,
						CompletionTokens: usage.CompletionTokens,
						TotalTokens:      usage.PromptTokens + usage.CompletionTokens,
					},
				},
			}
		}

		f := classify(callErr)
		s.pool.Settle(ctx, lease.Credential.ID, mapOutcome(f))
		lastStatus, lastErrType, lastMessage = statusForFailure(f)

		if f.Kind == upstreamclient.FailurePermanentlyInvalid {
			break
		}
	}

	return s.exhaustedResult(tk, req.Model, false, start, lastStatus, lastErrType, lastMessage)
}

// handleStream runs the Dispatch retry loop for a streaming request,
// relaying deltas live through sink once the first one arrives.
func (s *Service) handleStream(ctx context.Context, tk store.TenantKey, req ChatCompletionRequest, upReq upstreamclient.ChatRequest, post *regexpipeline.Pipeline, sink StreamSink, start time.Time) Result {
	if ctx.Err() != nil {
		return s.clientGoneResult(tk, req.Model, true, start)
	}

	maxAttempts := s.attemptBudget()
	if maxAttempts == 0 {
		return s.exhaustedResult(tk, req.Model, true, start, 502, "upstream_error", "no upstream credentials available")
	}

	exclude := make(map[uuid.UUID]bool)
	lastStatus, lastErrType, lastMessage := 502, "upstream_error", "upstream request failed"
	sawDelta := false
	var firstDeltaAt time.Time

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lease, err := s.pool.Lease(ctx, exclude)
		if err != nil {
			if ctx.Err() != nil {
				return s.clientGoneOrTruncated(tk, req, sawDelta, firstDeltaAt, start)
			}
			break
		}
		exclude[lease.Credential.ID] = true

		attemptCtx, cancelAttempt := s.attemptContext(ctx)
		attemptSawDelta := false
		usage, finishReason, callErr := s.upstream.Stream(attemptCtx, lease.Credential.Secret, upReq, func(text string) error {
			rewritten := post.Apply(text, s.warnRegex)
			if rewritten == "" {
				return nil
			}
			if sinkErr := sink.Delta(rewritten); sinkErr != nil {
				return sinkErr
			}
			if !sawDelta {
				sawDelta = true
				firstDeltaAt = time.Now()
			}
			attemptSawDelta = true
			return nil
		})
		cancelAttempt()

		if callErr == nil {
			s.pool.Settle(ctx, lease.Credential.ID, credentialpool.OK(usage.PromptTokens, usage.CompletionTokens))
			sink.Done(finishReason)
			ttft := time.Duration(0)
			if sawDelta {
				ttft = firstDeltaAt.Sub(start)
				telemetry.TimeToFirstToken.Observe(ttft.Seconds())
			}
			s.recorder.Record(s.logEntry(tk, req.Model, 200, store.LogStatusOK, true, usage.PromptTokens, usage.CompletionTokens, usage.Estimated, time.Since(start), ttft))
			return Result{Status: 200, LogStatus: store.LogStatusOK, Relayed: true}
		}

		if ctx.Err() != nil || !isUpstreamFailure(callErr) {
			// Client disconnect, or the sink itself failed to write
			// (broken pipe) — same handling either way.
			outcome := credentialpool.Retryable(credentialpool.RetryTransport)
			if attemptSawDelta {
				outcome = credentialpool.OK(usage.PromptTokens, usage.CompletionTokens)
			}
			s.pool.Settle(ctx, lease.Credential.ID, outcome)
			return s.clientGoneOrTruncated(tk, req, sawDelta, firstDeltaAt, start)
		}

		f := classify(callErr)
		s.pool.Settle(ctx, lease.Credential.ID, mapOutcome(f))
		lastStatus, lastErrType, lastMessage = statusForFailure(f)

		if sawDelta {
			// Bytes already flushed to the client — cannot upgrade to an
			// HTTP error; truncate and stop (SPEC_FULL.md §4.7).
			ttft := firstDeltaAt.Sub(start)
			s.recorder.Record(s.logEntry(tk, req.Model, lastStatus, store.LogStatusError, true, 0, 0, false, time.Since(start), ttft))
			return Result{Status: lastStatus, ErrorType: lastErrType, ErrorMessage: lastMessage, LogStatus: store.LogStatusError, Relayed: true}
		}

		if f.Kind == upstreamclient.FailurePermanentlyInvalid {
			break
		}
	}

	return s.exhaustedResult(tk, req.Model, true, start, lastStatus, lastErrType, lastMessage)
}

// clientGoneOrTruncated reports the outcome of a mid-stream disconnect or
// sink write failure, logging partial usage as unknown (the credential has
// already been settled by the caller with whatever partial counts it had).
func (s *Service) clientGoneOrTruncated(tk store.TenantKey, req ChatCompletionRequest, sawDelta bool, firstDeltaAt, start time.Time) Result {
	ttft := time.Duration(0)
	if sawDelta {
		ttft = firstDeltaAt.Sub(start)
	}
	s.recorder.Record(s.logEntry(tk, req.Model, 499, store.LogStatusError, true, 0, 0, false, time.Since(start), ttft))
	return Result{Status: 499, ErrorType: "client_closed_request", ErrorMessage: "client disconnected", LogStatus: store.LogStatusError, Relayed: sawDelta}
}

func (s *Service) clientGoneResult(tk store.TenantKey, model string, isStream bool, start time.Time) Result {
	s.recorder.Record(s.logEntry(tk, model, 499, store.LogStatusError, isStream, 0, 0, false, time.Since(start), 0))
	return Result{Status: 499, ErrorType: "client_closed_request", ErrorMessage: "client disconnected", LogStatus: store.LogStatusError}
}

func (s *Service) exhaustedResult(tk store.TenantKey, model string, isStream bool, start time.Time, status int, errType, message string) Result {
	s.recorder.Record(s.logEntry(tk, model, status, store.LogStatusError, isStream, 0, 0, false, time.Since(start), 0))
	return Result{Status: status, ErrorType: errType, ErrorMessage: message, LogStatus: store.LogStatusError}
}

// attemptBudget returns the dispatch attempt cap for one request: zero if
// no credential is enabled at all, else MaxAttemptsCap. It does not shrink
// with the enabled-credential count — the pool's lease fallback can hand
// back an already-tried credential once every candidate has been excluded,
// so a pool of one still supports a multi-attempt retry budget.
func (s *Service) attemptBudget() int {
	if s.pool.EnabledCount() == 0 {
		return 0
	}
	return s.cfg.MaxAttemptsCap
}

// attemptContext bounds a single dispatch attempt when AttemptDeadline is
// configured, independent of the overall RequestDeadline.
func (s *Service) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.AttemptDeadline <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.AttemptDeadline)
}

func (s *Service) logEntry(tk store.TenantKey, model string, statusCode int, status store.LogStatus, isStream bool, inputTokens, outputTokens int64, estimated bool, totalLatency, ttft time.Duration) store.LogEntry {
	telemetry.RequestsTotal.WithLabelValues(string(status)).Inc()
	if inputTokens > 0 {
		telemetry.TokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		telemetry.TokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}

	id := tk.ID
	return store.LogEntry{
		ID:               uuid.New(),
		TenantKeyID:      &id,
		Model:            model,
		StatusCode:       statusCode,
		Status:           status,
		TotalLatencySecs: totalLatency.Seconds(),
		TTFTSecs:         ttft.Seconds(),
		IsStream:         isStream,
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		TokensEstimated:  estimated,
		CreatedAt:        time.Now(),
	}
}

// isUpstreamFailure reports whether err originates from UpstreamClient's
// own classification (as opposed to a StreamSink write failure, which
// carries no *upstreamclient.Failure).
func isUpstreamFailure(err error) bool {
	_, ok := upstreamclient.AsFailure(err)
	return ok
}

// classify extracts a *upstreamclient.Failure from err, synthesizing a
// generic transport failure if the client returned something unclassified
// (e.g. a context deadline surfacing before any HTTP round-trip began).
func classify(err error) *upstreamclient.Failure {
	if f, ok := upstreamclient.AsFailure(err); ok {
		return f
	}
	return &upstreamclient.Failure{Kind: upstreamclient.FailureTransport, Retryable: true, Err: err}
}

func mapOutcome(f *upstreamclient.Failure) credentialpool.Outcome {
	switch f.Kind {
	case upstreamclient.FailureRateLimited:
		return credentialpool.Retryable(credentialpool.RetryRateLimited)
	case upstreamclient.FailureServerError:
		return credentialpool.Retryable(credentialpool.RetryServerError)
	case upstreamclient.FailureUnauthorized:
		return credentialpool.Fatal(credentialpool.FatalUnauthorized)
	case upstreamclient.FailureForbidden:
		return credentialpool.Fatal(credentialpool.FatalForbidden)
	case upstreamclient.FailurePermanentlyInvalid:
		return credentialpool.Fatal(credentialpool.FatalPermanentlyInvalid)
	default:
		return credentialpool.Retryable(credentialpool.RetryTransport)
	}
}

// statusForFailure maps a classified failure to the client-visible status
// and error envelope (SPEC_FULL.md §7). Only permanently_invalid passes
// the upstream's own status through; every other exhausted kind surfaces
// as a generic 502 upstream_error, per the documented exhaustion and
// fatal-disable scenarios.
func statusForFailure(f *upstreamclient.Failure) (status int, errType, message string) {
	if f.Kind == upstreamclient.FailurePermanentlyInvalid {
		return 400, "invalid_request_error", "request rejected by upstream as permanently invalid"
	}
	return 502, "upstream_error", "upstream request failed after retrying available credentials"
}

// seed picks the VarEngine seed for one request: the configured override
// when set, letting tests reproduce a fixed expansion deterministically,
// else the clock.
func (s *Service) seed() uint64 {
	if s.cfg.SeedOverride != 0 {
		return uint64(s.cfg.SeedOverride)
	}
	return uint64(time.Now().UnixNano())
}
