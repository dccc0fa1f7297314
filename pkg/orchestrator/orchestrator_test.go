package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/novarelay/pkg/credentialpool"
	"github.com/wisbric/novarelay/pkg/presetexpander"
	"github.com/wisbric/novarelay/pkg/store"
	"github.com/wisbric/novarelay/pkg/upstreamclient"
	"github.com/wisbric/novarelay/pkg/varengine"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	store.Store
	preset      *store.Preset
	accountRule []store.RegexRule
}

func (f *fakeStore) GetPreset(ctx context.Context, id uuid.UUID) (store.Preset, error) {
	if f.preset == nil {
		return store.Preset{}, store.ErrNotFound
	}
	return *f.preset, nil
}

func (f *fakeStore) ListAccountRegex(ctx context.Context, accountID uuid.UUID) ([]store.RegexRule, error) {
	return f.accountRule, nil
}

type settleRecord struct {
	credentialID uuid.UUID
	outcome      credentialpool.Outcome
}

// fakeLeaser mimics Pool's timeout fallback: once every credential has been
// excluded it re-offers the first one, the same way Pool.Lease falls back
// to the soonest-cooldown candidate regardless of exclude.
type fakeLeaser struct {
	creds   []uuid.UUID
	settles []settleRecord
}

func (f *fakeLeaser) Lease(ctx context.Context, exclude map[uuid.UUID]bool) (credentialpool.Lease, error) {
	for _, id := range f.creds {
		if !exclude[id] {
			return credentialpool.Lease{Credential: store.UpstreamCredential{ID: id, Secret: id.String()}}, nil
		}
	}
	if len(f.creds) == 0 {
		return credentialpool.Lease{}, errors.New("no credentials")
	}
	return credentialpool.Lease{Credential: store.UpstreamCredential{ID: f.creds[0], Secret: f.creds[0].String()}}, nil
}

func (f *fakeLeaser) Settle(ctx context.Context, credentialID uuid.UUID, outcome credentialpool.Outcome) {
	f.settles = append(f.settles, settleRecord{credentialID, outcome})
}

func (f *fakeLeaser) EnabledCount() int { return len(f.creds) }

type invokeResult struct {
	text         string
	usage        upstreamclient.Usage
	finishReason string
	err          error
}

type streamScript struct {
	deltas       []string
	usage        upstreamclient.Usage
	finishReason string
	err          error
}

type fakeUpstream struct {
	invokeQueue []invokeResult
	invokeCalls int
	streamQueue []streamScript
	streamCalls int
}

func (f *fakeUpstream) Invoke(ctx context.Context, credential string, req upstreamclient.ChatRequest) (string, upstreamclient.Usage, string, error) {
	r := f.invokeQueue[f.invokeCalls]
	f.invokeCalls++
	return r.text, r.usage, r.finishReason, r.err
}

func (f *fakeUpstream) Stream(ctx context.Context, credential string, req upstreamclient.ChatRequest, onDelta func(string) error) (upstreamclient.Usage, string, error) {
	sc := f.streamQueue[f.streamCalls]
	f.streamCalls++
	for _, d := range sc.deltas {
		if ctx.Err() != nil {
			return sc.usage, sc.finishReason, ctx.Err()
		}
		if err := onDelta(d); err != nil {
			return sc.usage, sc.finishReason, err
		}
	}
	if ctx.Err() != nil {
		return sc.usage, sc.finishReason, ctx.Err()
	}
	return sc.usage, sc.finishReason, sc.err
}

type fakeRecorder struct {
	entries []store.LogEntry
}

func (f *fakeRecorder) Record(e store.LogEntry) { f.entries = append(f.entries, e) }

type fakeSink struct {
	deltas       []string
	doneCalled   bool
	finishReason string
	cancelAfter  int
	cancel       context.CancelFunc
}

func (f *fakeSink) Delta(text string) error {
	f.deltas = append(f.deltas, text)
	if f.cancelAfter > 0 && len(f.deltas) == f.cancelAfter && f.cancel != nil {
		f.cancel()
	}
	return nil
}

func (f *fakeSink) Done(fr string) {
	f.doneCalled = true
	f.finishReason = fr
}

func helloPreset() *store.Preset {
	return &store.Preset{
		ID: uuid.New(),
		Items: []store.PresetItem{
			{Role: store.RoleSystem, Type: store.ItemTypeNormal, Content: "Hello {{date}}", Enabled: true, SortOrder: 0},
			{Type: store.ItemTypeUserInput, Enabled: true, SortOrder: 1},
		},
	}
}

func newService(t *testing.T, st *fakeStore, leaser *fakeLeaser, upstream *fakeUpstream) (*Service, *fakeRecorder) {
	t.Helper()
	recorder := &fakeRecorder{}
	expander := presetexpander.New(varengine.New())
	svc := New(st, leaser, upstream, expander, recorder, discardLogger(), Config{MaxAttemptsCap: 3})
	return svc, recorder
}

func testTenantKey(presetID *uuid.UUID, applyRegex bool) store.TenantKey {
	return store.TenantKey{ID: uuid.New(), AccountID: uuid.New(), Enabled: true, PresetID: presetID, ApplyRegex: applyRegex}
}

func TestHappyBuffered(t *testing.T) {
	preset := helloPreset()
	st := &fakeStore{preset: preset}
	cred := uuid.New()
	leaser := &fakeLeaser{creds: []uuid.UUID{cred}}
	upstream := &fakeUpstream{invokeQueue: []invokeResult{
		{text: "Hi there", usage: upstreamclient.Usage{PromptTokens: 6, CompletionTokens: 2}, finishReason: "STOP"},
	}}
	svc, recorder := newService(t, st, leaser, upstream)

	tk := testTenantKey(&preset.ID, false)
	req := ChatCompletionRequest{Model: "gemini-pro", Messages: []ChatMessage{{Role: "user", Content: "Hi"}}}

	result := svc.Handle(context.Background(), tk, store.Account{ID: tk.AccountID}, req, nil)

	if result.Status != 200 {
		t.Fatalf("status = %d, want 200", result.Status)
	}
	if got := result.Response.Choices[0].Message.Content; got != "Hi there" {
		t.Errorf("content = %q, want %q", got, "Hi there")
	}
	if result.Response.Usage.PromptTokens != 6 || result.Response.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", result.Response.Usage)
	}
	if len(recorder.entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(recorder.entries))
	}
	if recorder.entries[0].Status != store.LogStatusOK || recorder.entries[0].IsStream {
		t.Errorf("log entry = %+v", recorder.entries[0])
	}
}

func TestStreamingWithPostRegex(t *testing.T) {
	preset := helloPreset()
	st := &fakeStore{
		preset:      preset,
		accountRule: []store.RegexRule{{Name: "foo2bar", Pattern: "foo", Replacement: "bar", Phase: store.PhasePost, Scope: store.ScopeAccount, Enabled: true}},
	}
	cred := uuid.New()
	leaser := &fakeLeaser{creds: []uuid.UUID{cred}}
	upstream := &fakeUpstream{streamQueue: []streamScript{
		{deltas: []string{"fo", "o b", "az"}, usage: upstreamclient.Usage{PromptTokens: 6, CompletionTokens: 3}, finishReason: "STOP"},
	}}
	svc, recorder := newService(t, st, leaser, upstream)

	tk := testTenantKey(&preset.ID, true)
	req := ChatCompletionRequest{Model: "gemini-pro", Stream: true, Messages: []ChatMessage{{Role: "user", Content: "Hi"}}}
	sink := &fakeSink{}

	result := svc.Handle(context.Background(), tk, store.Account{ID: tk.AccountID}, req, sink)

	if !result.Relayed || result.Status != 200 {
		t.Fatalf("result = %+v", result)
	}
	want := []string{"fo", "o b", "az"}
	if len(sink.deltas) != len(want) {
		t.Fatalf("deltas = %v, want %v", sink.deltas, want)
	}
	for i := range want {
		if sink.deltas[i] != want[i] {
			t.Errorf("delta[%d] = %q, want %q (straddling match must not rewrite)", i, sink.deltas[i], want[i])
		}
	}
	if !sink.doneCalled || sink.finishReason != "STOP" {
		t.Errorf("sink.Done not called correctly: called=%v finish=%q", sink.doneCalled, sink.finishReason)
	}
	if len(recorder.entries) != 1 || recorder.entries[0].Status != store.LogStatusOK {
		t.Fatalf("log entries = %+v", recorder.entries)
	}
}

func TestRateLimitFailover(t *testing.T) {
	st := &fakeStore{}
	c1, c2 := uuid.New(), uuid.New()
	leaser := &fakeLeaser{creds: []uuid.UUID{c1, c2}}
	upstream := &fakeUpstream{invokeQueue: []invokeResult{
		{err: &upstreamclient.Failure{Kind: upstreamclient.FailureRateLimited, StatusCode: 429, Retryable: true}},
		{text: "Hi there", usage: upstreamclient.Usage{PromptTokens: 5, CompletionTokens: 1}, finishReason: "STOP"},
	}}
	svc, _ := newService(t, st, leaser, upstream)

	tk := testTenantKey(nil, false)
	req := ChatCompletionRequest{Model: "gemini-pro", Messages: []ChatMessage{{Role: "user", Content: "Hi"}}}

	result := svc.Handle(context.Background(), tk, store.Account{ID: tk.AccountID}, req, nil)

	if result.Status != 200 {
		t.Fatalf("status = %d, want 200", result.Status)
	}
	if len(leaser.settles) != 2 {
		t.Fatalf("settles = %d, want 2", len(leaser.settles))
	}
	if leaser.settles[0].credentialID != c1 || leaser.settles[0].outcome.Kind != credentialpool.OutcomeRetryable || leaser.settles[0].outcome.RetryKind != credentialpool.RetryRateLimited {
		t.Errorf("first settle = %+v, want retryable(rate_limited) on c1", leaser.settles[0])
	}
	if leaser.settles[1].credentialID != c2 || leaser.settles[1].outcome.Kind != credentialpool.OutcomeOK {
		t.Errorf("second settle = %+v, want ok on c2", leaser.settles[1])
	}
}

func TestExhaustionRetriesSameCredential(t *testing.T) {
	st := &fakeStore{}
	c := uuid.New()
	leaser := &fakeLeaser{creds: []uuid.UUID{c}}
	serverErr := func() invokeResult {
		return invokeResult{err: &upstreamclient.Failure{Kind: upstreamclient.FailureServerError, StatusCode: 500, Retryable: true}}
	}
	upstream := &fakeUpstream{invokeQueue: []invokeResult{serverErr(), serverErr(), serverErr()}}
	svc, recorder := newService(t, st, leaser, upstream)

	tk := testTenantKey(nil, false)
	req := ChatCompletionRequest{Model: "gemini-pro", Messages: []ChatMessage{{Role: "user", Content: "Hi"}}}

	result := svc.Handle(context.Background(), tk, store.Account{ID: tk.AccountID}, req, nil)

	if result.Status != 502 || result.ErrorType != "upstream_error" {
		t.Fatalf("result = %+v, want 502 upstream_error", result)
	}
	if len(leaser.settles) != 3 {
		t.Fatalf("settles = %d, want 3 (attempt budget exhausted on the single credential)", len(leaser.settles))
	}
	if len(recorder.entries) != 1 {
		t.Fatalf("log entries = %d, want exactly 1", len(recorder.entries))
	}
}

func TestFatalDisableRetriesOtherCredential(t *testing.T) {
	st := &fakeStore{}
	c1, c2 := uuid.New(), uuid.New()
	leaser := &fakeLeaser{creds: []uuid.UUID{c1, c2}}
	upstream := &fakeUpstream{invokeQueue: []invokeResult{
		{err: &upstreamclient.Failure{Kind: upstreamclient.FailureForbidden, StatusCode: 403, Retryable: false}},
		{text: "ok", usage: upstreamclient.Usage{PromptTokens: 1, CompletionTokens: 1}, finishReason: "STOP"},
	}}
	svc, _ := newService(t, st, leaser, upstream)

	tk := testTenantKey(nil, false)
	req := ChatCompletionRequest{Model: "gemini-pro", Messages: []ChatMessage{{Role: "user", Content: "Hi"}}}

	result := svc.Handle(context.Background(), tk, store.Account{ID: tk.AccountID}, req, nil)

	if result.Status != 200 {
		t.Fatalf("status = %d, want 200", result.Status)
	}
	if leaser.settles[0].outcome.Kind != credentialpool.OutcomeFatal || leaser.settles[0].outcome.FatalKind != credentialpool.FatalForbidden {
		t.Errorf("first settle = %+v, want fatal(forbidden)", leaser.settles[0])
	}
}

func TestPermanentlyInvalidDoesNotRetry(t *testing.T) {
	st := &fakeStore{}
	c1, c2 := uuid.New(), uuid.New()
	leaser := &fakeLeaser{creds: []uuid.UUID{c1, c2}}
	upstream := &fakeUpstream{invokeQueue: []invokeResult{
		{err: &upstreamclient.Failure{Kind: upstreamclient.FailurePermanentlyInvalid, StatusCode: 400, Retryable: false}},
	}}
	svc, _ := newService(t, st, leaser, upstream)

	tk := testTenantKey(nil, false)
	req := ChatCompletionRequest{Model: "gemini-pro", Messages: []ChatMessage{{Role: "user", Content: "Hi"}}}

	result := svc.Handle(context.Background(), tk, store.Account{ID: tk.AccountID}, req, nil)

	if result.Status != 400 || result.ErrorType != "invalid_request_error" {
		t.Fatalf("result = %+v, want 400 invalid_request_error", result)
	}
	if upstream.invokeCalls != 1 {
		t.Errorf("invoke calls = %d, want exactly 1 (no retry on permanently_invalid)", upstream.invokeCalls)
	}
}

func TestCancellationMidStreamSettlesOK(t *testing.T) {
	st := &fakeStore{}
	c := uuid.New()
	leaser := &fakeLeaser{creds: []uuid.UUID{c}}
	upstream := &fakeUpstream{streamQueue: []streamScript{
		{deltas: []string{"Hi there"}, usage: upstreamclient.Usage{PromptTokens: 4, CompletionTokens: 2}, finishReason: "STOP"},
	}}
	svc, recorder := newService(t, st, leaser, upstream)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &fakeSink{cancelAfter: 1, cancel: cancel}

	tk := testTenantKey(nil, false)
	req := ChatCompletionRequest{Model: "gemini-pro", Stream: true, Messages: []ChatMessage{{Role: "user", Content: "Hi"}}}

	result := svc.Handle(ctx, tk, store.Account{ID: tk.AccountID}, req, sink)

	if result.Status != 499 || !result.Relayed {
		t.Fatalf("result = %+v, want 499 with Relayed=true", result)
	}
	if len(leaser.settles) != 1 || leaser.settles[0].outcome.Kind != credentialpool.OutcomeOK {
		t.Fatalf("settle = %+v, want ok (partial delta delivered before disconnect)", leaser.settles)
	}
	if len(recorder.entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Status != store.LogStatusError || entry.TTFTSecs <= 0 {
		t.Errorf("log entry = %+v, want status=error with nonzero ttft", entry)
	}
}

func TestClientDisconnectBeforeDispatch(t *testing.T) {
	st := &fakeStore{}
	leaser := &fakeLeaser{creds: []uuid.UUID{uuid.New()}}
	upstream := &fakeUpstream{}
	svc, recorder := newService(t, st, leaser, upstream)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tk := testTenantKey(nil, false)
	req := ChatCompletionRequest{Model: "gemini-pro", Messages: []ChatMessage{{Role: "user", Content: "Hi"}}}

	result := svc.Handle(ctx, tk, store.Account{ID: tk.AccountID}, req, nil)

	if result.Status != 499 {
		t.Fatalf("status = %d, want 499", result.Status)
	}
	if upstream.invokeCalls != 0 {
		t.Errorf("invoke calls = %d, want 0 (no upstream call before dispatch)", upstream.invokeCalls)
	}
	if len(recorder.entries) != 1 || recorder.entries[0].StatusCode != 499 {
		t.Fatalf("log entries = %+v", recorder.entries)
	}
}

func TestHistoryOnlyPresetStillAppendsUserMessage(t *testing.T) {
	preset := &store.Preset{
		ID: uuid.New(),
		Items: []store.PresetItem{
			{Type: store.ItemTypeHistory, Enabled: true, SortOrder: 0},
		},
	}
	st := &fakeStore{preset: preset}
	cred := uuid.New()
	leaser := &fakeLeaser{creds: []uuid.UUID{cred}}

	var capturedLastMessage string
	upstream := &capturingUpstream{
		fakeUpstream: fakeUpstream{invokeQueue: []invokeResult{{text: "ack", usage: upstreamclient.Usage{}, finishReason: "STOP"}}},
		onInvoke:     func(req upstreamclient.ChatRequest) { capturedLastMessage = req.Messages[len(req.Messages)-1].Content },
	}
	svc, _ := newService(t, st, leaser, upstream)

	tk := testTenantKey(&preset.ID, false)
	req := ChatCompletionRequest{Model: "gemini-pro", Messages: []ChatMessage{
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "latest"},
	}}

	result := svc.Handle(context.Background(), tk, store.Account{ID: tk.AccountID}, req, nil)
	if result.Status != 200 {
		t.Fatalf("status = %d, want 200", result.Status)
	}
	if capturedLastMessage != "latest" {
		t.Errorf("last message = %q, want the final inbound user message appended", capturedLastMessage)
	}
}

// capturingUpstream wraps fakeUpstream to observe the translated request.
type capturingUpstream struct {
	fakeUpstream
	onInvoke func(req upstreamclient.ChatRequest)
}

func (c *capturingUpstream) Invoke(ctx context.Context, credential string, req upstreamclient.ChatRequest) (string, upstreamclient.Usage, string, error) {
	if c.onInvoke != nil {
		c.onInvoke(req)
	}
	return c.fakeUpstream.Invoke(ctx, credential, req)
}
