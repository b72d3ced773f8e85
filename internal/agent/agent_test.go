package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"zclaw/internal/llm"
	logx "zclaw/pkg/logx"
)

// scriptedLLM replays canned replies in order and records every request.
type scriptedLLM struct {
	mu      sync.Mutex
	script  []scriptStep
	calls   int
	systems []string
	history [][]llm.Message
	tools   []int
}

type scriptStep struct {
	reply llm.Reply
	err   error
}

func (f *scriptedLLM) Chat(ctx context.Context, system string, msgs []llm.Message, tools []llm.ToolSpec) (llm.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systems = append(f.systems, system)
	f.history = append(f.history, append([]llm.Message(nil), msgs...))
	f.tools = append(f.tools, len(tools))
	i := f.calls
	f.calls++
	if i >= len(f.script) {
		return llm.Reply{}, fmt.Errorf("unscripted call %d", i)
	}
	return f.script[i].reply, f.script[i].err
}

func (f *scriptedLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTools struct {
	mu     sync.Mutex
	execs  []string
	result string
}

func (f *fakeTools) Specs() []llm.ToolSpec {
	return []llm.ToolSpec{{Name: "get_time", Description: "Get current time"}}
}

func (f *fakeTools) Execute(ctx context.Context, name, argsJSON string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, name+" "+argsJSON)
	return f.result
}

type fakeLimiter struct {
	mu      sync.Mutex
	allow   int // calls allowed before denial
	reason  string
	records int
}

func (f *fakeLimiter) Allow(ctx context.Context) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allow <= 0 {
		return false, f.reason
	}
	f.allow--
	return true, ""
}

func (f *fakeLimiter) Record(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records++
}

func (f *fakeLimiter) recorded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records
}

type chanSink struct{ ch chan string }

func newChanSink() chanSink { return chanSink{ch: make(chan string, 4)} }

func (c chanSink) TrySend(msg string, timeout time.Duration) bool {
	select {
	case c.ch <- msg:
		return true
	default:
		return false
	}
}

func (c chanSink) recv(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return ""
	}
}

func newService(cfg Config, backend LLM, tools Tools, limits Limiter, sink Sink) *Service {
	return New(cfg, backend, tools, limits, sink, nil, logx.Nop())
}

func TestPlainTextReply(t *testing.T) {
	t.Parallel()
	backend := &scriptedLLM{script: []scriptStep{{reply: llm.Reply{Text: "hello there"}}}}
	limits := &fakeLimiter{allow: 10}
	sink := newChanSink()
	s := newService(Config{}, backend, &fakeTools{}, limits, sink)

	s.process(context.Background(), "hi")

	if got := sink.recv(t); got != "hello there" {
		t.Fatalf("reply = %q", got)
	}
	if limits.recorded() != 1 {
		t.Errorf("recorded = %d, want 1", limits.recorded())
	}
	snap := s.Snapshot()
	if snap.Processed != 1 || snap.History != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestToolCallRound(t *testing.T) {
	t.Parallel()
	backend := &scriptedLLM{script: []scriptStep{
		{reply: llm.Reply{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "get_time", Arguments: "{}"}}}},
		{reply: llm.Reply{Text: "It is noon."}},
	}}
	tools := &fakeTools{result: "2025-03-10 12:00:00"}
	limits := &fakeLimiter{allow: 10}
	sink := newChanSink()
	s := newService(Config{}, backend, tools, limits, sink)

	s.process(context.Background(), "what time is it?")

	if got := sink.recv(t); got != "It is noon." {
		t.Fatalf("reply = %q", got)
	}
	if len(tools.execs) != 1 || tools.execs[0] != "get_time {}" {
		t.Fatalf("execs = %v", tools.execs)
	}
	if limits.recorded() != 2 {
		t.Errorf("recorded = %d, want 2", limits.recorded())
	}

	// The second request must carry the call and its result.
	second := backend.history[1]
	var sawCall, sawResult bool
	for _, m := range second {
		if m.Role == llm.RoleAssistant && len(m.ToolCalls) == 1 && m.ToolCalls[0].ID == "call_1" {
			sawCall = true
		}
		if m.Role == llm.RoleTool && m.ToolCallID == "call_1" && m.Content == "2025-03-10 12:00:00" {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Fatalf("second request history missing tool turn: %+v", second)
	}
	if s.Snapshot().ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", s.Snapshot().ToolCalls)
	}
}

func TestEmptyReplyBecomesPlaceholder(t *testing.T) {
	t.Parallel()
	backend := &scriptedLLM{script: []scriptStep{{reply: llm.Reply{Text: "  \n"}}}}
	sink := newChanSink()
	s := newService(Config{}, backend, &fakeTools{}, &fakeLimiter{allow: 10}, sink)

	s.process(context.Background(), "hi")

	if got := sink.recv(t); got != "(No response)" {
		t.Fatalf("reply = %q", got)
	}
	// The placeholder is not recorded as an assistant turn.
	if snap := s.Snapshot(); snap.History != 1 {
		t.Errorf("History = %d, want 1", snap.History)
	}
}

func TestMaxToolRounds(t *testing.T) {
	t.Parallel()
	call := llm.Reply{ToolCalls: []llm.ToolCall{{ID: "c", Name: "get_time", Arguments: "{}"}}}
	backend := &scriptedLLM{script: []scriptStep{{reply: call}, {reply: call}, {reply: call}}}
	sink := newChanSink()
	s := newService(Config{MaxToolRounds: 2}, backend, &fakeTools{result: "t"}, &fakeLimiter{allow: 10}, sink)

	s.process(context.Background(), "loop forever")

	if got := sink.recv(t); got != "(Reached max tool iterations)" {
		t.Fatalf("reply = %q", got)
	}
	if backend.callCount() != 2 {
		t.Errorf("llm calls = %d, want 2", backend.callCount())
	}
}

func TestRateLimitDenial(t *testing.T) {
	t.Parallel()
	backend := &scriptedLLM{}
	reason := "Rate limited: 10/10 requests this hour. Try again later."
	sink := newChanSink()
	s := newService(Config{}, backend, &fakeTools{}, &fakeLimiter{allow: 0, reason: reason}, sink)

	s.process(context.Background(), "hi")

	if got := sink.recv(t); got != reason {
		t.Fatalf("reply = %q", got)
	}
	if backend.callCount() != 0 {
		t.Errorf("llm called %d times despite denial", backend.callCount())
	}
}

func TestLLMFailure(t *testing.T) {
	t.Parallel()
	backend := &scriptedLLM{script: []scriptStep{{err: errors.New("connection refused")}}}
	limits := &fakeLimiter{allow: 10}
	sink := newChanSink()
	s := newService(Config{}, backend, &fakeTools{}, limits, sink)

	s.process(context.Background(), "hi")

	if got := sink.recv(t); got != "Error: Failed to contact LLM API after retries" {
		t.Fatalf("reply = %q", got)
	}
	if limits.recorded() != 0 {
		t.Errorf("failed request was recorded against the limit")
	}
}

func TestSystemPromptCarriesPersona(t *testing.T) {
	t.Parallel()
	backend := &scriptedLLM{script: []scriptStep{{reply: llm.Reply{Text: "ok"}}}}
	sink := newChanSink()
	s := newService(Config{}, backend, &fakeTools{}, &fakeLimiter{allow: 10}, sink)

	s.process(context.Background(), "hi")
	sink.recv(t)

	if len(backend.systems) != 1 {
		t.Fatalf("systems = %v", backend.systems)
	}
	for _, want := range []string{"zclaw", "plain text", "create_tool"} {
		if !strings.Contains(backend.systems[0], want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if backend.tools[0] != 1 {
		t.Errorf("tool specs sent = %d, want 1", backend.tools[0])
	}
}

func TestHistoryEviction(t *testing.T) {
	t.Parallel()
	backend := &scriptedLLM{script: []scriptStep{
		{reply: llm.Reply{Text: "r1"}}, {reply: llm.Reply{Text: "r2"}},
		{reply: llm.Reply{Text: "r3"}}, {reply: llm.Reply{Text: "r4"}},
	}}
	sink := newChanSink()
	s := newService(Config{HistoryPairs: 2}, backend, &fakeTools{}, &fakeLimiter{allow: 10}, sink)

	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		s.process(ctx, fmt.Sprintf("m%d", i))
		sink.recv(t)
	}

	hist := s.snapshotHistory()
	if len(hist) != 4 {
		t.Fatalf("history len = %d, want 4: %+v", len(hist), hist)
	}
	if hist[0].Role != llm.RoleUser || hist[0].Content != "m3" {
		t.Fatalf("head = %+v, want user m3", hist[0])
	}
	if hist[3].Role != llm.RoleAssistant || hist[3].Content != "r4" {
		t.Fatalf("tail = %+v, want assistant r4", hist[3])
	}
}

func TestHistoryHeadStaysOnUserTurn(t *testing.T) {
	t.Parallel()
	s := newService(Config{HistoryPairs: 2}, &scriptedLLM{}, &fakeTools{}, &fakeLimiter{}, nil)

	s.append(llm.Message{Role: llm.RoleUser, Content: "u1"})
	s.append(llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_time"}}})
	s.append(llm.Message{Role: llm.RoleTool, ToolCallID: "c1", Content: "t1"})
	s.append(llm.Message{Role: llm.RoleUser, Content: "u2"})
	s.append(llm.Message{Role: llm.RoleAssistant, Content: "a2"})

	hist := s.snapshotHistory()
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2: %+v", len(hist), hist)
	}
	if hist[0].Content != "u2" || hist[1].Content != "a2" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestInboxBoundedDrop(t *testing.T) {
	t.Parallel()
	s := newService(Config{}, &scriptedLLM{}, &fakeTools{}, &fakeLimiter{}, nil)

	for i := 0; i < inboxCap; i++ {
		if !s.TrySend("m", 0) {
			t.Fatalf("send %d rejected below capacity", i)
		}
	}
	if s.TrySend("overflow", 10*time.Millisecond) {
		t.Fatal("send past capacity accepted")
	}
	snap := s.Snapshot()
	if snap.Dropped != 1 || snap.InboxDepth != inboxCap {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStartDrainsInbox(t *testing.T) {
	t.Parallel()
	backend := &scriptedLLM{script: []scriptStep{{reply: llm.Reply{Text: "done"}}}}
	sink := newChanSink()
	s := newService(Config{}, backend, &fakeTools{}, &fakeLimiter{allow: 10}, sink)

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	if !s.TrySend("[CRON 3] water the plants", time.Second) {
		t.Fatal("send rejected")
	}
	if got := sink.recv(t); got != "done" {
		t.Fatalf("reply = %q", got)
	}
	if hist := backend.history[0]; hist[len(hist)-1].Content != "[CRON 3] water the plants" {
		t.Fatalf("request history = %+v", hist)
	}
}

func TestApplyUpdatesLimits(t *testing.T) {
	t.Parallel()
	call := llm.Reply{ToolCalls: []llm.ToolCall{{ID: "c", Name: "get_time", Arguments: "{}"}}}
	backend := &scriptedLLM{script: []scriptStep{{reply: call}, {reply: call}}}
	sink := newChanSink()
	s := newService(Config{MaxToolRounds: 5}, backend, &fakeTools{result: "t"}, &fakeLimiter{allow: 10}, sink)

	s.Apply(Config{MaxToolRounds: 1})
	s.process(context.Background(), "hi")

	if got := sink.recv(t); got != "(Reached max tool iterations)" {
		t.Fatalf("reply = %q", got)
	}
	if backend.callCount() != 1 {
		t.Errorf("llm calls = %d, want 1", backend.callCount())
	}
}
