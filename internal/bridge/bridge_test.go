package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	kit "zclaw/internal/transport"
	logx "zclaw/pkg/logx"
)

type fakeAgent struct {
	accept bool
	ch     chan string
}

func newFakeAgent(accept bool) *fakeAgent {
	return &fakeAgent{accept: accept, ch: make(chan string, 16)}
}

func (a *fakeAgent) TrySend(msg string, wait time.Duration) bool {
	a.ch <- msg
	return a.accept
}

type sentItem struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	err error
	ch  chan sentItem
}

func newFakeSender(err error) *fakeSender {
	return &fakeSender{err: err, ch: make(chan sentItem, 16)}
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.ch <- sentItem{to: to, text: text}
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel")
		panic("unreachable")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInboundAllowedReachesAgent(t *testing.T) {
	t.Parallel()
	agent := newFakeAgent(true)
	s := New(Config{AllowedChatIDs: []int64{42}}, agent, newFakeSender(nil), logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	s.Inbox() <- kit.Message{ChatID: 42, Text: "hello"}
	if got := recv(t, agent.ch); got != "hello" {
		t.Fatalf("agent got %q, want hello", got)
	}
	snap := s.Snapshot()
	if snap.Accepted != 1 || snap.Rejected != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestInboundDisallowedRejected(t *testing.T) {
	t.Parallel()
	agent := newFakeAgent(true)
	s := New(Config{AllowedChatIDs: []int64{42}}, agent, newFakeSender(nil), logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	s.Inbox() <- kit.Message{ChatID: 99, Text: "intruder"}
	// A later allowed message proves the rejected one was processed first.
	s.Inbox() <- kit.Message{ChatID: 42, Text: "ok"}
	recv(t, agent.ch)

	snap := s.Snapshot()
	if snap.Rejected != 1 || snap.Accepted != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestEmptyAllowlistRejectsAll(t *testing.T) {
	t.Parallel()
	agent := newFakeAgent(true)
	s := New(Config{}, agent, newFakeSender(nil), logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	s.Inbox() <- kit.Message{ChatID: 42, Text: "anyone home"}
	waitFor(t, func() bool { return s.Snapshot().Rejected == 1 })
	select {
	case msg := <-agent.ch:
		t.Fatalf("agent got %q, want nothing", msg)
	default:
	}
}

func TestEmptyTextIgnored(t *testing.T) {
	t.Parallel()
	agent := newFakeAgent(true)
	s := New(Config{AllowedChatIDs: []int64{42}}, agent, newFakeSender(nil), logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	s.Inbox() <- kit.Message{ChatID: 42, Text: ""}
	s.Inbox() <- kit.Message{ChatID: 42, Text: "real"}
	if got := recv(t, agent.ch); got != "real" {
		t.Fatalf("agent got %q, want real", got)
	}
	if snap := s.Snapshot(); snap.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", snap.Accepted)
	}
}

func TestAgentBusyCounted(t *testing.T) {
	t.Parallel()
	agent := newFakeAgent(false)
	s := New(Config{AllowedChatIDs: []int64{42}}, agent, newFakeSender(nil), logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	s.Inbox() <- kit.Message{ChatID: 42, Text: "busy?"}
	recv(t, agent.ch)
	waitFor(t, func() bool { return s.Snapshot().AgentBusy == 1 })
}

func TestReplyGoesToLastAcceptedChat(t *testing.T) {
	t.Parallel()
	agent := newFakeAgent(true)
	sender := newFakeSender(nil)
	s := New(Config{AllowedChatIDs: []int64{42, 77}}, agent, sender, logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	s.Inbox() <- kit.Message{ChatID: 42, Text: "one"}
	recv(t, agent.ch)
	s.Inbox() <- kit.Message{ChatID: 77, Text: "two"}
	recv(t, agent.ch)

	if !s.TrySend("pong", time.Second) {
		t.Fatal("TrySend failed")
	}
	sent := recv(t, sender.ch)
	if sent.to.ChatID != 77 || sent.text != "pong" {
		t.Fatalf("sent = %+v, want chat 77 pong", sent)
	}
	waitFor(t, func() bool { return s.Snapshot().Sent == 1 })
}

func TestReplyTargetSeededFromAllowlist(t *testing.T) {
	t.Parallel()
	sender := newFakeSender(nil)
	s := New(Config{AllowedChatIDs: []int64{42}}, newFakeAgent(true), sender, logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	if !s.TrySend("scheduled reminder", time.Second) {
		t.Fatal("TrySend failed")
	}
	if sent := recv(t, sender.ch); sent.to.ChatID != 42 {
		t.Fatalf("sent to chat %d, want 42", sent.to.ChatID)
	}
}

func TestTrySendDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	// Not started: nothing drains the outbound queue.
	s := New(Config{AllowedChatIDs: []int64{42}}, newFakeAgent(true), newFakeSender(nil), logx.Nop())

	for i := 0; i < outCap; i++ {
		if !s.TrySend("msg", 0) {
			t.Fatalf("TrySend %d failed, want success", i)
		}
	}
	if s.TrySend("overflow", 10*time.Millisecond) {
		t.Fatal("TrySend succeeded on full queue")
	}
	if snap := s.Snapshot(); snap.OutDropped != 1 || snap.OutDepth != outCap {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSendErrorCounted(t *testing.T) {
	t.Parallel()
	sender := newFakeSender(errors.New("telegram: 502"))
	s := New(Config{AllowedChatIDs: []int64{42}}, newFakeAgent(true), sender, logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	s.TrySend("doomed", time.Second)
	recv(t, sender.ch)
	waitFor(t, func() bool { return s.Snapshot().SendErrors == 1 })
}

func TestApplySwapsAllowlist(t *testing.T) {
	t.Parallel()
	agent := newFakeAgent(true)
	s := New(Config{AllowedChatIDs: []int64{42}}, agent, newFakeSender(nil), logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	s.Apply(Config{AllowedChatIDs: []int64{99}})
	s.Inbox() <- kit.Message{ChatID: 42, Text: "old chat"}
	s.Inbox() <- kit.Message{ChatID: 99, Text: "new chat"}
	if got := recv(t, agent.ch); got != "new chat" {
		t.Fatalf("agent got %q, want new chat", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()
	s := New(Config{AllowedChatIDs: []int64{42}}, newFakeAgent(true), newFakeSender(nil), logx.Nop())
	s.Stop() // never started
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
