// Package agent runs the conversation loop: one consumer goroutine drains
// a bounded inbox, drives the LLM tool-call rounds against the registry,
// and hands finished replies to the outbound sink. Cron-fired actions
// enter the same inbox as chat messages.
package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"zclaw/internal/eventbus"
	"zclaw/internal/llm"
	logx "zclaw/pkg/logx"
)

const (
	inboxCap = 8

	defaultHistoryPairs  = 12
	defaultMaxToolRounds = 5

	// replyWait bounds the sink handoff for one finished reply.
	replyWait = 1000 * time.Millisecond
)

// systemPrompt is the compiled-in persona. Keep it terse: every request
// carries it.
const systemPrompt = "You are zclaw, an AI agent running on a small always-on network controller. " +
	"You run on the device itself, not as a separate cloud session. " +
	"You can create and run custom tools, store persistent memories, and set schedules. " +
	"Be concise. Return plain text only. Do not use markdown, code fences, bullet lists, " +
	"backticks, bold, italics, or headings. " +
	"Use your tools to remember things, automate tasks, and check device status. " +
	"When asked what is currently saved or scheduled on the device, use tools to verify " +
	"instead of guessing. " +
	"Users can create custom tools with create_tool. When you call a custom tool, " +
	"you'll receive an action to execute - carry it out using your built-in tools."

type Config struct {
	// HistoryPairs caps retained conversation turns in user+assistant
	// pairs. Overflow drops the two oldest messages.
	HistoryPairs int

	// MaxToolRounds caps LLM rounds per inbox message.
	MaxToolRounds int
}

func (c Config) withDefaults() Config {
	if c.HistoryPairs <= 0 {
		c.HistoryPairs = defaultHistoryPairs
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = defaultMaxToolRounds
	}
	return c
}

// LLM is the completion backend the loop talks to.
type LLM interface {
	Chat(ctx context.Context, system string, msgs []llm.Message, tools []llm.ToolSpec) (llm.Reply, error)
}

// Tools is the callable surface offered to the model.
type Tools interface {
	Specs() []llm.ToolSpec
	Execute(ctx context.Context, name, argsJSON string) string
}

// Limiter gates LLM spend. Allow runs before every request; Record counts
// each one that went out.
type Limiter interface {
	Allow(ctx context.Context) (bool, string)
	Record(ctx context.Context)
}

// Sink receives finished replies with a bounded wait.
type Sink interface {
	TrySend(msg string, timeout time.Duration) bool
}

// Service owns the inbox and the conversation history.
type Service struct {
	log     logx.Logger
	backend LLM
	tools   Tools
	limits  Limiter
	reply   Sink
	bus     eventbus.Bus

	cfgMu sync.RWMutex
	cfg   Config

	inbox chan string

	histMu  sync.Mutex
	history []llm.Message

	processed atomic.Uint64
	dropped   atomic.Uint64
	toolCalls atomic.Uint64

	mu       sync.Mutex // guards loop lifecycle below
	stopCh   chan struct{}
	stopDone chan struct{}
}

type Snapshot struct {
	Processed  uint64
	Dropped    uint64
	ToolCalls  uint64
	InboxDepth int
	History    int
}

func New(cfg Config, backend LLM, tools Tools, limits Limiter, reply Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		backend: backend,
		tools:   tools,
		limits:  limits,
		reply:   reply,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		inbox:   make(chan string, inboxCap),
	}
}

// Apply updates the loop limits. Safe while the loop runs; the next message
// sees the new values.
func (s *Service) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg.withDefaults()
	s.cfgMu.Unlock()
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// TrySend queues one inbound message with a bounded wait. Both the chat
// bridge and the cron scheduler produce through this; a false return means
// the inbox stayed full for the whole timeout and the message was dropped.
func (s *Service) TrySend(msg string, timeout time.Duration) bool {
	select {
	case s.inbox <- msg:
		return true
	default:
	}
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case s.inbox <- msg:
			return true
		case <-t.C:
		}
	}
	s.dropped.Add(1)
	s.log.Warn("agent inbox full, message dropped", logx.Int("bytes", len(msg)))
	return false
}

// Start launches the consumer loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh, stopDone := s.stopCh, s.stopDone
	s.mu.Unlock()

	go s.run(ctx, stopCh, stopDone)
	s.log.Info("agent loop started")
}

// Stop halts the loop, waiting for an in-flight message up to the context
// deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh, stopDone := s.stopCh, s.stopDone
	s.stopCh, s.stopDone = nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-stopDone:
	case <-ctx.Done():
		s.log.Warn("agent stop timed out")
	}
}

func (s *Service) run(ctx context.Context, stopCh, stopDone chan struct{}) {
	defer close(stopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case msg := <-s.inbox:
			s.process(ctx, msg)
		}
	}
}

// process drives one inbox message to a reply: rate-limit gate, LLM round,
// tool execution, repeat until the model answers in plain text or the round
// budget runs out.
func (s *Service) process(ctx context.Context, userMsg string) {
	s.processed.Add(1)
	s.log.Info("processing message", logx.Int("bytes", len(userMsg)))
	s.append(llm.Message{Role: llm.RoleUser, Content: userMsg})

	cfg := s.config()
	for round := 1; round <= cfg.MaxToolRounds; round++ {
		if ok, reason := s.limits.Allow(ctx); !ok {
			s.deliver(reason)
			return
		}

		reply, err := s.backend.Chat(ctx, systemPrompt, s.snapshotHistory(), s.tools.Specs())
		if err != nil {
			s.log.Error("llm request failed", logx.Err(err))
			s.deliver("Error: Failed to contact LLM API after retries")
			return
		}
		s.limits.Record(ctx)

		if len(reply.ToolCalls) > 0 {
			s.append(llm.Message{Role: llm.RoleAssistant, Content: reply.Text, ToolCalls: reply.ToolCalls})
			for _, tc := range reply.ToolCalls {
				s.toolCalls.Add(1)
				s.log.Info("tool call", logx.String("tool", tc.Name), logx.Int("round", round))
				s.publish(eventbus.EventAgentToolCall, map[string]any{"tool": tc.Name})
				result := s.tools.Execute(ctx, tc.Name, tc.Arguments)
				s.append(llm.Message{Role: llm.RoleTool, Content: result, ToolCallID: tc.ID})
			}
			continue
		}

		text := strings.TrimSpace(reply.Text)
		if text == "" {
			s.deliver("(No response)")
			return
		}
		s.append(llm.Message{Role: llm.RoleAssistant, Content: text})
		s.deliver(text)
		return
	}

	s.log.Warn("max tool rounds reached")
	s.deliver("(Reached max tool iterations)")
}

func (s *Service) deliver(text string) {
	s.publish(eventbus.EventAgentReply, map[string]any{"bytes": len(text)})
	if s.reply == nil {
		return
	}
	if !s.reply.TrySend(text, replyWait) {
		s.log.Error("reply sink full, response dropped")
	}
}

// append adds one turn to the history ring. Overflow drops the two oldest
// messages; the head is then trimmed to a plain user turn so no retained
// tool result references a dropped call.
func (s *Service) append(m llm.Message) {
	max := s.config().HistoryPairs * 2

	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, m)
	if len(s.history) <= max {
		return
	}
	drop := 2
	for drop < len(s.history) && s.history[drop].Role != llm.RoleUser {
		drop++
	}
	s.history = append([]llm.Message(nil), s.history[drop:]...)
}

func (s *Service) snapshotHistory() []llm.Message {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

func (s *Service) publish(typ string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (s *Service) Snapshot() Snapshot {
	s.histMu.Lock()
	hist := len(s.history)
	s.histMu.Unlock()
	return Snapshot{
		Processed:  s.processed.Load(),
		Dropped:    s.dropped.Load(),
		ToolCalls:  s.toolCalls.Load(),
		InboxDepth: len(s.inbox),
		History:    hist,
	}
}
