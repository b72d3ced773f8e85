// Package bridge connects the chat transport to the agent: inbound
// messages from allowed chats feed the agent inbox, agent replies drain
// through a bounded outbound queue paced for Telegram's send limits.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	kit "zclaw/internal/transport"
	logx "zclaw/pkg/logx"
)

const (
	inboxCap  = 64
	outCap    = 4
	agentWait = 500 * time.Millisecond

	// Telegram allows roughly one message per second per chat.
	sendRate  = rate.Limit(1)
	sendBurst = 3
)

type Config struct {
	AllowedChatIDs []int64
}

// Agent is the inbound consumer (the conversation loop).
type Agent interface {
	TrySend(msg string, wait time.Duration) bool
}

// Sender delivers outbound text; satisfied by a transport adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Service struct {
	log    logx.Logger
	agent  Agent
	sender Sender

	cfgMu   sync.RWMutex
	allowed map[int64]struct{}

	inbox   chan kit.Message
	outq    chan string
	limiter *rate.Limiter

	// target is the chat replies go to: the last accepted inbound chat,
	// seeded from the first allowed chat so cron fires reach someone
	// before the first human message arrives.
	target atomic.Int64

	accepted   atomic.Uint64
	rejected   atomic.Uint64
	agentBusy  atomic.Uint64
	outDropped atomic.Uint64
	sent       atomic.Uint64
	sendErrs   atomic.Uint64

	mu        sync.Mutex
	running   bool
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, agent Agent, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "bridge")),
		agent:   agent,
		sender:  sender,
		inbox:   make(chan kit.Message, inboxCap),
		outq:    make(chan string, outCap),
		limiter: rate.NewLimiter(sendRate, sendBurst),
	}
	s.setAllowed(cfg.AllowedChatIDs)
	return s
}

func (s *Service) setAllowed(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id != 0 {
			m[id] = struct{}{}
		}
	}
	s.cfgMu.Lock()
	s.allowed = m
	s.cfgMu.Unlock()
	if s.target.Load() == 0 && len(ids) > 0 {
		s.target.Store(ids[0])
	}
}

// Apply swaps the chat allowlist at runtime.
func (s *Service) Apply(cfg Config) {
	s.setAllowed(cfg.AllowedChatIDs)
}

// Inbox is the channel the transport adapter writes inbound messages to.
func (s *Service) Inbox() chan<- kit.Message { return s.inbox }

// TrySend enqueues an outbound reply. It satisfies the agent's reply sink:
// a full queue waits up to the given duration, then drops.
func (s *Service) TrySend(msg string, wait time.Duration) bool {
	select {
	case s.outq <- msg:
		return true
	default:
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case s.outq <- msg:
			return true
		case <-t.C:
		}
	}
	s.outDropped.Add(1)
	s.log.Warn("outbound queue full, reply dropped")
	return false
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	s.cfgMu.RLock()
	n := len(s.allowed)
	s.cfgMu.RUnlock()
	if n == 0 {
		s.log.Warn("no allowed chats configured, all inbound messages will be rejected")
	}

	s.wg.Add(2)
	go s.dispatchLoop(runCtx)
	go s.sendLoop(runCtx)
	s.log.Info("bridge started", logx.Int("allowed_chats", n))
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("bridge stopped")
}

func (s *Service) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.inbox:
			s.handleInbound(m)
		}
	}
}

func (s *Service) handleInbound(m kit.Message) {
	if m.Text == "" {
		return
	}
	if !s.chatAllowed(m.ChatID) {
		s.rejected.Add(1)
		s.log.Debug("message from disallowed chat rejected",
			logx.Int64("chat_id", m.ChatID), logx.String("from", m.FromUsername))
		return
	}
	s.accepted.Add(1)
	s.target.Store(m.ChatID)
	if !s.agent.TrySend(m.Text, agentWait) {
		s.agentBusy.Add(1)
		s.log.Warn("agent inbox full, message dropped", logx.Int64("chat_id", m.ChatID))
	}
}

func (s *Service) chatAllowed(id int64) bool {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	_, ok := s.allowed[id]
	return ok
}

func (s *Service) sendLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.outq:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			to := s.target.Load()
			if to == 0 {
				s.log.Warn("no reply target, outbound message discarded")
				continue
			}
			if _, err := s.sender.SendText(ctx, kit.ChatTarget{ChatID: to}, msg, nil); err != nil {
				s.sendErrs.Add(1)
				s.log.Error("send failed", logx.Int64("chat_id", to), logx.Err(err))
				continue
			}
			s.sent.Add(1)
		}
	}
}

type Snapshot struct {
	Accepted   uint64 `json:"accepted"`
	Rejected   uint64 `json:"rejected"`
	AgentBusy  uint64 `json:"agent_busy"`
	OutDropped uint64 `json:"out_dropped"`
	Sent       uint64 `json:"sent"`
	SendErrors uint64 `json:"send_errors"`
	OutDepth   int    `json:"out_depth"`
}

func (s *Service) Snapshot() Snapshot {
	return Snapshot{
		Accepted:   s.accepted.Load(),
		Rejected:   s.rejected.Load(),
		AgentBusy:  s.agentBusy.Load(),
		OutDropped: s.outDropped.Load(),
		Sent:       s.sent.Load(),
		SendErrors: s.sendErrs.Load(),
		OutDepth:   len(s.outq),
	}
}
