package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/aicore/internal/bus"
	"github.com/stellarlinkco/aicore/internal/channel"
	"github.com/stellarlinkco/aicore/internal/config"
	"github.com/stellarlinkco/aicore/internal/cron"
	"github.com/stellarlinkco/aicore/internal/entity"
	"github.com/stellarlinkco/aicore/internal/llm"
	"github.com/stellarlinkco/aicore/internal/memory"
	"github.com/stellarlinkco/aicore/internal/orchestrator"
	"github.com/stellarlinkco/aicore/internal/session"
	"github.com/stellarlinkco/aicore/internal/store"
	"github.com/stellarlinkco/aicore/internal/tool"
)

const defaultSweepFloor = 0.05

// sharedMemoryID keys the knowledge store visible to every session.
const sharedMemoryID = "shared"

func agentMemoryID(uid string) string { return "agent:" + uid }

// Options for creating a Gateway
type Options struct {
	Client     llm.Client     // injected model client (for testing)
	SignalChan chan os.Signal // for testing signal handling
}

// sessionRuntime bundles what one conversation needs beyond the session
// itself: its memory store and the orchestrator bound to its tool set.
type sessionRuntime struct {
	mem   *memory.Store
	tools *tool.Registry
	orch  *orchestrator.Orchestrator
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	client   llm.Client
	channels *channel.ChannelManager
	cron     *cron.Service
	db       *store.Store
	sessions *session.Manager
	embedder memory.Embedder

	mu       sync.Mutex
	runtimes map[string]*sessionRuntime
	memories map[string]*memory.Store

	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		runtimes:   make(map[string]*sessionRuntime),
		memories:   make(map[string]*memory.Store),
		signalChan: opts.SignalChan,
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	g.client = opts.Client
	if g.client == nil {
		g.client = llm.NewOpenAIClient(
			cfg.Provider.BaseURL,
			cfg.Provider.APIKey,
			cfg.Agent.Model,
			cfg.Agent.MaxTokens,
			cfg.Agent.Temperature,
			time.Duration(cfg.Provider.TimeoutMs)*time.Millisecond,
		)
	}

	db, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	g.db = db

	if cfg.Memory.Embedding.Enabled {
		baseURL := cfg.Provider.BaseURL
		apiKey := cfg.Provider.APIKey
		if cfg.Memory.Provider != nil {
			if cfg.Memory.Provider.BaseURL != "" {
				baseURL = cfg.Memory.Provider.BaseURL
			}
			if cfg.Memory.Provider.APIKey != "" {
				apiKey = cfg.Memory.Provider.APIKey
			}
		}
		embeddingModel := strings.TrimSpace(cfg.Memory.Embedding.Model)
		if embeddingModel == "" {
			embeddingModel = strings.TrimSpace(cfg.Memory.Model)
		}
		timeout := time.Duration(cfg.Memory.Embedding.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = time.Duration(cfg.Provider.TimeoutMs) * time.Millisecond
		}
		g.embedder = memory.NewEmbedder(baseURL, apiKey, embeddingModel, timeout)
	}

	g.sessions = session.NewManager(g.sessionFactory)

	// Cron: user reminders plus internal maintenance.
	cronStorePath := filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	g.cron = cron.NewService(cronStorePath)
	g.cron.OnJob = g.deliverReminder
	g.cron.AddInternal("flush", "0 */5 * * * *", g.flushAll)
	g.cron.AddInternal("sweep", "0 0 4 * * *", g.sweepAll)

	chMgr, err := channel.NewChannelManager(cfg.Channels, cfg.Gateway, g.bus)
	if err != nil {
		_ = g.db.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// sessionFactory builds the context buffer and rate bucket for one new
// session. The session id is "<channel>:<chatID>".
func (g *Gateway) sessionFactory(id string, isGroup bool) (*session.Context, *session.TokenBucket) {
	ctx := session.NewContext(session.ContextConfig{
		MaxRounds:        g.cfg.Context.MaxRounds,
		CompressEnabled:  g.cfg.Context.CompressEnabled,
		CompressSize:     g.cfg.Context.CompressSize,
		SummaryThreshold: g.cfg.Context.SummaryThreshold,
		Ignore:           g.cfg.Context.Ignore,
	})
	ctx.Summarizer = &summarizerAdapter{client: g.client}
	ctx.Reinforce = func(text, role, senderID string) {
		g.reinforce(ctx, id, isGroup, text, role, senderID)
	}
	ctx.OnShort = func(summary string) {
		g.runtimeFor(id).mem.AddShort(summary)
	}
	ctx.ResolveName = g.nameResolver(id, isGroup)

	bucket := session.NewTokenBucket(g.cfg.RateLimit.BucketCap, g.cfg.RateLimit.RefillPerMin)
	return ctx, bucket
}

// summarizerAdapter bridges the llm client to the context summarizer hook.
type summarizerAdapter struct {
	client llm.Client
}

func (a *summarizerAdapter) Summarize(ctx context.Context, msgs []session.Message) (string, error) {
	wire := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, llm.Message{Role: m.Role, Content: m.Content})
	}
	return a.client.Summarize(ctx, wire)
}

func (g *Gateway) nameResolver(id string, isGroup bool) func(string) (string, bool) {
	channelName, chatID, ok := strings.Cut(id, ":")
	if !ok || !isGroup || channelName != "telegram" {
		return nil
	}
	return func(senderID string) (string, bool) {
		ch, ok := g.channels.Get("telegram")
		if !ok {
			return "", false
		}
		tg, ok := ch.(*channel.TelegramChannel)
		if !ok {
			return "", false
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		party, err := tg.Directory().GetMemberInfo(ctx, chatID, senderID)
		if err != nil {
			return "", false
		}
		return party.Name, true
	}
}

// sessionFor returns the live session for an inbound message, restoring
// persisted state on first touch.
func (g *Gateway) sessionFor(msg *bus.InboundMessage) *session.Session {
	id := msg.SessionKey()
	if sess, ok := g.sessions.Peek(id); ok {
		return sess
	}

	sess := g.sessions.Get(id, msg.Channel, msg.ChatID, msg.IsGroup)

	var snap session.Snapshot
	found, err := g.db.LoadSession(id, &snap)
	if err != nil {
		log.Printf("[gateway] load session %s: %v", id, err)
	} else if found {
		sess.Lock()
		if err := sess.Restore(snap); err != nil {
			log.Printf("[gateway] restore session %s: %v", id, err)
		}
		sess.Unlock()
	}

	g.runtimeFor(id)
	return sess
}

// reinforce bumps matching units in every memory layer that could
// reference the text: the session's own store, the agent's store, the
// shared store, and for group chats each known member's personal store.
func (g *Gateway) reinforce(buf *session.Context, id string, isGroup bool, text, role, senderID string) {
	g.memoryFor(id).UpdateWeight(text, role)
	g.memoryFor(agentMemoryID(g.cfg.Agent.UID)).UpdateWeight(text, role)
	g.memoryFor(sharedMemoryID).UpdateWeight(text, role)

	if !isGroup {
		return
	}
	channelName, _, _ := strings.Cut(id, ":")
	members := map[string]struct{}{}
	if senderID != "" {
		members[senderID] = struct{}{}
	}
	for _, s := range buf.Senders() {
		members[s[0]] = struct{}{}
	}
	delete(members, g.cfg.Agent.UID)
	for member := range members {
		g.memoryFor(channelName + ":" + member).UpdateWeight(text, role)
	}
}

// memoryFor returns the store behind one memory layer id, creating it
// and restoring its persisted snapshot on first use. Session stores and
// the agent/shared/member layers all live in the same map; a member's
// personal layer shares the store of their direct-chat session.
func (g *Gateway) memoryFor(id string) *memory.Store {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memoryForLocked(id)
}

func (g *Gateway) memoryForLocked(id string) *memory.Store {
	if m, ok := g.memories[id]; ok {
		return m
	}

	var memOpts []memory.Option
	if g.embedder != nil {
		memOpts = append(memOpts, memory.WithEmbedder(g.embedder, g.cfg.Memory.Embedding.Dimension))
	}
	m := memory.NewStore(id, g.cfg.Memory.Limit, g.cfg.Memory.WeightCap, g.cfg.Memory.ShortLimit, memOpts...)
	g.memories[id] = m

	var snap memory.Snapshot
	found, err := g.db.LoadMemory(id, &snap)
	if err != nil {
		log.Printf("[gateway] load memory %s: %v", id, err)
	} else if found {
		if err := m.Restore(snap); err != nil {
			log.Printf("[gateway] restore memory %s: %v", id, err)
		}
	}
	// The config knob wins over whatever the snapshot recorded.
	m.SetShortEnabled(g.cfg.Memory.ShortEnabled)
	return m
}

// runtimeFor returns the memory store and orchestrator of one session,
// creating them on first use.
func (g *Gateway) runtimeFor(id string) *sessionRuntime {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rt, ok := g.runtimes[id]; ok {
		return rt
	}

	mem := g.memoryForLocked(id)

	registry := tool.NewRegistry()
	if err := tool.RegisterMemoryTools(registry, mem); err != nil {
		log.Printf("[gateway] register memory tools for %s: %v", id, err)
	}
	if err := g.registerReminderTool(registry, id); err != nil {
		log.Printf("[gateway] register reminder tool for %s: %v", id, err)
	}

	orch := orchestrator.New(g.cfg.Orchestrator, g.cfg.Agent.Name, g.cfg.Agent.UID, g.client, registry)
	orch.TopK = g.cfg.Memory.TopK
	orch.Memory = func(*session.Session) *memory.Store { return mem }
	orch.Emit = func(msg bus.OutboundMessage) { g.bus.Outbound <- msg }
	orch.Persist = g.persistSession

	rt := &sessionRuntime{mem: mem, tools: registry, orch: orch}
	g.runtimes[id] = rt

	g.wireImageFinder(id, mem)
	return rt
}

// wireImageFinder attaches the entity resolver once the session exists so
// the resolver can scan the conversation buffer.
func (g *Gateway) wireImageFinder(id string, mem *memory.Store) {
	sess, ok := g.sessions.Peek(id)
	if !ok {
		return
	}
	resolver := &entity.Resolver{
		SessionID:   sess.ChatID,
		SessionName: sess.Name,
		GroupID:     sess.ChatID,
		IsGroup:     sess.IsGroup,
		Buffer:      sess.Context,
		Ignore:      sess.Context.EntityIgnored,
		Assets:      g.cfg.Memory.LocalImages,
	}
	if sess.IsGroup {
		resolver.Dir = g.directoryFor(sess.Channel)
	}
	if tg := g.telegramChannel(sess.Channel); tg != nil {
		resolver.AvatarURL = tg.AvatarRef
	}
	resolver.PartyImages = func(partyID string) (entity.ImageSource, bool) {
		g.mu.Lock()
		defer g.mu.Unlock()
		for mid, m := range g.memories {
			if strings.HasSuffix(mid, ":"+partyID) {
				return m, true
			}
		}
		return nil, false
	}
	mem.SetImageFinder(resolver)
}

func (g *Gateway) directoryFor(channelName string) entity.Directory {
	tg := g.telegramChannel(channelName)
	if tg == nil {
		return nil
	}
	return tg.Directory()
}

func (g *Gateway) telegramChannel(channelName string) *channel.TelegramChannel {
	ch, ok := g.channels.Get(channelName)
	if !ok {
		return nil
	}
	tg, ok := ch.(*channel.TelegramChannel)
	if !ok {
		return nil
	}
	return tg
}

// registerReminderTool lets the model schedule one-shot reminders for the
// session's chat through the cron service.
func (g *Gateway) registerReminderTool(r *tool.Registry, id string) error {
	channelName, chatID, _ := strings.Cut(id, ":")
	return r.Register(tool.Definition{
		Name:        "set_reminder",
		Description: "Schedule a reminder message delivered to this chat after a delay in minutes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":    map[string]any{"type": "string", "description": "the reminder text"},
				"minutes": map[string]any{"type": "number", "description": "delay in minutes"},
			},
			"required": []string{"text", "minutes"},
		},
		Required: []string{"text", "minutes"},
		Handler: func(ctx context.Context, args map[string]any) (tool.Result, error) {
			text, _ := args["text"].(string)
			minutes, ok := args["minutes"].(float64)
			if !ok || minutes <= 0 {
				return tool.Result{}, fmt.Errorf("minutes must be a positive number")
			}
			atMs := time.Now().Add(time.Duration(minutes) * time.Minute).UnixMilli()
			added, err := g.cron.AddJob("reminder", cron.Schedule{Kind: cron.KindAt, AtMs: atMs}, cron.Payload{
				Message: text,
				Channel: channelName,
				ChatID:  chatID,
			})
			if err != nil {
				return tool.Result{}, fmt.Errorf("schedule reminder: %w", err)
			}
			g.cron.SetDeleteAfterRun(added.ID, true)
			return tool.Result{Content: fmt.Sprintf("reminder set for %d minute(s) from now", int(minutes))}, nil
		},
	})
}

// deliverReminder pushes a fired reminder job straight to its chat.
func (g *Gateway) deliverReminder(job cron.CronJob) (string, error) {
	if job.Payload.Channel == "" || job.Payload.ChatID == "" {
		return "", fmt.Errorf("reminder job %s has no target chat", job.ID)
	}
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: job.Payload.Channel,
		ChatID:  job.Payload.ChatID,
		Content: job.Payload.Message,
	}
	return "delivered", nil
}

func (g *Gateway) persistSession(sess *session.Session) {
	sess.Lock()
	snap := sess.Snapshot()
	sess.Unlock()
	if err := g.db.SaveSession(sess.ID, snap); err != nil {
		log.Printf("[gateway] save session %s: %v", sess.ID, err)
	}

	g.mu.Lock()
	rt, ok := g.runtimes[sess.ID]
	g.mu.Unlock()
	if !ok {
		return
	}
	if err := g.db.SaveMemory(sess.ID, rt.mem.Snapshot()); err != nil {
		log.Printf("[gateway] save memory %s: %v", sess.ID, err)
	}
}

// flushAll snapshots every live session and memory layer to the store.
func (g *Gateway) flushAll() {
	for _, sess := range g.sessions.All() {
		g.persistSession(sess)
	}
	for id, m := range g.liveMemories() {
		if err := g.db.SaveMemory(id, m.Snapshot()); err != nil {
			log.Printf("[gateway] save memory %s: %v", id, err)
		}
	}
	log.Printf("[gateway] flushed %d sessions", g.sessions.Len())
}

// sweepAll drops fully decayed memory units across all layers.
func (g *Gateway) sweepAll() {
	floor := g.cfg.Memory.SweepFloor
	if floor <= 0 {
		floor = defaultSweepFloor
	}
	total := 0
	for _, m := range g.liveMemories() {
		total += m.Sweep(floor)
	}
	if total > 0 {
		log.Printf("[gateway] swept %d decayed memory units", total)
	}
}

func (g *Gateway) liveMemories() map[string]*memory.Store {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]*memory.Store, len(g.memories))
	for id, m := range g.memories {
		out[id] = m
	}
	return out
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	sess := g.sessionFor(&msg)
	rt := g.runtimeFor(sess.ID)

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	renamed := false
	if name := sessionDisplayName(&msg); name != "" && name != sess.Name {
		sess.Name = name
		renamed = true
	}

	sess.Lock()
	sess.Context.AddMessage(ctx, session.Message{
		Role:       session.RoleUser,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		Images:     msg.Images,
		MsgID:      msg.MsgID,
		Time:       ts.Unix(),
	})
	sess.Unlock()

	if renamed {
		g.wireImageFinder(sess.ID, rt.mem)
	}

	if g.cfg.Orchestrator.Stream {
		rt.orch.ChatStream(ctx, sess, "inbound message")
	} else {
		rt.orch.Chat(ctx, sess, "inbound message", "")
	}
}

// sessionDisplayName derives the session name from traffic: the peer's
// name for direct chats, the chat title for groups.
func sessionDisplayName(msg *bus.InboundMessage) string {
	if msg.IsGroup {
		title, _ := msg.Metadata["chat_title"].(string)
		return strings.TrimSpace(title)
	}
	return strings.TrimSpace(msg.SenderName)
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	g.flushAll()
	_ = g.channels.StopAll()
	if g.db != nil {
		if err := g.db.Close(); err != nil {
			log.Printf("[gateway] close session store warning: %v", err)
		}
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
