package channel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/aicore/internal/bus"
	"github.com/stellarlinkco/aicore/internal/config"
	"github.com/stellarlinkco/aicore/internal/entity"
)

const telegramChannelName = "telegram"

// tgPhotoScheme marks image refs that resolve back through the bot file
// API instead of a plain URL.
const tgPhotoScheme = "tgphoto://"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetUserProfilePhotos(config tgbotapi.UserProfilePhotosConfig) (tgbotapi.UserProfilePhotos, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	return w.bot.GetChatMember(config)
}

func (w *tgBotWrapper) GetUserProfilePhotos(config tgbotapi.UserProfilePhotosConfig) (tgbotapi.UserProfilePhotos, error) {
	return w.bot.GetUserProfilePhotos(config)
}

func (w *tgBotWrapper) GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	return w.bot.GetChat(config)
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

// defaultBotFactory creates real telegram bot
var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	httpClient *http.Client
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		httpClient:  http.DefaultClient,
		botFactory:  factory,
	}
	return ch, nil
}

func (t *TelegramChannel) initBot() error {
	var client *http.Client
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	} else {
		client = http.DefaultClient
	}
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}

	var images []string
	if len(msg.Photo) > 0 {
		// Largest size is last; keep the file id as a ref the bot can
		// resolve again on send.
		photo := msg.Photo[len(msg.Photo)-1]
		images = append(images, tgPhotoScheme+photo.FileID)
	}
	if msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/") {
		images = append(images, tgPhotoScheme+msg.Document.FileID)
	}

	if content == "" && len(images) == 0 {
		return
	}

	senderName := msg.From.FirstName
	if senderName == "" {
		senderName = msg.From.UserName
	}

	t.bus.Inbound <- bus.InboundMessage{
		Channel:    telegramChannelName,
		SenderID:   senderID,
		SenderName: senderName,
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		IsGroup:    msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
		MsgID:      strconv.Itoa(msg.MessageID),
		Content:    content,
		Timestamp:  time.Unix(int64(msg.Date), 0),
		Images:     images,
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
			"chat_title": msg.Chat.Title,
		},
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	if msg.Content != "" {
		if err := t.sendText(chatID, msg.Content); err != nil {
			return err
		}
	}

	for _, ref := range msg.Images {
		if err := t.sendImage(chatID, ref); err != nil {
			log.Printf("[telegram] send image %s failed: %v", ref, err)
		}
	}
	return nil
}

func (t *TelegramChannel) sendText(chatID int64, content string) error {
	raw := content
	content = toTelegramHTML(content)

	// Telegram has a 4096 char limit per message
	const maxLen = 4000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			// Try to split at last newline before maxLen
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		content = content[len(chunk):]

		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(tgMsg); err != nil {
			// Retry without HTML parse mode
			tgMsg.ParseMode = ""
			tgMsg.Text = raw
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
			return nil
		}
	}
	return nil
}

func (t *TelegramChannel) sendImage(chatID int64, ref string) error {
	var photo tgbotapi.PhotoConfig
	switch {
	case strings.HasPrefix(ref, tgPhotoScheme):
		photo = tgbotapi.NewPhoto(chatID, tgbotapi.FileID(strings.TrimPrefix(ref, tgPhotoScheme)))
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		photo = tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(ref))
	default:
		return fmt.Errorf("unsupported image ref %q", ref)
	}
	if _, err := t.bot.Send(photo); err != nil {
		return fmt.Errorf("send telegram photo: %w", err)
	}
	return nil
}

// AvatarRef fetches a user's profile photo or a group's chat photo and
// returns it as a ref the bot can resolve again on send.
func (t *TelegramChannel) AvatarRef(kind, id string) (string, bool) {
	if t.bot == nil {
		return "", false
	}
	nid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return "", false
	}

	if kind == "group" {
		chat, err := t.bot.GetChat(tgbotapi.ChatInfoConfig{
			ChatConfig: tgbotapi.ChatConfig{ChatID: nid},
		})
		if err != nil || chat.Photo == nil || chat.Photo.BigFileID == "" {
			return "", false
		}
		return tgPhotoScheme + chat.Photo.BigFileID, true
	}

	photos, err := t.bot.GetUserProfilePhotos(tgbotapi.NewUserProfilePhotos(nid))
	if err != nil || len(photos.Photos) == 0 || len(photos.Photos[0]) == 0 {
		return "", false
	}
	// Largest size is last.
	sizes := photos.Photos[0]
	return tgPhotoScheme + sizes[len(sizes)-1].FileID, true
}

// Directory exposes the bot member lookup for name resolution. Telegram
// offers no bulk member or contact listing, so only the single-member
// lookup is backed by the API.
func (t *TelegramChannel) Directory() entity.Directory {
	return &telegramDirectory{ch: t}
}

type telegramDirectory struct {
	ch *TelegramChannel
}

func (d *telegramDirectory) ListGroupMembers(ctx context.Context, groupID string) ([]entity.Party, error) {
	return nil, fmt.Errorf("telegram: member listing not supported")
}

func (d *telegramDirectory) ListFriends(ctx context.Context) ([]entity.Party, error) {
	return nil, fmt.Errorf("telegram: friend listing not supported")
}

func (d *telegramDirectory) GetMemberInfo(ctx context.Context, groupID, userID string) (entity.Party, error) {
	if d.ch.bot == nil {
		return entity.Party{}, fmt.Errorf("telegram bot not initialized")
	}
	gid, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return entity.Party{}, fmt.Errorf("invalid group id %q: %w", groupID, err)
	}
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return entity.Party{}, fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	member, err := d.ch.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: gid, UserID: uid},
	})
	if err != nil {
		return entity.Party{}, fmt.Errorf("get chat member: %w", err)
	}
	if member.User == nil {
		return entity.Party{}, fmt.Errorf("chat member %s has no user", userID)
	}
	name := member.User.FirstName
	if name == "" {
		name = member.User.UserName
	}
	return entity.Party{ID: userID, Name: name}, nil
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	// Escape HTML entities first
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	// Code blocks: ```...``` -> <pre>...</pre>
	for {
		start := strings.Index(s, "```")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+3:], "```")
		if end == -1 {
			break
		}
		end += start + 3
		code := s[start+3 : end]
		// Strip optional language tag on first line
		if nl := strings.Index(code, "\n"); nl >= 0 {
			firstLine := strings.TrimSpace(code[:nl])
			if len(firstLine) > 0 && !strings.Contains(firstLine, " ") {
				code = code[nl+1:]
			}
		}
		s = s[:start] + "<pre>" + code + "</pre>" + s[end+3:]
	}

	// Inline code: `...` -> <code>...</code>
	for {
		start := strings.Index(s, "`")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+1:], "`")
		if end == -1 {
			break
		}
		end += start + 1
		s = s[:start] + "<code>" + s[start+1:end] + "</code>" + s[end+1:]
	}

	// Bold: **...** -> <b>...</b>
	for {
		start := strings.Index(s, "**")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+2:], "**")
		if end == -1 {
			break
		}
		end += start + 2
		s = s[:start] + "<b>" + s[start+2:end] + "</b>" + s[end+2:]
	}

	// Italic: *...* -> <i>...</i> (after bold to avoid conflicts)
	for {
		start := strings.Index(s, "*")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+1:], "*")
		if end == -1 {
			break
		}
		end += start + 1
		s = s[:start] + "<i>" + s[start+1:end] + "</i>" + s[end+1:]
	}

	return s
}
