package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notification 描述一次流水线失败。
type Notification struct {
	RunID       string
	UserAddress string
	RequestHash string
	Stage       string
	Kind        string
	CID         string
	TxHash      string
	Err         string
	At          time.Time
}

// key groups notifications for cooldown purposes.
func (n Notification) key() string { return n.Stage + "/" + n.Kind }

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramOptions configure the Telegram notifier.
type TelegramOptions struct {
	BotToken string
	ChatID   string
	APIBase  string
	Timeout  time.Duration
	// Cooldown suppresses repeats of the same stage/kind pair. Zero disables it.
	Cooldown time.Duration
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	opts   TelegramOptions
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.APIBase == "" {
		opts.APIBase = "https://api.telegram.org"
	}
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")

	return &TelegramNotifier{
		opts:     opts,
		client:   &http.Client{Timeout: opts.Timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Notify 调用 sendMessage API 推送文本，冷却期内的重复告警被丢弃。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if note.At.IsZero() {
		note.At = n.now()
	}
	if n.suppressed(note) {
		n.logger.Debug().Str("stage", note.Stage).Str("kind", note.Kind).Msg("告警处于冷却期，跳过")
		return nil
	}

	payload := map[string]string{
		"chat_id": n.opts.ChatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.opts.APIBase, n.opts.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.markSent(note)
	n.logger.Info().Str("run_id", note.RunID).
		Str("stage", note.Stage).
		Str("kind", note.Kind).
		Msg("告警已发送 (Telegram)")
	return nil
}

func (n *TelegramNotifier) suppressed(note Notification) bool {
	if n.opts.Cooldown <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	last, ok := n.lastSent[note.key()]
	return ok && note.At.Sub(last) < n.opts.Cooldown
}

func (n *TelegramNotifier) markSent(note Notification) {
	if n.opts.Cooldown <= 0 {
		return
	}
	n.mu.Lock()
	n.lastSent[note.key()] = note.At
	n.mu.Unlock()
}

func renderMessage(note Notification) string {
	var b strings.Builder
	b.WriteString("[Advisor Pipeline Failure]\n")
	fmt.Fprintf(&b, "Time: %s UTC\n", note.At.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Stage: %s (%s)\n", note.Stage, note.Kind)
	if note.RunID != "" {
		fmt.Fprintf(&b, "Run: %s\n", note.RunID)
	}
	if note.UserAddress != "" {
		fmt.Fprintf(&b, "User: %s\n", note.UserAddress)
	}
	if note.RequestHash != "" {
		fmt.Fprintf(&b, "Request: %s\n", note.RequestHash)
	}
	if note.CID != "" {
		fmt.Fprintf(&b, "CID: %s\n", note.CID)
	}
	if note.TxHash != "" {
		fmt.Fprintf(&b, "Tx: %s\n", note.TxHash)
	}
	if note.Err != "" {
		fmt.Fprintf(&b, "Error: %s\n", note.Err)
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
