package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Fatalf("路径不正确: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", APIBase: srv.URL + "/", Timeout: time.Second}, testLogger())
	note := Notification{RunID: "run-1", Stage: "submitted", Kind: "chain", CID: "QmTest", Err: "execution reverted", At: time.Unix(1700000000, 0)}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	for _, want := range []string{"Stage: submitted (chain)", "CID: QmTest", "Error: execution reverted", "2023-11-14T22:13:20Z"} {
		if !strings.Contains(received["text"], want) {
			t.Fatalf("消息缺少 %q:\n%s", want, received["text"])
		}
	}
	if strings.Contains(received["text"], "Tx:") {
		t.Fatal("空 TxHash 不应出现在消息里")
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", APIBase: srv.URL}, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Stage: "pinned"}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierCooldown(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "t", ChatID: "c", APIBase: srv.URL, Cooldown: time.Minute}, testLogger())
	base := time.Unix(1700000000, 0)
	ctx := context.Background()

	_ = notifier.Notify(ctx, Notification{Stage: "pinned", Kind: "remote", At: base})
	_ = notifier.Notify(ctx, Notification{Stage: "pinned", Kind: "remote", At: base.Add(30 * time.Second)})
	_ = notifier.Notify(ctx, Notification{Stage: "signed", Kind: "config", At: base.Add(30 * time.Second)})
	_ = notifier.Notify(ctx, Notification{Stage: "pinned", Kind: "remote", At: base.Add(2 * time.Minute)})

	if got := calls.Load(); got != 3 {
		t.Fatalf("冷却期内重复告警应被抑制，期望 3 次发送，实际 %d", got)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
