package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLockKey(t *testing.T) {
	hash := "0x0102030405060708" + strings.Repeat("ff", 24)
	if got := LockKey(hash); got != 0x0102030405060708 {
		t.Fatalf("锁键不正确: %x", got)
	}
	if LockKey(strings.ToUpper(hash[2:])) != LockKey(hash) {
		t.Fatal("大小写与 0x 前缀不应影响锁键")
	}
	for _, bad := range []string{"", "0x", "0x1234", "not-hex"} {
		if got := LockKey(bad); got != 0 {
			t.Fatalf("非法哈希 %q 应返回 0，实际 %d", bad, got)
		}
	}
}

func TestStoreWithoutPool(t *testing.T) {
	ctx := context.Background()
	var s *Store

	if _, err := s.ListRecentRuns(ctx, 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured，实际 %v", err)
	}
	if err := NewStore(nil).InsertRun(ctx, &Run{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured，实际 %v", err)
	}
	if _, _, err := NewStore(nil).TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured，实际 %v", err)
	}
	s.Close()
}

func TestRunFailed(t *testing.T) {
	msg := "boom"
	empty := ""
	if !(Run{Error: &msg}).Failed() {
		t.Fatal("带错误信息的记录应视为失败")
	}
	if (Run{Error: &empty}).Failed() || (Run{}).Failed() {
		t.Fatal("无错误信息的记录不应视为失败")
	}
}
