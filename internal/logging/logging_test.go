package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerLevelAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "advisord.log")
	var out bytes.Buffer

	logger := NewLogger(Config{Level: "warn", File: path}, &out)
	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("visible")

	if strings.Contains(out.String(), "hidden") {
		t.Fatal("info 日志不应在 warn 级别输出")
	}
	if !strings.Contains(out.String(), `"component":"test"`) {
		t.Fatalf("控制台输出缺少字段: %s", out.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	if !strings.Contains(string(data), "visible") {
		t.Fatalf("日志文件应包含同样的内容: %s", data)
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var out bytes.Buffer
	logger := NewLogger(Config{Level: "nonsense"}, &out)
	logger.Debug().Msg("debug")
	logger.Info().Msg("info")

	if strings.Contains(out.String(), `"debug"`) || !strings.Contains(out.String(), `"info"`) {
		t.Fatalf("无法识别的级别应回退到 info: %s", out.String())
	}
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "INFO", "warn", "error", "trace"} {
		if !ValidLevel(lvl) {
			t.Fatalf("%q 应为合法级别", lvl)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("loud 不应为合法级别")
	}
}
