package hashcodec

import (
	"strings"
	"testing"
)

func TestCanonicalHashIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{
		"riskLevel": "low",
		"nested":    map[string]any{"y": 2, "x": 1},
	}
	b := map[string]any{
		"nested":    map[string]any{"x": 1, "y": 2},
		"riskLevel": "low",
	}

	ha, err := CanonicalHash(a)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hb, err := CanonicalHash(b)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ha != hb {
		t.Fatalf("key 顺序不同应得到相同哈希: %s vs %s", ha, hb)
	}
	if !strings.HasPrefix(ha, "0x") || len(ha) != 66 {
		t.Fatalf("哈希格式不正确: %s", ha)
	}
}

func TestCanonicalStructAndMapAgree(t *testing.T) {
	type input struct {
		TotalValue int    `json:"totalValue"`
		RiskLevel  string `json:"riskLevel"`
	}
	fromStruct, err := Canonical(input{TotalValue: 1000, RiskLevel: "low"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := `{"riskLevel":"low","totalValue":1000}`
	if string(fromStruct) != want {
		t.Fatalf("期望 %s, 实际 %s", want, fromStruct)
	}
}

func TestCanonicalKeepsNumberText(t *testing.T) {
	out, err := Canonical(map[string]any{"v": 1.50, "html": "<a>"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if string(out) != `{"html":"<a>","v":1.5}` {
		t.Fatalf("规范化输出不符合预期: %s", out)
	}
}

func TestVerifyHashTolerance(t *testing.T) {
	value := map[string]any{"a": 1}
	h, err := CanonicalHash(value)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	cases := []string{h, strings.TrimPrefix(h, "0x"), strings.ToUpper(strings.TrimPrefix(h, "0x")), "0X" + strings.TrimPrefix(h, "0x")}
	for _, c := range cases {
		ok, err := VerifyHash(value, c)
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if !ok {
			t.Fatalf("应接受哈希变体 %s", c)
		}
	}

	ok, _ := VerifyHash(map[string]any{"a": 2}, h)
	if ok {
		t.Fatal("内容变化后不应通过校验")
	}
}

func TestSHA256Hex(t *testing.T) {
	got, err := SHA256Hex("abc")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("sha256(abc) 不正确: %s", got)
	}

	m1, _ := SHA256Hex(map[string]any{"b": 1, "a": 2})
	m2, _ := SHA256Hex(map[string]any{"a": 2, "b": 1})
	if m1 != m2 {
		t.Fatal("对象哈希应与 key 顺序无关")
	}
}
