package config

import "testing"

func TestLoadFailsWithMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "absent.toml")); err == nil {
		t.Fatalf("缺失的配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
CacheSweepInterval = "boom"

[[Folder]]
WebPath = "/"
DiscPaths = ["www"]
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsFractionalSeconds(t *testing.T) {
	cfg := `
StatCacheTTL = "0.5"
ApiPrefix = "api/"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Global.StatCacheTTL.DurationValue().Milliseconds(); got != 500 {
		t.Fatalf("StatCacheTTL 应为 500ms, got %dms", got)
	}
	if loaded.Global.ApiPrefix != "/api" {
		t.Fatalf("ApiPrefix 应规范化, got %s", loaded.Global.ApiPrefix)
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("0x3c")); err != nil || d.DurationValue().Seconds() != 60 {
		t.Fatalf("十六进制秒值解析失败: %v %v", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("nope")); err == nil {
		t.Fatalf("非法值应报错")
	}
}
