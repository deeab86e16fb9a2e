package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version {
		t.Fatalf("版本不一致: %s", info.Version)
	}
	if info.GoVersion != runtime.Version() {
		t.Fatalf("Go 版本不一致: %s", info.GoVersion)
	}
	if !strings.HasPrefix(info.String(), "sentinel "+Version) {
		t.Fatalf("输出格式错误: %s", info.String())
	}
}
