// util_test.go — EscapeLike / ClampInt / Env* / LoadFromEnv / SafeGo 测试。
package util

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"percent", "100%", `100\%`},
		{"underscore", "a_b", `a\_b`},
		{"backslash", `a\b`, `a\\b`},
		{"combined", `%_\`, `\%\_\\`},
		{"no_special", "hello", "hello"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EscapeLike(tt.in)
			if got != tt.want {
				t.Errorf("EscapeLike(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		name      string
		v, lo, hi int
		want      int
	}{
		{"below_min", -1, 0, 10, 0},
		{"above_max", 20, 0, 10, 10},
		{"in_range", 5, 0, 10, 5},
		{"at_min", 0, 0, 10, 0},
		{"at_max", 10, 0, 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampInt(tt.v, tt.lo, tt.hi)
			if got != tt.want {
				t.Errorf("ClampInt(%d, %d, %d) = %d, want %d", tt.v, tt.lo, tt.hi, got, tt.want)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	type cfg struct {
		Name     string  `env:"UTILTEST_NAME" default:"fallback"`
		Count    int     `env:"UTILTEST_COUNT" default:"7" min:"1"`
		Ratio    float64 `env:"UTILTEST_RATIO" default:"0.5" min:"0"`
		Enabled  bool    `env:"UTILTEST_ENABLED" default:"true"`
		Untagged string
	}

	os.Setenv("UTILTEST_COUNT", "42")
	os.Setenv("UTILTEST_ENABLED", "off")
	defer os.Unsetenv("UTILTEST_COUNT")
	defer os.Unsetenv("UTILTEST_ENABLED")

	var c cfg
	LoadFromEnv(&c)

	if c.Name != "fallback" {
		t.Errorf("Name = %q, want fallback", c.Name)
	}
	if c.Count != 42 {
		t.Errorf("Count = %d, want 42", c.Count)
	}
	if c.Ratio != 0.5 {
		t.Errorf("Ratio = %v, want 0.5", c.Ratio)
	}
	if c.Enabled {
		t.Error("Enabled = true, want false (env=off)")
	}
}

func TestLoadFromEnv_MinClamp(t *testing.T) {
	type cfg struct {
		N int `env:"UTILTEST_MIN" default:"5" min:"3"`
	}
	os.Setenv("UTILTEST_MIN", "1")
	defer os.Unsetenv("UTILTEST_MIN")

	var c cfg
	LoadFromEnv(&c)
	if c.N != 3 {
		t.Errorf("N = %d, want 3 (clamped to min)", c.N)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := FirstNonEmpty("", "  ", "x", "y"); got != "x" {
		t.Errorf("FirstNonEmpty = %q, want x", got)
	}
	if got := FirstNonEmpty("", "  "); got != "" {
		t.Errorf("FirstNonEmpty = %q, want empty", got)
	}
}

func TestSafeGo_NormalExecution(t *testing.T) {
	var done atomic.Bool
	SafeGo(func() {
		done.Store(true)
	})
	time.Sleep(50 * time.Millisecond)
	if !done.Load() {
		t.Error("SafeGo: function was not executed")
	}
}

func TestSafeGo_PanicDoesNotPropagate(t *testing.T) {
	// SafeGo 应捕获 panic，不扩散到调用方
	var wg sync.WaitGroup
	wg.Add(1)

	SafeGo(func() {
		defer wg.Done()
		panic("test panic")
	})

	// 如果 panic 扩散，测试进程会崩溃 — 走到这里说明捕获成功
	wg.Wait()
}
