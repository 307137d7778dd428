package cache

import "testing"

func TestCalcSlots(t *testing.T) {
	// 2026-01-10 12:30:00 UTC
	now := int64(1768048200)
	currentStart := (now / 3600) * 3600

	tests := []struct {
		window string
		count  int
	}{
		{"3d", 72},
		{"7d", 168},
		{"14d", 336},
	}
	for _, tt := range tests {
		slots, ok := CalcSlots(tt.window, now)
		if !ok {
			t.Fatalf("CalcSlots(%q): 期望支持增量", tt.window)
		}
		if len(slots) != tt.count {
			t.Fatalf("CalcSlots(%q): 槽数 %d, 期望 %d", tt.window, len(slots), tt.count)
		}
		last := slots[len(slots)-1]
		if last.Start != currentStart {
			t.Fatalf("活动槽起点 %d, 期望 %d", last.Start, currentStart)
		}
		if last.Final {
			t.Fatalf("活动槽不应终结")
		}
		for i, s := range slots[:len(slots)-1] {
			if !s.Final {
				t.Fatalf("槽 %d 应已终结", i)
			}
			if s.End != s.Start+3600 {
				t.Fatalf("槽 %d 宽度异常: [%d, %d)", i, s.Start, s.End)
			}
			if s.End != slots[i+1].Start {
				t.Fatalf("槽 %d 与后继不连续", i)
			}
		}
	}
}

func TestCalcSlotsUnsupportedWindow(t *testing.T) {
	for _, window := range []string{"1h", "6h", "24h", "30d", ""} {
		if _, ok := CalcSlots(window, 1768048200); ok {
			t.Fatalf("CalcSlots(%q): 不应支持增量", window)
		}
	}
}

func TestIsIncrementalWindow(t *testing.T) {
	for _, window := range []string{"3d", "7d", "14d"} {
		if !IsIncrementalWindow(window) {
			t.Fatalf("IsIncrementalWindow(%q) = false", window)
		}
	}
	for _, window := range []string{"1h", "6h", "24h", "x"} {
		if IsIncrementalWindow(window) {
			t.Fatalf("IsIncrementalWindow(%q) = true", window)
		}
	}
}

func TestWindowSince(t *testing.T) {
	now := int64(1768048200)

	// 短窗口：now 减窗口长度
	if got := WindowSince("1h", now); got != now-3600 {
		t.Fatalf("WindowSince(1h) = %d, want %d", got, now-3600)
	}
	if got := WindowSince("24h", now); got != now-86400 {
		t.Fatalf("WindowSince(24h) = %d, want %d", got, now-86400)
	}
	// 未知窗口按 24h 处理
	if got := WindowSince("whatever", now); got != now-86400 {
		t.Fatalf("WindowSince(未知) = %d, want %d", got, now-86400)
	}

	// 增量窗口对齐到第一个槽边界
	slots, _ := CalcSlots("7d", now)
	if got := WindowSince("7d", now); got != slots[0].Start {
		t.Fatalf("WindowSince(7d) = %d, want %d", got, slots[0].Start)
	}
	if got := WindowSince("7d", now); got%3600 != 0 {
		t.Fatalf("WindowSince(7d) = %d, 未对齐到整点", got)
	}
}

func TestSlotRetentionCutoff(t *testing.T) {
	now := int64(1768048200)
	want := now - 15*24*3600
	if got := SlotRetentionCutoff(now); got != want {
		t.Fatalf("SlotRetentionCutoff = %d, want %d", got, want)
	}
}
