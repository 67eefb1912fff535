package notify

import (
	"testing"
	"time"
)

func TestRateLimiterDefersWhenWindowFull(t *testing.T) {
	l := NewRateLimiter(2, time.Hour)

	first := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(10 * time.Minute)
	third := first.Add(15 * time.Minute)

	if granted, _ := l.Reserve("r@example.com", first); !granted {
		t.Fatal("第一次预留应成功")
	}
	if granted, _ := l.Reserve("r@example.com", second); !granted {
		t.Fatal("第二次预留应成功")
	}

	granted, retryAfter := l.Reserve("r@example.com", third)
	if granted {
		t.Fatal("窗口已满，第三次应被推迟")
	}
	want := first.Add(time.Hour)
	if !retryAfter.Equal(want) {
		t.Fatalf("期望 retry_after %v, 实际 %v", want, retryAfter)
	}

	// Once the oldest timestamp slides out, capacity is back.
	if granted, _ := l.Reserve("r@example.com", want.Add(time.Second)); !granted {
		t.Fatal("最早时间戳过期后应重新放行")
	}
}

func TestRateLimiterRollbackFreesSlot(t *testing.T) {
	l := NewRateLimiter(1, time.Hour)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	if granted, _ := l.Reserve("r@example.com", now); !granted {
		t.Fatal("预留应成功")
	}
	if granted, _ := l.Reserve("r@example.com", now.Add(time.Minute)); granted {
		t.Fatal("容量已满不应放行")
	}

	l.Rollback("r@example.com", now)

	if granted, _ := l.Reserve("r@example.com", now.Add(2*time.Minute)); !granted {
		t.Fatal("回滚后应重新放行")
	}
}

func TestRateLimiterIsolatesRecipients(t *testing.T) {
	l := NewRateLimiter(1, time.Hour)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	if granted, _ := l.Reserve("a@example.com", now); !granted {
		t.Fatal("a 的预留应成功")
	}
	if granted, _ := l.Reserve("b@example.com", now); !granted {
		t.Fatal("b 的预留不应受 a 影响")
	}
	if got := l.InWindow("a@example.com", now); got != 1 {
		t.Fatalf("a 窗口内应有 1 条, 实际 %d", got)
	}
}
