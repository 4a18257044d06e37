package devotp

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestStore_PutAndLatest(t *testing.T) {
	s := NewStore()
	s.Put("+254712345678", "123456", time.Now().Add(5*time.Minute))

	code, ok := s.Latest("+254712345678")
	if !ok {
		t.Fatal("Latest should return the code after Put")
	}
	if code != "123456" {
		t.Errorf("code = %q, want %q", code, "123456")
	}
}

func TestStore_NewerCodeReplacesOlder(t *testing.T) {
	s := NewStore()
	exp := time.Now().Add(5 * time.Minute)
	s.Put("citizen@example.test", "111111", exp)
	s.Put("citizen@example.test", "222222", exp)

	if code, _ := s.Latest("citizen@example.test"); code != "222222" {
		t.Errorf("code = %q, want the resent code", code)
	}
}

func TestStore_Missing(t *testing.T) {
	s := NewStore()
	code, ok := s.Latest("nobody")
	if ok || code != "" {
		t.Errorf("Latest(nobody) = %q, %v; want empty, false", code, ok)
	}
}

func TestStore_ExpiredIsDropped(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore()
	s.nowF = func() time.Time { return now }
	s.Put("a", "123456", now.Add(time.Minute))

	now = now.Add(time.Minute)
	if _, ok := s.Latest("a"); ok {
		t.Error("code should be expired at its expiry instant")
	}
	s.mu.Lock()
	_, kept := s.m["a"]
	s.mu.Unlock()
	if kept {
		t.Error("expired entry should be removed")
	}
}

func TestStore_Forget(t *testing.T) {
	s := NewStore()
	s.Put("a", "123456", time.Now().Add(time.Minute))
	s.Forget("a")
	s.Forget("a")
	if _, ok := s.Latest("a"); ok {
		t.Error("Latest after Forget should be empty")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()
	exp := time.Now().Add(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("user-%d", i%5)
			s.Put(id, fmt.Sprintf("%06d", i), exp)
			s.Latest(id)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 5; i++ {
		if _, ok := s.Latest(fmt.Sprintf("user-%d", i)); !ok {
			t.Errorf("user-%d missing", i)
		}
	}
}
