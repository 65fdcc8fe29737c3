package location

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestMemoryStorePutGetDel(t *testing.T) {
	s := NewMemoryStore(DefaultMemoryStoreConfig())
	defer s.Close()

	ctx := context.Background()
	aor := AOR{Scheme: "sip", User: "alice", Domain: "example.com"}

	got, err := s.Get(ctx, aor)
	if err != nil || got != nil {
		t.Fatalf("Get(empty) = %v, %v", got, err)
	}

	contacts := []RegContact{{ContactURI: "sip:alice@1.2.3.4", Expire: 100}}
	if err := s.Put(ctx, aor, contacts, time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err = s.Get(ctx, aor)
	if err != nil || len(got) != 1 {
		t.Fatalf("Get() = %v, %v", got, err)
	}

	// The returned slice is a copy: mutating it must not touch the store
	got[0].ContactURI = "sip:mallory@6.6.6.6"
	again, _ := s.Get(ctx, aor)
	if again[0].ContactURI != "sip:alice@1.2.3.4" {
		t.Error("Get() returned a shared slice")
	}

	if err := s.Del(ctx, aor); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if err := s.Del(ctx, aor); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Del() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDelAll(t *testing.T) {
	s := NewMemoryStore(DefaultMemoryStoreConfig())
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		aor := AOR{Scheme: "sip", User: fmt.Sprintf("u%d", i), Domain: "example.com"}
		_ = s.Put(ctx, aor, []RegContact{{ContactURI: "sip:x@y"}}, time.Minute)
	}
	if s.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", s.Count())
	}
	if err := s.DelAll(ctx); err != nil {
		t.Fatalf("DelAll() error = %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count() after DelAll = %d", s.Count())
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, AOR) ([]RegContact, error) {
	return nil, errors.New("backend down")
}
func (failingStore) Put(context.Context, AOR, []RegContact, time.Duration) error {
	return errors.New("backend down")
}
func (failingStore) Del(context.Context, AOR) error { return ErrNotFound }
func (failingStore) DelAll(context.Context) error   { return errors.New("backend down") }

func TestTimeoutStoreWrapsErrors(t *testing.T) {
	s := NewTimeoutStore("myapp", failingStore{})
	ctx := context.Background()
	aor := AOR{Scheme: "sip", User: "alice", Domain: "example.com"}

	_, err := s.Get(ctx, aor)
	if err == nil || !strings.Contains(err.Error(), "Error calling registrar 'myapp' callback") {
		t.Errorf("Get() error = %v, want wrapped callback error", err)
	}

	// ErrNotFound passes through unwrapped
	if err := s.Del(ctx, aor); !errors.Is(err, ErrNotFound) {
		t.Errorf("Del() error = %v, want ErrNotFound", err)
	}
}

type slowStore struct {
	failingStore
}

func (slowStore) Get(ctx context.Context, _ AOR) ([]RegContact, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeoutStoreAppliesDeadline(t *testing.T) {
	s := NewTimeoutStore("slow", slowStore{})

	// The inner store blocks until the context deadline fires; the caller's
	// 50ms deadline is shorter than the wrapper's, so it is the one that
	// ends the call
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Get(ctx, AOR{Scheme: "sip", User: "a", Domain: "d"})
	if err == nil {
		t.Fatal("Get() on a hung backend returned no error")
	}
	if time.Since(start) > time.Second {
		t.Error("deadline not applied")
	}
}
