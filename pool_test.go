package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPool_ConcurrentDispatch(t *testing.T) {
	p, err := NewPool(context.Background(), `export default {
  async fetch(request) {
    await new Promise(function(resolve) { setTimeout(resolve, 5); });
    return new Response(new URL(request.url).pathname.slice(1));
  },
};`, testCfg())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()
	if p.Size() != 2 {
		t.Fatalf("size = %d", p.Size())
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := fmt.Sprint(i)
			r, err := p.ExecHTTP(context.Background(), NewFetchEvent(getReq("http://localhost/"+want)))
			if err != nil {
				errs <- err
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			body, err := r.ReadAll(ctx)
			if err != nil {
				errs <- err
				return
			}
			if string(body) != want {
				errs <- fmt.Errorf("body = %q, want %q", body, want)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestPool_ClosedRejects(t *testing.T) {
	cfg := testCfg()
	cfg.PoolSize = 1
	p, err := NewPool(context.Background(), `addEventListener("scheduled", function(e) {});`, cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if term, err := p.Exec(context.Background(), NewTaskEvent(TaskInit{})); err != nil || term != Success {
		t.Fatalf("Exec = %v, %v", term, err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err = p.Exec(context.Background(), NewTaskEvent(TaskInit{}))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestPool_ReplacesTimedOutWorker(t *testing.T) {
	cfg := testCfg()
	cfg.PoolSize = 1
	cfg.ExecutionTimeoutMs = 100
	p, err := NewPool(context.Background(), `addEventListener("fetch", function(e) {
  if (e.request.url.indexOf("/spin") >= 0) { for (;;) {} }
  e.respondWith(new Response("healthy"));
});`, cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	if _, err := p.ExecHTTP(context.Background(), NewFetchEvent(getReq("http://localhost/spin"))); err == nil {
		t.Fatal("expected watchdog error")
	}
	for i := range 3 {
		r, err := p.ExecHTTP(context.Background(), NewFetchEvent(getReq("http://localhost/ok")))
		if err != nil {
			t.Fatalf("dispatch %d after timeout: %v", i, err)
		}
		assertStatus(t, r, 200)
		if got := readBody(t, r); got != "healthy" {
			t.Errorf("dispatch %d body = %q", i, got)
		}
	}
	if p.Size() != 1 {
		t.Errorf("size = %d", p.Size())
	}
}

func TestPool_BadScript(t *testing.T) {
	if _, err := NewPool(context.Background(), `throw new Error("nope")`, testCfg()); err == nil {
		t.Fatal("expected error")
	}
}
