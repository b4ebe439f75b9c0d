package mockpeer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cliprdr-fuse/cliprdr"
)

type sinkFunc func(cliprdr.ContentsResponse)

func (f sinkFunc) OnResponse(resp cliprdr.ContentsResponse) { f(resp) }

func TestRecordsCalls(t *testing.T) {
	p := New(WithPinning(true))
	ctx := context.Background()
	if !p.CanLockClipData() {
		t.Fatal("expected pinning")
	}
	if err := p.LockClipData(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if err := p.RequestFileContents(ctx, cliprdr.ContentsRequest{StreamID: 1, Kind: cliprdr.ContentsSize}); err != nil {
		t.Fatal(err)
	}
	if err := p.RequestFileContents(ctx, cliprdr.ContentsRequest{StreamID: 2, Kind: cliprdr.ContentsRange}); err != nil {
		t.Fatal(err)
	}
	if err := p.UnlockClipData(ctx, 3); err != nil {
		t.Fatal(err)
	}

	if p.LockCount() != 1 || p.UnlockCount() != 1 {
		t.Errorf("locks=%d unlocks=%d, want 1/1", p.LockCount(), p.UnlockCount())
	}
	if p.SizeRequests() != 1 || p.RangeRequests() != 1 {
		t.Errorf("size=%d range=%d, want 1/1", p.SizeRequests(), p.RangeRequests())
	}
	ops := []string{}
	for _, c := range p.Calls() {
		ops = append(ops, c.Op)
	}
	want := []string{"lock", "contents", "contents", "unlock"}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
	if got := p.LastRequest().StreamID; got != 2 {
		t.Errorf("LastRequest().StreamID = %d, want 2", got)
	}
}

func TestInjectedErrors(t *testing.T) {
	boom := errors.New("boom")
	p := New(WithLockError(boom), WithUnlockError(boom), WithSendError(boom))
	ctx := context.Background()
	if err := p.LockClipData(ctx, 1); !errors.Is(err, boom) {
		t.Errorf("lock err = %v", err)
	}
	if err := p.UnlockClipData(ctx, 1); !errors.Is(err, boom) {
		t.Errorf("unlock err = %v", err)
	}
	if err := p.RequestFileContents(ctx, cliprdr.ContentsRequest{Kind: cliprdr.ContentsSize}); !errors.Is(err, boom) {
		t.Errorf("send err = %v", err)
	}
	if p.SizeRequests() != 1 {
		t.Errorf("failed sends are still counted, got %d", p.SizeRequests())
	}
}

func TestResponder(t *testing.T) {
	var mu sync.Mutex
	var got []cliprdr.ContentsResponse
	done := make(chan struct{})
	sink := sinkFunc(func(resp cliprdr.ContentsResponse) {
		mu.Lock()
		got = append(got, resp)
		mu.Unlock()
		close(done)
	})
	p := New(WithResponder(sink, func(req cliprdr.ContentsRequest) (cliprdr.ContentsResponse, bool) {
		return cliprdr.SizeResponse(req.StreamID, 7), true
	}))
	if err := p.RequestFileContents(context.Background(), cliprdr.ContentsRequest{StreamID: 9, Kind: cliprdr.ContentsSize}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("responder never answered")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].StreamID != 9 {
		t.Errorf("responses = %+v", got)
	}
}

func TestWaitForRequests(t *testing.T) {
	p := New()
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.RequestFileContents(context.Background(), cliprdr.ContentsRequest{StreamID: 1})
	}()
	reqs, err := p.WaitForRequests(1, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 {
		t.Errorf("got %d requests", len(reqs))
	}
	if _, err := p.WaitForRequests(5, 30*time.Millisecond); err == nil {
		t.Error("expected timeout error")
	}
}
