package dispatch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
)

func mustBuild(t *testing.T, opts ...Opt) *Dispatcher {
	t.Helper()
	d, err := NewDispatcherConfig(opts...).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return d
}

func TestBuildRejectsUndersizedPartition(t *testing.T) {
	_, err := NewDispatcherConfig(WithPartitionSize(ByteSize(1024))).Build()
	if err == nil {
		t.Fatal("expected Build to reject a partition below MinPartitionSize")
	}
}

func TestBuildRejectsNonPowerOfTwoPartition(t *testing.T) {
	_, err := NewDispatcherConfig(WithPartitionSize(ByteSize(MinPartitionSize + 1))).Build()
	if err == nil {
		t.Fatal("expected Build to reject a non-power-of-two partition size")
	}
}

func TestBuildAcceptsBufferSizeString(t *testing.T) {
	d := mustBuild(t, WithBufferSizeString("48K"))
	if got := d.Capacity(); got != 48*1024 {
		t.Errorf("Capacity() = %d, want %d", got, 48*1024)
	}
}

func TestBuildRejectsUnparsableBufferSizeString(t *testing.T) {
	_, err := NewDispatcherConfig(WithBufferSizeString("not-a-size")).Build()
	if err == nil {
		t.Fatal("expected Build to reject an unparsable buffer size string")
	}
}

func TestBuildRejectsDuplicateSubscriptionNames(t *testing.T) {
	_, err := NewDispatcherConfig(WithSubscriptions("a", "a")).Build()
	if err == nil {
		t.Fatal("expected Build to reject duplicate subscription names")
	}
}

func TestOfferAndPollDeliversInOrder(t *testing.T) {
	d := mustBuild(t, WithPartitionSize(ByteSize(MinPartitionSize)))

	sub, err := d.OpenSubscription("s1")
	if err != nil {
		t.Fatalf("OpenSubscription: %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		if pos := d.Offer([]byte(fmt.Sprintf("msg-%02d", i))); pos <= 0 {
			t.Fatalf("Offer(%d) returned %d", i, pos)
		}
	}

	var got []string
	delivered := sub.Poll(func(buf []byte, offset, length int32, streamID int32, isFailed bool) FragmentResult {
		got = append(got, string(buf[offset:offset+length]))
		return ConsumeResult
	}, n)

	if delivered != n {
		t.Fatalf("Poll delivered %d frames, want %d", delivered, n)
	}
	for i, s := range got {
		want := fmt.Sprintf("msg-%02d", i)
		if s != want {
			t.Errorf("frame %d = %q, want %q", i, s, want)
		}
	}
}

func TestPollRespectsMaxFrames(t *testing.T) {
	d := mustBuild(t, WithPartitionSize(ByteSize(MinPartitionSize)))
	sub, _ := d.OpenSubscription("s1")

	for i := 0; i < 10; i++ {
		d.Offer([]byte("x"))
	}

	count := 0
	delivered := sub.Poll(func(buf []byte, offset, length int32, streamID int32, isFailed bool) FragmentResult {
		count++
		return ConsumeResult
	}, 3)

	if delivered != 3 || count != 3 {
		t.Errorf("Poll(maxFrames=3) delivered %d (handler called %d times), want 3", delivered, count)
	}
}

func TestPollPostponeLeavesCursorUnchanged(t *testing.T) {
	d := mustBuild(t, WithPartitionSize(ByteSize(MinPartitionSize)))
	sub, _ := d.OpenSubscription("s1")
	d.Offer([]byte("one"))
	d.Offer([]byte("two"))

	before := sub.Position()
	calls := 0
	delivered := sub.Poll(func(buf []byte, offset, length int32, streamID int32, isFailed bool) FragmentResult {
		calls++
		return PostponeResult
	}, 5)

	if delivered != 0 {
		t.Errorf("Poll delivered %d frames on Postpone, want 0", delivered)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want exactly 1 (Postpone stops the poll)", calls)
	}
	if sub.Position() != before {
		t.Errorf("Position() = %d after Postpone, want unchanged %d", sub.Position(), before)
	}

	// The same frame is redelivered on the next Poll.
	redelivered := sub.Poll(func(buf []byte, offset, length int32, streamID int32, isFailed bool) FragmentResult {
		return ConsumeResult
	}, 5)
	if redelivered != 2 {
		t.Errorf("second Poll delivered %d frames, want 2", redelivered)
	}
}

func TestPollFailedResultSetsFlagAndAdvances(t *testing.T) {
	d := mustBuild(t, WithPartitionSize(ByteSize(MinPartitionSize)), WithMode(ModePipeline))
	first, _ := d.OpenSubscription("first")
	second, _ := d.OpenSubscription("second")
	d.Offer([]byte("boom"))

	var sawFailedFirst bool
	delivered := first.Poll(func(buf []byte, offset, length int32, streamID int32, isFailed bool) FragmentResult {
		sawFailedFirst = isFailed
		return FailedResult
	}, 1)
	if delivered != 1 {
		t.Fatalf("first.Poll() delivered %d, want 1", delivered)
	}
	if sawFailedFirst {
		t.Error("first delivery should not already be FAILED")
	}

	var sawFailedSecond bool
	second.Poll(func(buf []byte, offset, length int32, streamID int32, isFailed bool) FragmentResult {
		sawFailedSecond = isFailed
		return ConsumeResult
	}, 1)
	if !sawFailedSecond {
		t.Error("second subscription should observe the FAILED flag first set via FailedResult")
	}
}

func TestPeekBlockMarkCompletedAdvances(t *testing.T) {
	d := mustBuild(t, WithPartitionSize(ByteSize(MinPartitionSize)))
	sub, _ := d.OpenSubscription("s1")

	d.Offer([]byte("aaaa"))
	d.Offer([]byte("bbbb"))
	d.Offer([]byte("cccc"))

	block := sub.PeekBlock(1 << 20)
	if len(block.Frames()) != 3 {
		t.Fatalf("PeekBlock returned %d frames, want 3:\n%s", len(block.Frames()), spew.Sdump(block.Frames()))
	}
	for i, want := range []string{"aaaa", "bbbb", "cccc"} {
		f := block.Frames()[i]
		if got := string(f.Buffer[f.Offset : f.Offset+f.Length]); got != want {
			t.Errorf("frame %d = %q, want %q", i, got, want)
		}
	}

	before := sub.Position()
	block.MarkCompleted()
	if sub.Position() == before {
		t.Error("MarkCompleted did not advance the subscription's position")
	}

	// After MarkCompleted, a second PeekBlock starts empty (nothing new).
	block2 := sub.PeekBlock(1 << 20)
	if len(block2.Frames()) != 0 {
		t.Errorf("second PeekBlock returned %d frames, want 0", len(block2.Frames()))
	}
}

func TestPeekBlockMarkFailedFlagsEveryFrame(t *testing.T) {
	d := mustBuild(t, WithPartitionSize(ByteSize(MinPartitionSize)))
	sub, _ := d.OpenSubscription("s1")
	d.Offer([]byte("x"))
	d.Offer([]byte("y"))

	block := sub.PeekBlock(1 << 20)
	if len(block.Frames()) != 2 {
		t.Fatalf("PeekBlock returned %d frames, want 2", len(block.Frames()))
	}
	block.MarkFailed()

	for i, f := range block.Frames() {
		if !isFailed(f.Buffer, f.headerAt) {
			t.Errorf("frame %d: expected FAILED flag set after MarkFailed", i)
		}
	}
}

func TestPipelineModeGatesVisibility(t *testing.T) {
	d := mustBuild(t, WithPartitionSize(ByteSize(MinPartitionSize)), WithMode(ModePipeline))
	first, _ := d.OpenSubscription("first")
	second, _ := d.OpenSubscription("second")

	d.Offer([]byte("only-frame"))

	delivered := second.Poll(func(buf []byte, offset, length int32, streamID int32, isFailed bool) FragmentResult {
		t.Error("second subscription should not see a frame before first has consumed it")
		return ConsumeResult
	}, 5)
	if delivered != 0 {
		t.Errorf("second.Poll() delivered %d frames before first consumed, want 0", delivered)
	}

	firstDelivered := first.Poll(func(buf []byte, offset, length int32, streamID int32, isFailed bool) FragmentResult {
		return ConsumeResult
	}, 5)
	if firstDelivered != 1 {
		t.Fatalf("first.Poll() delivered %d, want 1", firstDelivered)
	}

	secondDelivered := second.Poll(func(buf []byte, offset, length int32, streamID int32, isFailed bool) FragmentResult {
		return ConsumeResult
	}, 5)
	if secondDelivered != 1 {
		t.Errorf("second.Poll() after first consumed delivered %d, want 1", secondDelivered)
	}
}

func TestCloseSubscriptionRemovesFromPublisherLimit(t *testing.T) {
	d := mustBuild(t, WithPartitionSize(ByteSize(MinPartitionSize)))
	sub, _ := d.OpenSubscription("s1")

	if n := d.limiter.count(); n != 1 {
		t.Fatalf("limiter count = %d, want 1", n)
	}
	if err := d.CloseSubscription(sub); err != nil {
		t.Fatalf("CloseSubscription: %v", err)
	}
	if n := d.limiter.count(); n != 0 {
		t.Errorf("limiter count after close = %d, want 0", n)
	}
	if err := d.CloseSubscription(sub); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("closing again returned %v, want ErrSubscriptionNotFound", err)
	}
	var subErr *SubscriptionError
	if err := d.CloseSubscription(sub); !errors.As(err, &subErr) || subErr.Subscription != "s1" {
		t.Errorf("closing again returned %v, want a *SubscriptionError naming %q", err, "s1")
	}
}

func TestOfferErrConvertsNegativeResultCodes(t *testing.T) {
	d := mustBuild(t, WithPartitionSize(ByteSize(MinPartitionSize)))

	if pos, err := d.OfferErr([]byte("ok")); err != nil || pos <= 0 {
		t.Fatalf("OfferErr(ok) = (%d, %v), want a positive position and nil error", pos, err)
	}

	if err := d.CloseAsync().Wait(); err != nil {
		t.Fatalf("CloseAsync: %v", err)
	}
	if pos, err := d.OfferErr([]byte("late")); !errors.Is(err, ErrClosed) || pos != ResultClosed {
		t.Errorf("OfferErr after close = (%d, %v), want (ResultClosed, ErrClosed)", pos, err)
	}
}

func TestOpenSubscriptionAsync(t *testing.T) {
	d := mustBuild(t, WithPartitionSize(ByteSize(MinPartitionSize)))
	defer d.CloseAsync().Wait()

	fut := d.OpenSubscriptionAsync("async-sub")
	sub, err := fut.Subscription()
	if err != nil {
		t.Fatalf("OpenSubscriptionAsync: %v", err)
	}
	if sub.Name() != "async-sub" {
		t.Errorf("Subscription().Name() = %q, want %q", sub.Name(), "async-sub")
	}
}

func TestDispatcherCloseDrainsInFlightClaims(t *testing.T) {
	d := mustBuild(t, WithPartitionSize(ByteSize(MinPartitionSize)))

	frag, code := d.Claim(8, 0)
	if frag == nil {
		t.Fatalf("Claim failed with code %d", code)
	}

	closeDone := make(chan struct{})
	go func() {
		d.CloseAsync().Wait()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("CloseAsync returned before the in-flight claim was committed")
	case <-time.After(20 * time.Millisecond):
	}

	frag.Commit()

	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("CloseAsync did not complete after the in-flight claim was committed")
	}

	if _, code := d.Claim(8, 0); code != ResultClosed {
		t.Errorf("Claim after CloseAsync returned code %d, want ResultClosed", code)
	}
}
