package messaging_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/snehjoshi/syncq/internal/assembly"
	"github.com/snehjoshi/syncq/internal/messaging"
	"github.com/snehjoshi/syncq/internal/storage"
	"github.com/snehjoshi/syncq/internal/types"
)

func uploadParts(t *testing.T, size, partSize int) (*types.Message, []*types.MessagePart) {
	t.Helper()
	data := bytes.Repeat([]byte("0123456789"), size/10)
	m := newMessage(t, uploadType, types.PriorityHigh, 0, string(data))
	parts, err := assembly.Split(m, partSize)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	return m, parts
}

func TestReceiveMessagePart_AssemblesWhenComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, messaging.Config{})
	orig, parts := uploadParts(t, 100, 30)
	if len(parts) != 4 {
		t.Fatalf("split into %d parts, want 4", len(parts))
	}

	// Parts arrive out of order.
	order := []int{2, 0, 3, 1}
	for i, idx := range order {
		m, err := f.svc.ReceiveMessagePart(ctx, parts[idx], "assembler-1")
		if err != nil {
			t.Fatalf("ReceiveMessagePart(%d): %v", parts[idx].PartNo, err)
		}
		last := i == len(order)-1
		if !last && m != nil {
			t.Fatalf("assembled after %d of %d parts", i+1, len(order))
		}
		if last && m == nil {
			t.Fatal("complete part set was not assembled")
		}
	}

	got, err := f.svc.GetMessage(ctx, orig.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !bytes.Equal(got.Data, orig.Data) {
		t.Errorf("assembled payload differs: got %d bytes, want %d", len(got.Data), len(orig.Data))
	}
	if got.Status != types.StatusQueuedForProcessing || got.IsLocked() {
		t.Errorf("assembled = %s/%q, want QUEUED_FOR_PROCESSING unlocked", got.Status, got.LockName)
	}
	if got.TypeID != orig.TypeID || got.Priority != orig.Priority || !got.Created.Equal(orig.Created) {
		t.Errorf("assembled identity = %s/%s/%v, want %s/%s/%v",
			got.TypeID, got.Priority, got.Created, orig.TypeID, orig.Priority, orig.Created)
	}

	left, err := f.store.ListMessageParts(ctx, orig.ID)
	if err != nil {
		t.Fatalf("ListMessageParts: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("%d parts left after assembly", len(left))
	}
	if f.metrics.Assembled.Value(uploadType) != 1 {
		t.Error("assembled counter not incremented")
	}
}

func TestQueueMessagePartForAssembly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, messaging.Config{})
	_, parts := uploadParts(t, 50, 20)

	if err := f.svc.QueueMessagePartForAssembly(ctx, parts[0]); err != nil {
		t.Fatalf("QueueMessagePartForAssembly: %v", err)
	}
	if err := f.svc.QueueMessagePartForAssembly(ctx, parts[0]); !errors.Is(err, messaging.ErrDuplicateMessagePart) {
		t.Errorf("duplicate part: err = %v, want ErrDuplicateMessagePart", err)
	}

	stored, err := f.svc.GetMessagePart(ctx, parts[0].ID)
	if err != nil {
		t.Fatalf("GetMessagePart: %v", err)
	}
	if stored.Status != types.StatusQueuedForAssembly {
		t.Errorf("status = %s, want QUEUED_FOR_ASSEMBLY", stored.Status)
	}

	foreign := parts[1].Clone()
	foreign.MessageTypeID = itemType
	if err := f.svc.QueueMessagePartForAssembly(ctx, foreign); !errors.Is(err, messaging.ErrInvalidArgument) {
		t.Errorf("non-assemblable type: err = %v, want ErrInvalidArgument", err)
	}
}

func TestAllMessagePartsForMessageQueuedForAssembly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, messaging.Config{})
	orig, parts := uploadParts(t, 90, 30)

	check := func(want bool) {
		t.Helper()
		got, err := f.svc.AllMessagePartsForMessageQueuedForAssembly(ctx, orig.ID, 3)
		if err != nil {
			t.Fatalf("AllMessagePartsForMessageQueuedForAssembly: %v", err)
		}
		if got != want {
			t.Errorf("complete = %v, want %v", got, want)
		}
	}

	check(false)
	for _, p := range []*types.MessagePart{parts[0], parts[2]} {
		if err := f.svc.QueueMessagePartForAssembly(ctx, p); err != nil {
			t.Fatalf("QueueMessagePartForAssembly: %v", err)
		}
	}
	check(false)
	if err := f.svc.QueueMessagePartForAssembly(ctx, parts[1]); err != nil {
		t.Fatalf("QueueMessagePartForAssembly: %v", err)
	}
	check(true)

	if got, _ := f.svc.AllMessagePartsForMessageQueuedForAssembly(ctx, orig.ID, 4); got {
		t.Error("three parts reported complete for a four part message")
	}
}

func TestAssembleMessage_ChecksumMismatchReleasesParts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, messaging.Config{})
	orig, parts := uploadParts(t, 60, 30)
	parts[1].Data = []byte("tampered")
	for _, p := range parts {
		if err := f.svc.QueueMessagePartForAssembly(ctx, p); err != nil {
			t.Fatalf("QueueMessagePartForAssembly: %v", err)
		}
	}

	_, err := f.svc.AssembleMessage(ctx, orig.ID, 2, "assembler-1")
	if !errors.Is(err, messaging.ErrMessageAssembly) || !errors.Is(err, assembly.ErrChecksum) {
		t.Fatalf("err = %v, want ErrMessageAssembly wrapping ErrChecksum", err)
	}
	if _, err := f.svc.GetMessage(ctx, orig.ID); !errors.Is(err, messaging.ErrMessageNotFound) {
		t.Errorf("message created despite failed assembly: %v", err)
	}
	left, _ := f.store.ListMessageParts(ctx, orig.ID)
	if len(left) != 2 {
		t.Fatalf("%d parts left, want 2", len(left))
	}
	for _, p := range left {
		if p.Status != types.StatusQueuedForAssembly || p.IsLocked() {
			t.Errorf("part %d = %s/%q, want released", p.PartNo, p.Status, p.LockName)
		}
	}
}

func TestAssembleMessage_Incomplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, messaging.Config{})
	orig, parts := uploadParts(t, 60, 30)
	if err := f.svc.QueueMessagePartForAssembly(ctx, parts[0]); err != nil {
		t.Fatalf("QueueMessagePartForAssembly: %v", err)
	}

	_, err := f.svc.AssembleMessage(ctx, orig.ID, 2, "assembler-1")
	if !errors.Is(err, messaging.ErrMessageAssembly) || !errors.Is(err, assembly.ErrIncomplete) {
		t.Fatalf("err = %v, want ErrMessageAssembly wrapping ErrIncomplete", err)
	}

	_, err = f.svc.AssembleMessage(ctx, "no-such-message", 2, "assembler-1")
	if !errors.Is(err, messaging.ErrMessageAssembly) {
		t.Errorf("no parts: err = %v, want ErrMessageAssembly", err)
	}
}

func TestAssembleMessage_PartsHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, messaging.Config{})
	orig, parts := uploadParts(t, 60, 30)
	for _, p := range parts {
		if err := f.svc.QueueMessagePartForAssembly(ctx, p); err != nil {
			t.Fatalf("QueueMessagePartForAssembly: %v", err)
		}
	}
	if _, err := f.store.LockMessageParts(ctx, orig.ID, "assembler-1",
		types.StatusQueuedForAssembly, types.StatusAssembling); err != nil {
		t.Fatalf("LockMessageParts: %v", err)
	}

	_, err := f.svc.AssembleMessage(ctx, orig.ID, 2, "assembler-2")
	if !errors.Is(err, messaging.ErrMessageAssembly) || !errors.Is(err, storage.ErrLocked) {
		t.Fatalf("err = %v, want ErrMessageAssembly wrapping storage.ErrLocked", err)
	}

	n, err := f.svc.ResetMessagePartLocks(ctx, types.StatusAssembling, types.StatusQueuedForAssembly)
	if err != nil || n != 2 {
		t.Fatalf("ResetMessagePartLocks = %d, %v; want 2", n, err)
	}
	if _, err := f.svc.AssembleMessage(ctx, orig.ID, 2, "assembler-2"); err != nil {
		t.Fatalf("AssembleMessage after reset: %v", err)
	}
}

func TestAssembleMessage_ConcurrentAssemblersCreateOneMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, messaging.Config{})
	orig, parts := uploadParts(t, 120, 30)
	for _, p := range parts {
		if err := f.svc.QueueMessagePartForAssembly(ctx, p); err != nil {
			t.Fatalf("QueueMessagePartForAssembly: %v", err)
		}
	}

	const assemblers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		built int
		errs  []error
	)
	start := make(chan struct{})
	for i := 0; i < assemblers; i++ {
		wg.Add(1)
		go func(lock string) {
			defer wg.Done()
			<-start
			m, err := f.svc.AssembleMessage(ctx, orig.ID, len(parts), lock)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if m != nil {
				built++
			}
		}(fmt.Sprintf("assembler-%d", i))
	}
	close(start)
	wg.Wait()

	if built != 1 {
		t.Fatalf("assembled %d times, want exactly once", built)
	}
	if len(errs) != assemblers-1 {
		t.Fatalf("%d failures, want %d", len(errs), assemblers-1)
	}
	for _, err := range errs {
		if !errors.Is(err, messaging.ErrMessageAssembly) {
			t.Errorf("losing assembler: err = %v, want ErrMessageAssembly", err)
		}
	}

	got, err := f.svc.GetMessage(ctx, orig.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !bytes.Equal(got.Data, orig.Data) {
		t.Error("assembled payload differs")
	}
	left, err := f.store.ListMessageParts(ctx, orig.ID)
	if err != nil || len(left) != 0 {
		t.Errorf("parts left = %d, %v; want 0", len(left), err)
	}
	if n := f.metrics.Assembled.Value(uploadType); n != 1 {
		t.Errorf("assembled counter = %d, want 1", n)
	}
}

func TestAssembleMessage_DuplicateMessageKeepsParts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, messaging.Config{})
	orig, parts := uploadParts(t, 60, 30)
	for _, p := range parts {
		if err := f.svc.QueueMessagePartForAssembly(ctx, p); err != nil {
			t.Fatalf("QueueMessagePartForAssembly: %v", err)
		}
	}
	if err := f.svc.CreateMessage(ctx, orig); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	_, err := f.svc.AssembleMessage(ctx, orig.ID, 2, "assembler-1")
	if !errors.Is(err, messaging.ErrDuplicateMessage) {
		t.Fatalf("err = %v, want ErrDuplicateMessage", err)
	}
	left, _ := f.store.ListMessageParts(ctx, orig.ID)
	if len(left) != 2 {
		t.Errorf("%d parts left, want 2", len(left))
	}
}

func TestUnlockMessagePart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, messaging.Config{})
	orig, parts := uploadParts(t, 60, 30)
	for _, p := range parts {
		if err := f.svc.QueueMessagePartForAssembly(ctx, p); err != nil {
			t.Fatalf("QueueMessagePartForAssembly: %v", err)
		}
	}
	locked, err := f.store.LockMessageParts(ctx, orig.ID, "assembler-1",
		types.StatusQueuedForAssembly, types.StatusAssembling)
	if err != nil {
		t.Fatalf("LockMessageParts: %v", err)
	}

	id := locked[0].ID
	if err := f.svc.UnlockMessagePart(ctx, id, "assembler-2", types.StatusQueuedForAssembly); !errors.Is(err, messaging.ErrLockMismatch) {
		t.Errorf("foreign unlock: err = %v, want ErrLockMismatch", err)
	}
	if err := f.svc.UnlockMessagePart(ctx, id, "assembler-1", types.StatusDownloaded); !errors.Is(err, messaging.ErrInvalidArgument) {
		t.Errorf("ASSEMBLING → DOWNLOADED: err = %v, want ErrInvalidArgument", err)
	}
	if err := f.svc.UnlockMessagePart(ctx, id, "assembler-1", types.StatusQueuedForAssembly); err != nil {
		t.Fatalf("UnlockMessagePart: %v", err)
	}
	if err := f.svc.SetMessagePartStatus(ctx, id, types.StatusAborted); err != nil {
		t.Errorf("SetMessagePartStatus ABORTED: %v", err)
	}
	if err := f.svc.DeleteMessagePart(ctx, id); err != nil {
		t.Errorf("DeleteMessagePart: %v", err)
	}
	if _, err := f.svc.GetMessagePart(ctx, id); !errors.Is(err, messaging.ErrMessagePartNotFound) {
		t.Errorf("deleted part: err = %v, want ErrMessagePartNotFound", err)
	}
}
