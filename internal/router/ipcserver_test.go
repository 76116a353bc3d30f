package router_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"membrane/internal/capro"
	"membrane/internal/chunk"
	"membrane/internal/port"
	"membrane/internal/portpool"
	"membrane/internal/process"
	"membrane/internal/router"
	"membrane/internal/runtime"
	"membrane/internal/shm"
)

// newTestIPCServer builds a router with a real management segment and
// data segment, places the PortPool in the management segment, and
// starts an IPCServer listening on a socket under t.TempDir(). It
// returns the socket path; the server is already listening and its
// Close is registered via t.Cleanup.
func newTestIPCServer(t *testing.T) (socketPath string) {
	t.Helper()

	cap := portpool.Capacities{Publishers: 4, Subscribers: 4, Interfaces: 2, Applications: 2, Nodes: 2, ConditionVariables: 2}
	pool := portpool.New(cap)

	mgmtName := fmt.Sprintf("membrane-test-mgmt-%d", time.Now().UnixNano())
	mgmtSeg, err := shm.Create(1, mgmtName, 1<<16, shm.Permissions{Mode: 0644})
	if err != nil {
		t.Fatalf("shm.Create mgmt: %v", err)
	}
	t.Cleanup(func() { mgmtSeg.Destroy() })

	provider := &portpool.MemoryProvider{}
	finish := pool.PlaceDirectories(provider, cap)
	if _, err := provider.Layout(uintptr(mgmtSeg.Base())); err != nil {
		t.Fatalf("Layout: %v", err)
	}
	finish()

	store := newTestStore(t)
	r := router.New(pool, router.Config{Stores: []*chunk.Store{store}})
	if err := r.Start(10*time.Millisecond, 50*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { r.Stop() })

	socketPath = filepath.Join(t.TempDir(), "membrane.sock")
	srv := router.NewIPCServer(socketPath, mgmtSeg.ID(), mgmtSeg.Name(), mgmtSeg.Size(), cap, r, nil)
	if err := srv.ListenAndServe(); err != nil {
		t.Fatalf("ListenAndServe: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	return socketPath
}

func TestRuntimeClientRegistersAndMapsManagementSegment(t *testing.T) {
	socketPath := newTestIPCServer(t)

	c, err := runtime.Dial(socketPath, "producer", "test-user", "", true, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
}

func TestRuntimeClientCreatePublisherSubscriberAndFindService(t *testing.T) {
	socketPath := newTestIPCServer(t)

	pub, err := runtime.Dial(socketPath, "producer", "u", "", true, nil)
	if err != nil {
		t.Fatalf("Dial producer: %v", err)
	}
	defer pub.Close()

	sub, err := runtime.Dial(socketPath, "consumer", "u", "", true, nil)
	if err != nil {
		t.Fatalf("Dial consumer: %v", err)
	}
	defer sub.Close()

	desc := capro.Descriptor{Service: "Radar", Instance: "Front", Event: "Obj"}

	pubHandle, err := pub.CreatePublisher(desc, port.WaitForConsumer, 4, 0)
	if err != nil {
		t.Fatalf("CreatePublisher: %v", err)
	}
	if !pub.PublisherAlive(pubHandle) {
		t.Fatal("freshly created publisher should be alive")
	}

	subHandle, err := sub.CreateSubscriber(desc, port.BlockProducer, 0, false, 4, 8)
	if err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}
	if !sub.SubscriberAlive(subHandle) {
		t.Fatal("freshly created subscriber should be alive")
	}

	matches, err := sub.FindService("Radar", "Front")
	if err != nil {
		t.Fatalf("FindService: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("FindService before Offer: got %d matches, want 0 (no publisher has offered yet)", len(matches))
	}

	if err := pub.Offer(pubHandle); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if err := sub.Subscribe(subHandle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		matches, err = sub.FindService("Radar", "Front")
		if err != nil {
			t.Fatalf("FindService: %v", err)
		}
		if len(matches) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(matches) != 1 {
		t.Fatalf("FindService after Offer: got %d matches, want 1", len(matches))
	}

	if err := pub.StopOffer(pubHandle); err != nil {
		t.Fatalf("StopOffer: %v", err)
	}
	if err := sub.Unsubscribe(subHandle); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
}

func TestRuntimeClientStatusReportsProcessCount(t *testing.T) {
	socketPath := newTestIPCServer(t)

	c, err := runtime.Dial(socketPath, "watcher", "u", "", true, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	snap, err := c.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.ProcessCount != 1 {
		t.Fatalf("ProcessCount = %d, want 1", snap.ProcessCount)
	}
}

func TestDialStatusOnlySkipsRegistration(t *testing.T) {
	socketPath := newTestIPCServer(t)

	c, err := runtime.DialStatusOnly(socketPath)
	if err != nil {
		t.Fatalf("DialStatusOnly: %v", err)
	}
	defer c.Close()

	snap, err := c.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.ProcessCount != 0 {
		t.Fatalf("ProcessCount = %d, want 0 (no REG was sent)", snap.ProcessCount)
	}
}

func TestProcessRequestTypeStatusWireRoundTrip(t *testing.T) {
	f := process.Frame{Type: string(process.Status)}
	if f.Encode() != "STATUS" {
		t.Fatalf("Encode() = %q, want %q", f.Encode(), "STATUS")
	}
}
