package process_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"membrane/internal/process"
	"membrane/internal/relptr"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func assignOK(segID relptr.SegmentID) func() (process.RegReply, error) {
	return func() (process.RegReply, error) {
		return process.RegReply{MgmtBase: 0x1000, MgmtSize: 4096, MgmtOffset: 0, SegmentID: segID}, nil
	}
}

func TestRegisterRejectsVersionMismatch(t *testing.T) {
	mgr := process.NewManager(process.Config{Version: "v2"})
	_, _, err := mgr.Register(process.RegRequest{RuntimeName: "p1", Version: "v1"}, assignOK(1))
	if err != process.ErrVersionMismatch {
		t.Fatalf("Register error = %v, want ErrVersionMismatch", err)
	}
}

func TestRegisterRejectsDuplicateMonitoredName(t *testing.T) {
	mgr := process.NewManager(process.Config{})
	if _, _, err := mgr.Register(process.RegRequest{RuntimeName: "p1", Monitored: true, SessionID: uuid.New()}, assignOK(1)); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, _, err := mgr.Register(process.RegRequest{RuntimeName: "p1", Monitored: true, SessionID: uuid.New()}, assignOK(2)); err != process.ErrNameTaken {
		t.Fatalf("second Register error = %v, want ErrNameTaken", err)
	}
}

func TestRegisterReplacesUnmonitoredName(t *testing.T) {
	mgr := process.NewManager(process.Config{})
	if _, _, err := mgr.Register(process.RegRequest{RuntimeName: "p1", Monitored: false}, assignOK(1)); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	rec, _, err := mgr.Register(process.RegRequest{RuntimeName: "p1", Monitored: true}, assignOK(2))
	if err != nil {
		t.Fatalf("replacement Register: %v", err)
	}
	if rec.SegmentID != 2 {
		t.Fatalf("SegmentID = %d, want 2 (replacement record)", rec.SegmentID)
	}
}

func TestReapDeadRemovesExpiredMonitoredProcesses(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	mgr := process.NewManager(process.Config{
		KeepAliveTimeout: 100 * time.Millisecond,
		Now:              func() time.Time { return clock },
	})
	if _, _, err := mgr.Register(process.RegRequest{RuntimeName: "alive", Monitored: true}, assignOK(1)); err != nil {
		t.Fatalf("Register alive: %v", err)
	}
	if _, _, err := mgr.Register(process.RegRequest{RuntimeName: "dying", Monitored: true}, assignOK(2)); err != nil {
		t.Fatalf("Register dying: %v", err)
	}
	if _, _, err := mgr.Register(process.RegRequest{RuntimeName: "unmonitored", Monitored: false}, assignOK(3)); err != nil {
		t.Fatalf("Register unmonitored: %v", err)
	}

	clock = clock.Add(50 * time.Millisecond)
	if err := mgr.Touch("alive"); err != nil {
		t.Fatalf("Touch alive: %v", err)
	}

	clock = clock.Add(100 * time.Millisecond)
	dead := mgr.ReapDead()

	if len(dead) != 1 || dead[0] != "dying" {
		t.Fatalf("ReapDead = %v, want [dying]", dead)
	}
	if _, ok := mgr.Get("dying"); ok {
		t.Fatal("dying record should have been removed")
	}
	if _, ok := mgr.Get("alive"); !ok {
		t.Fatal("alive record should remain")
	}
	if _, ok := mgr.Get("unmonitored"); !ok {
		t.Fatal("unmonitored record is never reaped by keepalive timeout")
	}
}

func TestShutdownEscalatesFromAckToSigtermToSigkill(t *testing.T) {
	mgr := process.NewManager(process.Config{})

	var sent []process.Frame
	if _, _, err := mgr.Register(process.RegRequest{RuntimeName: "cooperative", Monitored: true}, assignOK(1)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec, _ := mgr.Get("cooperative")
	rec.Send = func(f process.Frame) error {
		sent = append(sent, f)
		go mgr.Acknowledge("cooperative")
		return nil
	}

	if _, _, err := mgr.Register(process.RegRequest{RuntimeName: "stuck", Monitored: true}, assignOK(2)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	stuckRec, _ := mgr.Get("stuck")
	stuckRec.Send = func(f process.Frame) error { return nil }

	var signals []int
	sig := func(pid int, signum int) error {
		signals = append(signals, signum)
		return nil
	}

	ctx := context.Background()
	mgr.Shutdown(ctx, 50*time.Millisecond, 20*time.Millisecond, sig, 15, 9)

	if len(sent) != 1 || sent[0].Type != string(process.PrepareAppTermination) {
		t.Fatalf("sent = %v, want one PREPARE_APP_TERMINATION", sent)
	}
	foundTerm, foundKill := false, false
	for _, s := range signals {
		if s == 15 {
			foundTerm = true
		}
		if s == 9 {
			foundKill = true
		}
	}
	if !foundTerm || !foundKill {
		t.Fatalf("signals = %v, want both SIGTERM(15) and SIGKILL(9) for the stuck process", signals)
	}
	if mgr.Len() != 0 {
		t.Fatalf("Len() after Shutdown = %d, want 0", mgr.Len())
	}
}
