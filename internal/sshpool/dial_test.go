package sshpool

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/servoxhq/servox/internal/sshtest"
)

func dialTestServer(t *testing.T) (*sshtest.Server, *Session, *Pool) {
	t.Helper()
	srv := sshtest.Start(t)

	client, stop, err := Dial(context.Background(), srv.Addr, sshtest.User, sshtest.Password, 5*time.Second, time.Minute)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	p := newTestPool(t)
	sess := p.Register("vps-1", sshtest.User, srv.Addr, sshtest.Password, client, RoleTerminal, stop)
	return srv, sess, p
}

func TestDialRejectsBadCredentials(t *testing.T) {
	srv := sshtest.Start(t)

	_, _, err := Dial(context.Background(), srv.Addr, sshtest.User, "wrong", 5*time.Second, time.Minute)
	if err == nil {
		t.Fatal("expected auth failure")
	}
}

func TestDialValidatesInput(t *testing.T) {
	if _, _, err := Dial(context.Background(), "", "root", "pw", time.Second, time.Minute); err == nil {
		t.Fatal("expected error for empty address")
	}
	if _, _, err := Dial(context.Background(), "127.0.0.1:22", "root", "", time.Second, time.Minute); err == nil {
		t.Fatal("expected error for empty credential")
	}
}

func TestDialHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Unroutable address; cancellation must win over the dial timeout.
	start := time.Now()
	_, _, err := Dial(ctx, "192.0.2.1:22", "root", "pw", 30*time.Second, time.Minute)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancelled dial blocked on the network timeout")
	}
}

func TestStartShellEchoesInput(t *testing.T) {
	_, sess, _ := dialTestServer(t)

	shell, err := StartShell(sess.Client)
	if err != nil {
		t.Fatalf("start shell: %v", err)
	}
	defer shell.Close()

	readShellUntil(t, shell.Stdout, sshtest.Banner, 2*time.Second)

	if _, err := shell.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readShellUntil(t, shell.Stdout, "echo:hello", 2*time.Second)
}

func TestShellResizeClampsDimensions(t *testing.T) {
	_, sess, _ := dialTestServer(t)

	shell, err := StartShell(sess.Client)
	if err != nil {
		t.Fatalf("start shell: %v", err)
	}
	defer shell.Close()

	readShellUntil(t, shell.Stdout, sshtest.Banner, 2*time.Second)

	if err := shell.Resize(10000, 10000); err != nil {
		t.Fatalf("resize: %v", err)
	}
	readShellUntil(t, shell.Stdout, "resize:500x500", 2*time.Second)
}

func TestSecondShellOnSameConnection(t *testing.T) {
	// The metrics->terminal upgrade path opens a shell on a connection
	// that already served exec probes; both run over one handshake.
	_, sess, _ := dialTestServer(t)

	first, err := StartShell(sess.Client)
	if err != nil {
		t.Fatalf("first shell: %v", err)
	}
	first.Close()

	second, err := StartShell(sess.Client)
	if err != nil {
		t.Fatalf("second shell: %v", err)
	}
	defer second.Close()

	readShellUntil(t, second.Stdout, sshtest.Banner, 2*time.Second)
}

func TestRemoveIfShellIgnoresStaleShell(t *testing.T) {
	_, sess, p := dialTestServer(t)

	shell, err := StartShell(sess.Client)
	if err != nil {
		t.Fatalf("start shell: %v", err)
	}
	p.SetShell("vps-1", shell)

	// A downgrade detaches the shell; its reader must not purge the
	// surviving metrics session.
	sess.Role = RoleBoth
	p.DetachUser("vps-1", sshtest.User)
	if p.RemoveIfShell("vps-1", shell) {
		t.Fatal("stale shell removed the downgraded session")
	}
	if p.Get("vps-1") == nil {
		t.Fatal("downgraded session gone")
	}

	// A replaced shell is equally stale.
	replacement, err := StartShell(sess.Client)
	if err != nil {
		t.Fatalf("replacement shell: %v", err)
	}
	p.SetShell("vps-1", replacement)
	if p.RemoveIfShell("vps-1", shell) {
		t.Fatal("old shell removed the session out from under its replacement")
	}

	// The current shell still tears the session down.
	if !p.RemoveIfShell("vps-1", replacement) {
		t.Fatal("current shell failed to remove its session")
	}
	if p.Get("vps-1") != nil {
		t.Fatal("session survived removal by its own shell")
	}
}

func readShellUntil(t *testing.T, r io.Reader, target string, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	var accumulated strings.Builder
	buf := make([]byte, 4096)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %q, got: %q", target, accumulated.String())
		default:
		}
		n, err := r.Read(buf)
		if n > 0 {
			accumulated.Write(buf[:n])
		}
		if strings.Contains(accumulated.String(), target) {
			return accumulated.String()
		}
		if err != nil {
			t.Fatalf("read error waiting for %q: %v, accumulated: %q", target, err, accumulated.String())
		}
	}
}
