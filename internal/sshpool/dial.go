package sshpool

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/servoxhq/servox/internal/logutil"
)

// Purpose-specific dial settings. Interactive shells tolerate a slower
// handshake; metrics probes should give up quickly.
const (
	TerminalDialTimeout = 30 * time.Second
	TerminalKeepalive   = 10 * time.Second
	MetricsDialTimeout  = 10 * time.Second
	MetricsKeepalive    = 30 * time.Second
)

// Dial opens a password-authenticated SSH connection and starts a
// keepalive loop on it. The returned cancel func stops the keepalive;
// it is handed to Register so the pool stops it on disposal.
func Dial(ctx context.Context, addr, user, password string, timeout, keepalive time.Duration) (*ssh.Client, context.CancelFunc, error) {
	if addr == "" {
		return nil, nil, fmt.Errorf("dial: address is empty")
	}
	if password == "" {
		return nil, nil, fmt.Errorf("dial: credential is empty")
	}
	if user == "" {
		user = "root"
	}
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}

	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	var client *ssh.Client
	var dialErr error
	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		client, dialErr = ssh.Dial("tcp", addr, config)
	}()

	select {
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("dial: context cancelled: %w", ctx.Err())
	case <-dialDone:
		if dialErr != nil {
			return nil, nil, fmt.Errorf("connect to %s: %w", logutil.SanitizeForLog(addr), dialErr)
		}
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	go keepaliveLoop(kaCtx, client, addr, keepalive)

	log.Printf("[pool] connected to %s as %s", logutil.SanitizeForLog(addr), logutil.SanitizeForLog(user))
	return client, cancel, nil
}

// keepaliveLoop pings the connection until cancelled or the peer stops
// answering. A failed keepalive just closes the client; the pool notices
// through shell errors or the next probe failure.
func keepaliveLoop(ctx context.Context, client *ssh.Client, addr string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("[pool] keepalive failed for %s: %v", logutil.SanitizeForLog(addr), err)
				client.Close()
				return
			}
		}
	}
}
