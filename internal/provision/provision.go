// Package provision performs post-deployment instance setup over SSH:
// waiting for the SSH port to come up, then applying hostname and MOTD
// customization.
package provision

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/servoxhq/servox/internal/logutil"
	"github.com/servoxhq/servox/internal/sshpool"
)

const (
	sshPort      = "22"
	pollInterval = 5 * time.Second
)

// WaitForSSH polls the instance's SSH port until it accepts TCP
// connections or the deadline passes.
func WaitForSSH(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	target := net.JoinHostPort(addr, sshPort)

	for {
		conn, err := net.DialTimeout("tcp", target, 5*time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ssh port on %s not reachable after %s: %w",
				logutil.SanitizeForLog(addr), timeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Customize sets the hostname and installs a branded MOTD. Failures are
// logged and returned but deployment proceeds regardless; customization
// is cosmetic.
func Customize(ctx context.Context, addr, user, password, hostname string) error {
	client, stop, err := sshpool.Dial(ctx, addr, user, password,
		sshpool.TerminalDialTimeout, sshpool.MetricsKeepalive)
	if err != nil {
		return fmt.Errorf("customize dial: %w", err)
	}
	defer stop()
	defer client.Close()

	commands := []string{
		fmt.Sprintf("hostnamectl set-hostname %s || hostname %s", hostname, hostname),
		fmt.Sprintf(`printf '\nWelcome to %s\nManaged by Servox\n\n' > /etc/motd`, hostname),
	}

	for _, cmd := range commands {
		if err := runCommand(client, cmd); err != nil {
			return fmt.Errorf("customize %s: %w", logutil.SanitizeForLog(addr), err)
		}
	}

	log.Printf("[provision] customized %s (hostname=%s)",
		logutil.SanitizeForLog(addr), logutil.SanitizeForLog(hostname))
	return nil
}

func runCommand(client *ssh.Client, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	out, err := session.CombinedOutput(cmd)
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
