package sshpool

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// MaxResizeCols and MaxResizeRows bound terminal resize requests.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

// Shell wraps an SSH session with PTY support for interactive use.
type Shell struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	session *ssh.Session
}

// StartShell opens a new SSH session on an existing connection, requests
// a PTY and starts the remote login shell. Used both for fresh terminal
// connections and for upgrading a metrics-only connection in place.
func StartShell(client *ssh.Client) (*Shell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Shell{
		Stdin:   stdin,
		Stdout:  stdout,
		session: session,
	}, nil
}

func (s *Shell) Write(p []byte) (int, error) {
	return s.Stdin.Write(p)
}

// Resize changes the PTY dimensions, clamped to safe upper bounds.
func (s *Shell) Resize(cols, rows uint16) error {
	if cols > MaxResizeCols {
		cols = MaxResizeCols
	}
	if rows > MaxResizeRows {
		rows = MaxResizeRows
	}
	return s.session.WindowChange(int(rows), int(cols))
}

// Wait blocks until the remote shell exits.
func (s *Shell) Wait() error {
	return s.session.Wait()
}

func (s *Shell) Close() error {
	return s.session.Close()
}
