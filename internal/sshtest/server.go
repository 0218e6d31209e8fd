// Package sshtest runs an in-process SSH server for exercising the
// connection pool, metrics collector, and terminal service against a
// real handshake without a remote host.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

const (
	User     = "root"
	Password = "test-password"
	Banner   = "Welcome to test-vps\r\n"
)

// Server accepts password logins and supports PTY shell sessions (echoes
// stdin back with an "echo:" prefix after a welcome banner) and exec
// requests answered from a canned command table.
type Server struct {
	Addr string

	mu        sync.Mutex
	execOut   map[string]string
	execFail  map[string]bool
	execCount map[string]int

	listener net.Listener
	done     chan struct{}
}

// Start launches the server on a loopback port. It is shut down via
// t.Cleanup.
func Start(t *testing.T) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == User && string(password) == Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:      listener.Addr().String(),
		execOut:   make(map[string]string),
		execFail:  make(map[string]bool),
		execCount: make(map[string]int),
		listener:  listener,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleConn(netConn, config)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		<-s.done
	})
	return s
}

// SetExec configures the output for an exec'd command.
func (s *Server) SetExec(cmd, output string) {
	s.mu.Lock()
	s.execOut[cmd] = output
	s.mu.Unlock()
}

// FailExec makes an exec'd command exit non-zero.
func (s *Server) FailExec(cmd string) {
	s.mu.Lock()
	s.execFail[cmd] = true
	s.mu.Unlock()
}

// ExecCount reports how often a command has been exec'd.
func (s *Server) ExecCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execCount[cmd]
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				ch.Write([]byte(fmt.Sprintf("resize:%dx%d\n", cols, rows)))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			ch.Write([]byte(Banner))
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						ch.Write([]byte("echo:"))
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
			// Keep draining requests so window-change still works.

		case "exec":
			if req.WantReply {
				req.Reply(true, nil)
			}
			cmd := parseExecPayload(req.Payload)
			output, status := s.execResult(cmd)
			ch.Write([]byte(output))
			ch.SendRequest("exit-status", false, exitStatusPayload(status))
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) execResult(cmd string) (string, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execCount[cmd]++
	if s.execFail[cmd] {
		return "command failed\n", 1
	}
	if out, ok := s.execOut[cmd]; ok {
		return out, 0
	}
	return "", 0
}

func parseExecPayload(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	length := binary.BigEndian.Uint32(payload[0:4])
	if int(length) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+length])
}

func exitStatusPayload(status uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, status)
	return buf
}
