// Package sshterminal provides the interactive terminal layer: one shell
// per instance fanned out to any number of attached viewers, with
// in-place upgrade of metrics-only connections and short-lived capability
// tokens for WebSocket authentication.
package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/servoxhq/servox/internal/crypto"
	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/logutil"
	"github.com/servoxhq/servox/internal/monitor"
	"github.com/servoxhq/servox/internal/sshpool"
)

var (
	ErrInstanceNotDeployed = errors.New("instance is not deployed")
	ErrMissingCredentials  = errors.New("instance has no usable credentials")
)

// Viewer repaint delays after attaching to an existing session.
const (
	refreshDelay = 200 * time.Millisecond
	welcomeDelay = 500 * time.Millisecond
)

type viewer struct {
	clientID string
	onError  func(error)
	onEnd    func()
}

// Service multiplexes interactive shells over pooled SSH connections.
type Service struct {
	pool *sshpool.Pool

	mu          sync.Mutex
	viewers     map[string]map[string]*viewer // instance -> clientID -> viewer
	lastClient  map[string]string             // user|instance -> most recent clientID
	disconnects map[string]func()             // clientID -> one-shot detach

	// serializes attaches per instance so concurrent first attaches
	// collapse onto one dial
	attachMu map[string]*sync.Mutex
}

func NewService(pool *sshpool.Pool) *Service {
	return &Service{
		pool:        pool,
		viewers:     make(map[string]map[string]*viewer),
		lastClient:  make(map[string]string),
		disconnects: make(map[string]func()),
		attachMu:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) instanceLock(instanceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachMu[instanceID] == nil {
		s.attachMu[instanceID] = &sync.Mutex{}
	}
	return s.attachMu[instanceID]
}

// AttachRequest binds one viewer to one instance's shell.
type AttachRequest struct {
	InstanceID string
	UserID     string
	Sink       sshpool.OutputFunc
	OnError    func(error)
	OnEnd      func()
}

// AttachResult reports how the viewer was wired up. Reused tells the
// transport whether to synthesize a welcome banner of its own.
type AttachResult struct {
	ClientID string
	Reused   bool
}

// target is the deployment coordinate set resolved from the order record.
type target struct {
	addr     string
	user     string
	password string
}

func resolveTarget(instanceID string) (*target, error) {
	id, err := strconv.ParseUint(instanceID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad instance id %q: %w", logutil.SanitizeForLog(instanceID), err)
	}
	order, err := database.GetOrderByInstanceID(uint(id))
	if err != nil {
		return nil, ErrInstanceNotDeployed
	}
	if order.DeploymentStatus != "deployed" || order.IPAddress == "" {
		return nil, ErrInstanceNotDeployed
	}
	password, err := crypto.Decrypt(order.AdminPasswordEnc)
	if err != nil || password == "" {
		return nil, ErrMissingCredentials
	}
	return &target{addr: order.IPAddress, user: order.AdminUser, password: password}, nil
}

// Attach wires a viewer to the instance's shell, creating or upgrading
// the underlying SSH session as needed. The one-session invariant holds
// throughout: concurrent attaches collapse onto one connection.
func (s *Service) Attach(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	clientID := fmt.Sprintf("%s:%s:%d", req.UserID, req.InstanceID, time.Now().UnixMilli())

	tgt, err := resolveTarget(req.InstanceID)
	if err != nil {
		return nil, err
	}

	lock := s.instanceLock(req.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess := s.pool.AcquireForTerminal(req.InstanceID, req.UserID)

	// Fast path: a live shell already exists, just add the viewer.
	if sess != nil && sess.Shell != nil {
		s.wireViewerLocked(req, clientID)
		s.mu.Unlock()

		s.scheduleRepaint(req.InstanceID, req.Sink)
		monitor.TerminalAttaches.Inc()
		log.Printf("[terminal] attached to existing shell: instance=%s user=%s",
			logutil.SanitizeForLog(req.InstanceID), logutil.SanitizeForLog(req.UserID))
		return &AttachResult{ClientID: clientID, Reused: true}, nil
	}

	// Upgrade path: connection exists in metrics role, add a shell on it
	// without a second handshake.
	if sess != nil {
		shell, err := sshpool.StartShell(sess.Client)
		if err != nil {
			s.mu.Unlock()
			s.pool.DetachUser(req.InstanceID, req.UserID)
			return nil, fmt.Errorf("upgrade shell: %w", err)
		}
		s.pool.SetShell(req.InstanceID, shell)
		s.wireViewerLocked(req, clientID)
		s.mu.Unlock()

		go s.pump(req.InstanceID, shell, clientID)
		monitor.TerminalAttaches.Inc()
		log.Printf("[terminal] upgraded metrics connection: instance=%s user=%s",
			logutil.SanitizeForLog(req.InstanceID), logutil.SanitizeForLog(req.UserID))
		return &AttachResult{ClientID: clientID, Reused: true}, nil
	}
	s.mu.Unlock()

	// Fresh connection.
	client, stop, err := sshpool.Dial(ctx, tgt.addr, tgt.user, tgt.password,
		sshpool.TerminalDialTimeout, sshpool.TerminalKeepalive)
	if err != nil {
		return nil, err
	}

	registered := s.pool.Register(req.InstanceID, req.UserID, tgt.addr, tgt.password,
		client, sshpool.RoleTerminal, stop)
	if registered == nil {
		return nil, fmt.Errorf("pool is shut down")
	}

	shell, err := sshpool.StartShell(client)
	if err != nil {
		s.pool.Remove(req.InstanceID)
		return nil, fmt.Errorf("start shell: %w", err)
	}
	s.pool.SetShell(req.InstanceID, shell)

	s.mu.Lock()
	s.wireViewerLocked(req, clientID)
	s.mu.Unlock()

	go s.pump(req.InstanceID, shell, clientID)
	monitor.TerminalAttaches.Inc()
	log.Printf("[terminal] new shell session: instance=%s user=%s addr=%s",
		logutil.SanitizeForLog(req.InstanceID), logutil.SanitizeForLog(req.UserID),
		logutil.SanitizeForLog(tgt.addr))
	return &AttachResult{ClientID: clientID, Reused: false}, nil
}

// wireViewerLocked registers the sink, the viewer callbacks and the
// one-shot detach handler. Caller holds s.mu.
func (s *Service) wireViewerLocked(req AttachRequest, clientID string) {
	s.pool.AddSink(req.InstanceID, clientID, req.Sink)

	if s.viewers[req.InstanceID] == nil {
		s.viewers[req.InstanceID] = make(map[string]*viewer)
	}
	s.viewers[req.InstanceID][clientID] = &viewer{
		clientID: clientID,
		onError:  req.OnError,
		onEnd:    req.OnEnd,
	}

	userKey := req.UserID + "|" + req.InstanceID
	s.lastClient[userKey] = clientID

	instanceID := req.InstanceID
	userID := req.UserID
	s.disconnects[clientID] = func() {
		s.pool.RemoveSink(instanceID, clientID)
		s.mu.Lock()
		if m := s.viewers[instanceID]; m != nil {
			delete(m, clientID)
			if len(m) == 0 {
				delete(s.viewers, instanceID)
			}
		}
		if s.lastClient[userKey] == clientID {
			delete(s.lastClient, userKey)
		}
		s.mu.Unlock()
		s.pool.DetachUser(instanceID, userID)
	}
}

// scheduleRepaint nudges the shell so a newly attached viewer gets a
// prompt, and replays the welcome banner if nobody has seen it yet.
func (s *Service) scheduleRepaint(instanceID string, sink sshpool.OutputFunc) {
	time.AfterFunc(refreshDelay, func() {
		if sess := s.pool.Get(instanceID); sess != nil && sess.Shell != nil {
			sess.Shell.Write([]byte("\r"))
		}
	})
	time.AfterFunc(welcomeDelay, func() {
		if banner := s.pool.ConsumeWelcome(instanceID); banner != nil {
			sink(banner)
		}
	})
}

// pump reads shell output and fans it out to every sink, the attaching
// viewer's first. It owns error/end propagation: every viewer hears
// about a dead shell, then the session is purged so the next attach
// starts fresh.
func (s *Service) pump(instanceID string, shell *sshpool.Shell, directID string) {
	buf := make([]byte, 32*1024)
	welcomeCaptured := false
	for {
		n, err := shell.Stdout.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !welcomeCaptured {
				welcomeCaptured = true
				s.pool.SetWelcome(instanceID, chunk, s.pool.SinkCount(instanceID) > 0)
			}
			s.pool.Deliver(instanceID, chunk, directID)
		}
		if err != nil {
			if err == io.EOF {
				s.finish(instanceID, shell, nil)
			} else {
				s.finish(instanceID, shell, err)
			}
			return
		}
	}
}

// finish propagates shell termination to all viewers and purges the
// session. err == nil means a clean end. The purge is keyed on the ended
// shell: when it was already detached by a both->metrics downgrade or
// replaced by a newer registration, the surviving session is left alone.
func (s *Service) finish(instanceID string, shell *sshpool.Shell, err error) {
	if !s.pool.RemoveIfShell(instanceID, shell) {
		log.Printf("[terminal] stale shell reader exiting: instance=%s", logutil.SanitizeForLog(instanceID))
		return
	}

	s.mu.Lock()
	var all []*viewer
	for _, v := range s.viewers[instanceID] {
		all = append(all, v)
	}
	delete(s.viewers, instanceID)
	s.mu.Unlock()

	for _, v := range all {
		if err != nil {
			if v.onError != nil {
				v.onError(err)
			}
		} else if v.onEnd != nil {
			v.onEnd()
		}
	}

	if err != nil {
		log.Printf("[terminal] shell error: instance=%s err=%v", logutil.SanitizeForLog(instanceID), err)
	} else {
		log.Printf("[terminal] shell ended: instance=%s", logutil.SanitizeForLog(instanceID))
	}
}

// Send writes keystrokes to the instance's shell. Returns false when no
// shell exists; callers log and continue.
func (s *Service) Send(instanceID string, data []byte) bool {
	sess := s.pool.Get(instanceID)
	if sess == nil || sess.Shell == nil {
		return false
	}
	if _, err := sess.Shell.Write(data); err != nil {
		return false
	}
	s.pool.Touch(instanceID)
	return true
}

// Resize forwards a window-size change. Returns false when no shell
// exists or the transport rejects it.
func (s *Service) Resize(instanceID string, cols, rows uint16) bool {
	sess := s.pool.Get(instanceID)
	if sess == nil || sess.Shell == nil {
		return false
	}
	return sess.Shell.Resize(cols, rows) == nil
}

// Detach fires the one-shot detach handler for the user's most recent
// attachment to the instance. Calling it again is a no-op.
func (s *Service) Detach(userID, instanceID string) {
	userKey := userID + "|" + instanceID

	s.mu.Lock()
	clientID, ok := s.lastClient[userKey]
	var fire func()
	if ok {
		fire = s.disconnects[clientID]
		delete(s.disconnects, clientID)
	}
	s.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// DetachClient fires the detach handler for a specific attachment.
func (s *Service) DetachClient(clientID string) {
	s.mu.Lock()
	fire := s.disconnects[clientID]
	delete(s.disconnects, clientID)
	s.mu.Unlock()

	if fire != nil {
		fire()
	}
}
