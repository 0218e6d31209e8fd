// Package sshpool maintains at most one live SSH connection per VPS
// instance and tracks which roles (interactive terminal, metrics polling)
// currently justify keeping it open. The pool owns every Session and its
// shell handle; the terminal and metrics layers only borrow them.
package sshpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/servoxhq/servox/internal/logutil"
)

type Role string

const (
	RoleTerminal Role = "terminal"
	RoleMetrics  Role = "metrics"
	RoleBoth     Role = "both"
)

// Default lifecycle timings. Overridable per pool for tests.
const (
	defaultSweepInterval = 10 * time.Minute
	defaultTerminalIdle  = 30 * time.Minute
	defaultMetricsIdle   = 15 * time.Minute
	defaultDetachGrace   = 30 * time.Second
)

// OutputFunc receives a chunk of shell output. Registered sinks are
// invoked synchronously, in registration order, for every chunk.
type OutputFunc func(data []byte)

type sinkEntry struct {
	id string
	fn OutputFunc
}

// Session is one live SSH connection to one VPS instance. All fields are
// guarded by the owning pool's mutex except Client and Shell I/O, which
// are safe for concurrent use.
type Session struct {
	InstanceID  string
	Addr        string
	Username    string
	fingerprint string

	Client *ssh.Client
	Shell  *Shell // nil while the session is metrics-only

	Role   Role
	Reused bool

	Welcome     []byte
	WelcomeSent bool

	CreatedAt  time.Time
	LastActive time.Time

	users map[string]struct{}
	sinks []sinkEntry

	// pending destruction after the last terminal user left
	graceTimer *time.Timer

	stopKeepalive context.CancelFunc
}

// Pool is the process-wide session registry. The zero value is not usable;
// construct with New.
type Pool struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	addrIndex map[string]string // addr|credential-fingerprint -> instance id
	closed    bool

	SweepInterval time.Duration
	TerminalIdle  time.Duration
	MetricsIdle   time.Duration
	DetachGrace   time.Duration

	sweepCtx    context.Context
	sweepCancel context.CancelFunc
	sweepOnce   sync.Once
	sweepWg     sync.WaitGroup
}

func New() *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sessions:      make(map[string]*Session),
		addrIndex:     make(map[string]string),
		SweepInterval: defaultSweepInterval,
		TerminalIdle:  defaultTerminalIdle,
		MetricsIdle:   defaultMetricsIdle,
		DetachGrace:   defaultDetachGrace,
		sweepCtx:      ctx,
		sweepCancel:   cancel,
	}
}

// startSweeper launches the sweep loop on the first registration, so
// per-pool timing overrides set before any traffic take effect.
func (p *Pool) startSweeper() {
	p.sweepOnce.Do(func() {
		p.sweepWg.Add(1)
		go p.sweepLoop()
	})
}

// Fingerprint derives the credential half of the address index key. The
// raw secret never ends up in a map key or a log line.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

func addrKey(addr, fingerprint string) string {
	return addr + "|" + fingerprint
}

// Get returns the session for an instance, or nil. Lookups fail closed.
func (p *Pool) Get(instanceID string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[instanceID]
}

// AcquireForTerminal marks an existing session as terminal-used by the
// given user and returns it. Returns nil when no session exists; the
// caller must dial and Register.
func (p *Pool) AcquireForTerminal(instanceID, user string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[instanceID]
	if !ok {
		return nil
	}

	switch sess.Role {
	case RoleMetrics:
		sess.Role = RoleBoth
	case "":
		sess.Role = RoleTerminal
	}
	sess.users[user] = struct{}{}
	sess.Reused = true
	sess.LastActive = time.Now()
	p.cancelGraceLocked(sess)

	log.Printf("[pool] terminal acquire: instance=%s user=%s role=%s viewers=%d",
		logutil.SanitizeForLog(instanceID), logutil.SanitizeForLog(user), sess.Role, len(sess.users))
	return sess
}

// AcquireForMetrics returns the session for an instance in metrics role,
// falling back to an address+credential lookup when the instance id is
// not yet indexed (metrics polling can start before any terminal attach
// establishes the mapping). Never creates a shell.
func (p *Pool) AcquireForMetrics(instanceID, addr, fingerprint string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[instanceID]
	if !ok && addr != "" {
		if mapped, found := p.addrIndex[addrKey(addr, fingerprint)]; found {
			sess, ok = p.sessions[mapped]
		}
	}
	if !ok || sess == nil {
		return nil
	}

	switch sess.Role {
	case RoleTerminal:
		sess.Role = RoleBoth
	case "":
		sess.Role = RoleMetrics
	}
	sess.Reused = true
	sess.LastActive = time.Now()
	return sess
}

// Register inserts a new session, establishing the address->instance
// mapping for later metrics-only lookups. Any existing session for the
// instance is closed first, preserving the one-session invariant.
func (p *Pool) Register(instanceID, user, addr, credential string, client *ssh.Client, role Role, stopKeepalive context.CancelFunc) *Session {
	fingerprint := Fingerprint(credential)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if stopKeepalive != nil {
			stopKeepalive()
		}
		if client != nil {
			client.Close()
		}
		return nil
	}

	old := p.sessions[instanceID]

	now := time.Now()
	sess := &Session{
		InstanceID:    instanceID,
		Addr:          addr,
		Username:      user,
		fingerprint:   fingerprint,
		Client:        client,
		Role:          role,
		CreatedAt:     now,
		LastActive:    now,
		users:         make(map[string]struct{}),
		stopKeepalive: stopKeepalive,
	}
	if user != "" && (role == RoleTerminal || role == RoleBoth) {
		sess.users[user] = struct{}{}
	}
	p.sessions[instanceID] = sess
	if addr != "" {
		p.addrIndex[addrKey(addr, fingerprint)] = instanceID
	}
	p.mu.Unlock()

	p.startSweeper()

	if old != nil {
		log.Printf("[pool] replacing session for instance=%s", logutil.SanitizeForLog(instanceID))
		p.dispose(old)
	}

	log.Printf("[pool] registered: instance=%s addr=%s role=%s",
		logutil.SanitizeForLog(instanceID), logutil.SanitizeForLog(addr), role)
	return sess
}

// Rekey re-indexes a session registered under a stale or provisional
// identifier once the definitive instance id is known, e.g. when the
// metrics address fallback finds a connection left over from a previous
// order for the same VPS.
func (p *Pool) Rekey(oldID, newID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[oldID]
	if !ok || oldID == newID {
		return ok && oldID == newID
	}
	if existing, clash := p.sessions[newID]; clash && existing != sess {
		return false
	}
	delete(p.sessions, oldID)
	sess.InstanceID = newID
	p.sessions[newID] = sess
	if sess.Addr != "" {
		p.addrIndex[addrKey(sess.Addr, sess.fingerprint)] = newID
	}
	log.Printf("[pool] rekeyed %s -> %s", logutil.SanitizeForLog(oldID), logutil.SanitizeForLog(newID))
	return true
}

// SetShell attaches a shell handle to a session (the metrics->terminal
// upgrade path reuses the existing connection).
func (p *Pool) SetShell(instanceID string, shell *Shell) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[instanceID]
	if !ok {
		return
	}
	sess.Shell = shell
	if sess.Role == RoleMetrics {
		sess.Role = RoleBoth
	} else if sess.Role == "" {
		sess.Role = RoleTerminal
	}
	sess.LastActive = time.Now()
}

// DetachUser removes a user from a session's attachment set. With no
// users left, a terminal-only session is destroyed after a grace delay
// (re-attachment cancels it); a both-role session downgrades to
// metrics-only immediately, closing the shell but keeping the connection.
func (p *Pool) DetachUser(instanceID, user string) {
	p.mu.Lock()
	sess, ok := p.sessions[instanceID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(sess.users, user)
	remaining := len(sess.users)

	if remaining > 0 {
		p.mu.Unlock()
		log.Printf("[pool] detach: instance=%s user=%s viewers=%d",
			logutil.SanitizeForLog(instanceID), logutil.SanitizeForLog(user), remaining)
		return
	}

	switch sess.Role {
	case RoleBoth:
		// The metrics side keeps the connection alive.
		shell := sess.Shell
		sess.Shell = nil
		sess.Role = RoleMetrics
		sess.sinks = nil
		sess.WelcomeSent = false
		p.mu.Unlock()
		if shell != nil {
			shell.Close()
		}
		log.Printf("[pool] downgraded to metrics: instance=%s", logutil.SanitizeForLog(instanceID))
	case RoleTerminal:
		p.cancelGraceLocked(sess)
		id := instanceID
		sess.graceTimer = time.AfterFunc(p.DetachGrace, func() {
			p.evictIfIdle(id)
		})
		p.mu.Unlock()
		log.Printf("[pool] last viewer left, eviction scheduled: instance=%s", logutil.SanitizeForLog(instanceID))
	default:
		p.mu.Unlock()
	}
}

func (p *Pool) cancelGraceLocked(sess *Session) {
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
}

// evictIfIdle destroys a session if it still has no attached users.
func (p *Pool) evictIfIdle(instanceID string) {
	p.mu.Lock()
	sess, ok := p.sessions[instanceID]
	if !ok || len(sess.users) > 0 {
		p.mu.Unlock()
		return
	}
	p.removeLocked(sess)
	p.mu.Unlock()
	p.dispose(sess)
	log.Printf("[pool] evicted idle session: instance=%s", logutil.SanitizeForLog(instanceID))
}

// Remove purges a session (broken connection, shell error) and closes it.
// Returns false if no session existed.
func (p *Pool) Remove(instanceID string) bool {
	p.mu.Lock()
	sess, ok := p.sessions[instanceID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	p.removeLocked(sess)
	p.mu.Unlock()
	p.dispose(sess)
	return true
}

// RemoveIfShell purges the session only when the given shell is still its
// current one. A shell closed by a downgrade or replaced by a newer
// registration no longer speaks for the session, so its reader must not
// tear the session down. Returns whether the session was removed.
func (p *Pool) RemoveIfShell(instanceID string, shell *Shell) bool {
	p.mu.Lock()
	sess, ok := p.sessions[instanceID]
	if !ok || sess.Shell == nil || sess.Shell != shell {
		p.mu.Unlock()
		return false
	}
	p.removeLocked(sess)
	p.mu.Unlock()
	p.dispose(sess)
	return true
}

func (p *Pool) removeLocked(sess *Session) {
	p.cancelGraceLocked(sess)
	delete(p.sessions, sess.InstanceID)
	if sess.Addr != "" {
		delete(p.addrIndex, addrKey(sess.Addr, sess.fingerprint))
	}
}

func (p *Pool) dispose(sess *Session) {
	if sess.stopKeepalive != nil {
		sess.stopKeepalive()
	}
	if sess.Shell != nil {
		sess.Shell.Close()
	}
	if sess.Client != nil {
		sess.Client.Close()
	}
}

// Touch refreshes a session's last-active time.
func (p *Pool) Touch(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[instanceID]; ok {
		sess.LastActive = time.Now()
	}
}

// AddSink registers an output sink under the given id. Re-registering an
// id replaces the previous sink in place.
func (p *Pool) AddSink(instanceID, sinkID string, fn OutputFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[instanceID]
	if !ok {
		return
	}
	for i, s := range sess.sinks {
		if s.id == sinkID {
			sess.sinks[i].fn = fn
			return
		}
	}
	sess.sinks = append(sess.sinks, sinkEntry{id: sinkID, fn: fn})
}

func (p *Pool) RemoveSink(instanceID, sinkID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[instanceID]
	if !ok {
		return
	}
	for i, s := range sess.sinks {
		if s.id == sinkID {
			sess.sinks = append(sess.sinks[:i], sess.sinks[i+1:]...)
			return
		}
	}
}

// Deliver fans a chunk of shell output to every registered sink in
// registration order. The sink named by directID is invoked first for
// lowest latency, then the rest, skipping it. A panicking sink is logged
// and skipped; it never aborts delivery to the others.
func (p *Pool) Deliver(instanceID string, data []byte, directID string) {
	p.mu.Lock()
	sess, ok := p.sessions[instanceID]
	if !ok {
		p.mu.Unlock()
		return
	}
	sinks := make([]sinkEntry, len(sess.sinks))
	copy(sinks, sess.sinks)
	sess.LastActive = time.Now()
	p.mu.Unlock()

	for _, s := range sinks {
		if s.id == directID {
			deliver(instanceID, s, data)
			break
		}
	}
	for _, s := range sinks {
		if s.id == directID {
			continue
		}
		deliver(instanceID, s, data)
	}
}

// SetWelcome caches the first shell output chunk as the instance's
// welcome banner, once. sent records whether a live viewer already saw
// it, so replay only happens for banners no one received.
func (p *Pool) SetWelcome(instanceID string, data []byte, sent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[instanceID]
	if !ok || len(sess.Welcome) > 0 {
		return
	}
	sess.Welcome = append([]byte(nil), data...)
	sess.WelcomeSent = sent
}

// SinkCount reports the number of registered output sinks.
func (p *Pool) SinkCount(instanceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[instanceID]; ok {
		return len(sess.sinks)
	}
	return 0
}

// ConsumeWelcome returns the cached welcome banner if it has not been
// replayed yet, marking it sent.
func (p *Pool) ConsumeWelcome(instanceID string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[instanceID]
	if !ok || sess.WelcomeSent || len(sess.Welcome) == 0 {
		return nil
	}
	sess.WelcomeSent = true
	return sess.Welcome
}

func deliver(instanceID string, s sinkEntry, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pool] sink %s panicked for instance=%s: %v",
				logutil.SanitizeForLog(s.id), logutil.SanitizeForLog(instanceID), r)
		}
	}()
	s.fn(data)
}

// SessionInfo is a point-in-time view of one pooled session.
type SessionInfo struct {
	InstanceID string    `json:"instance_id"`
	Addr       string    `json:"addr"`
	Role       Role      `json:"role"`
	Viewers    int       `json:"viewers"`
	HasShell   bool      `json:"has_shell"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Status snapshots every live session, for debugging endpoints.
func (p *Pool) Status() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, SessionInfo{
			InstanceID: s.InstanceID,
			Addr:       s.Addr,
			Role:       s.Role,
			Viewers:    len(s.users),
			HasShell:   s.Shell != nil,
			CreatedAt:  s.CreatedAt,
			LastActive: s.LastActive,
		})
	}
	return out
}

// ConnectionCount returns the number of live sessions.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// ViewerCount returns the number of attached terminal users for an instance.
func (p *Pool) ViewerCount(instanceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[instanceID]; ok {
		return len(sess.users)
	}
	return 0
}

func (p *Pool) sweepLoop() {
	defer p.sweepWg.Done()
	for {
		p.mu.Lock()
		interval := p.SweepInterval
		p.mu.Unlock()
		select {
		case <-p.sweepCtx.Done():
			return
		case <-time.After(interval):
			p.sweep()
		}
	}
}

// sweep evicts sessions idle beyond their role's threshold: 30 minutes
// for terminal-capable sessions with no attached users, 15 minutes for
// metrics-only sessions.
func (p *Pool) sweep() {
	now := time.Now()

	p.mu.Lock()
	var victims []*Session
	for _, sess := range p.sessions {
		idle := now.Sub(sess.LastActive)
		switch sess.Role {
		case RoleMetrics:
			if idle > p.MetricsIdle {
				victims = append(victims, sess)
			}
		default:
			if len(sess.users) == 0 && idle > p.TerminalIdle {
				victims = append(victims, sess)
			}
		}
	}
	for _, sess := range victims {
		p.removeLocked(sess)
	}
	p.mu.Unlock()

	for _, sess := range victims {
		p.dispose(sess)
		log.Printf("[pool] swept idle session: instance=%s role=%s",
			logutil.SanitizeForLog(sess.InstanceID), sess.Role)
	}
}

// Shutdown closes every session and clears all indices. Safe to call more
// than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		p.cancelGraceLocked(s)
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.addrIndex = make(map[string]string)
	p.mu.Unlock()

	p.sweepCancel()
	p.sweepWg.Wait()

	for _, s := range sessions {
		p.dispose(s)
	}
	if len(sessions) > 0 {
		log.Printf("[pool] shut down, closed %d session(s)", len(sessions))
	}
}
