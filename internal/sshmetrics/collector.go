// Package sshmetrics collects resource-usage snapshots from deployed
// instances over pooled SSH connections.
package sshmetrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/servoxhq/servox/internal/cache"
	"github.com/servoxhq/servox/internal/crypto"
	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/logutil"
	"github.com/servoxhq/servox/internal/monitor"
	"github.com/servoxhq/servox/internal/sshpool"
)

const (
	snapshotTTL          = 5 * time.Minute
	availablePositiveTTL = 5 * time.Minute
	availableNegativeTTL = 1 * time.Minute

	// A durable snapshot younger than this is fresh enough for the
	// scheduler to skip the round entirely.
	recentSnapshotAge = 4 * time.Minute
)

// Target carries everything the collector needs to reach one instance.
type Target struct {
	InstanceID  uint
	Addr        string
	User        string
	Password    string
	BandwidthTB float64
}

// TargetFromOrder builds a collection target from a deployed order,
// decrypting the stored admin credential.
func TargetFromOrder(o *database.Order) (Target, error) {
	if o.IPAddress == "" {
		return Target{}, fmt.Errorf("order %s has no address", o.OrderID)
	}
	password, err := crypto.Decrypt(o.AdminPasswordEnc)
	if err != nil || password == "" {
		return Target{}, fmt.Errorf("order %s has no usable credential", o.OrderID)
	}
	return Target{
		InstanceID:  o.ID,
		Addr:        o.IPAddress,
		User:        o.AdminUser,
		Password:    password,
		BandwidthTB: o.BandwidthTB,
	}, nil
}

type Collector struct {
	pool  *sshpool.Pool
	cache cache.Store

	mu       sync.Mutex
	inflight map[uint]bool

	probeRuns atomic.Int64
}

func NewCollector(pool *sshpool.Pool, store cache.Store) *Collector {
	return &Collector{
		pool:     pool,
		cache:    store,
		inflight: make(map[uint]bool),
	}
}

// ProbeRuns reports how many full probe rounds have executed.
func (c *Collector) ProbeRuns() int64 {
	return c.probeRuns.Load()
}

func snapshotKey(instanceID uint) string {
	return "metrics:" + strconv.FormatUint(uint64(instanceID), 10)
}

func availabilityKey(addr string) string {
	return "avail:" + addr
}

// GetUsage returns a point-in-time snapshot for an instance. Results are
// cached for five minutes; on any probe or connection failure the most
// recent durable snapshot is returned re-timestamped, so readers always
// observe a monotonically advancing timestamp. Errors never escape to
// the caller.
func (c *Collector) GetUsage(ctx context.Context, t Target) *database.InstanceMetric {
	if cached, ok := c.cache.Get(ctx, snapshotKey(t.InstanceID)); ok {
		var snap database.InstanceMetric
		if err := json.Unmarshal([]byte(cached), &snap); err == nil {
			return &snap
		}
	}

	client, err := c.connection(ctx, t)
	if err != nil {
		log.Printf("[metrics] connection failed for instance=%d addr=%s: %v",
			t.InstanceID, logutil.SanitizeForLog(t.Addr), err)
		return c.fallback(ctx, t)
	}

	res, err := runProbes(client)
	c.probeRuns.Add(1)
	if err != nil {
		monitor.ProbeRounds.WithLabelValues("failed").Inc()
		log.Printf("[metrics] probe round failed for instance=%d: %v", t.InstanceID, err)
		return c.fallback(ctx, t)
	}
	monitor.ProbeRounds.WithLabelValues("ok").Inc()

	now := time.Now()
	elapsed := float64(now.Unix() - res.prevTimestamp)
	inRate, outRate := 0.0, 0.0
	if res.prevTimestamp > 0 {
		inRate = networkRate(res.rxBytes, res.prevRxBytes, elapsed)
		outRate = networkRate(res.txBytes, res.prevTxBytes, elapsed)
	}

	snap := &database.InstanceMetric{
		InstanceID:            t.InstanceID,
		CPUUsagePercent:       res.cpuPercent,
		MemoryUsedMB:          res.memUsedMB,
		MemoryTotalMB:         res.memTotalMB,
		DiskUsedGB:            res.diskUsedGB,
		DiskTotalGB:           res.diskTotalGB,
		NetworkInRate:         inRate,
		NetworkOutRate:        outRate,
		BandwidthUsagePercent: bandwidthPercent(outRate, t.BandwidthTB),
		Status:                "running",
		CollectedAt:           now,
	}

	c.store(ctx, snap)
	return snap
}

// connection reuses a pooled session in metrics role, or dials a fresh
// one and registers it. Never creates a shell.
func (c *Collector) connection(ctx context.Context, t Target) (*ssh.Client, error) {
	instanceID := strconv.FormatUint(uint64(t.InstanceID), 10)
	fingerprint := sshpool.Fingerprint(t.Password)

	if sess := c.pool.AcquireForMetrics(instanceID, t.Addr, fingerprint); sess != nil {
		if sess.InstanceID != instanceID {
			// Same VPS re-ordered under a new id; the address fallback
			// found the session, so move it to the current key.
			c.pool.Rekey(sess.InstanceID, instanceID)
		}
		return sess.Client, nil
	}

	conn, stop, err := sshpool.Dial(ctx, t.Addr, t.User, t.Password,
		sshpool.MetricsDialTimeout, sshpool.MetricsKeepalive)
	if err != nil {
		return nil, err
	}
	c.pool.Register(instanceID, "", t.Addr, t.Password, conn, sshpool.RoleMetrics, stop)
	return conn, nil
}

// fallback returns the last durable snapshot re-timestamped, or a zeroed
// snapshot when none exists. Either way the result is persisted so the
// timestamp keeps advancing.
func (c *Collector) fallback(ctx context.Context, t Target) *database.InstanceMetric {
	snap, err := database.GetInstanceMetric(t.InstanceID)
	if err != nil {
		snap = &database.InstanceMetric{
			InstanceID: t.InstanceID,
			Status:     "unreachable",
		}
	}
	snap.CollectedAt = time.Now()
	c.store(ctx, snap)
	return snap
}

func (c *Collector) store(ctx context.Context, snap *database.InstanceMetric) {
	if data, err := json.Marshal(snap); err == nil {
		c.cache.Set(ctx, snapshotKey(snap.InstanceID), string(data), snapshotTTL)
	}
	if err := database.UpsertInstanceMetric(snap); err != nil {
		log.Printf("[metrics] upsert failed for instance=%d: %v", snap.InstanceID, err)
	}
}

// CheckAvailability runs a trivial remote echo, caching positive results
// for five minutes and negative ones for one minute, keyed by address.
// Used as a pre-flight gate so unreachable instances are not re-dialed on
// every scheduler tick.
func (c *Collector) CheckAvailability(ctx context.Context, t Target) bool {
	key := availabilityKey(t.Addr)
	if cached, ok := c.cache.Get(ctx, key); ok {
		return cached == "1"
	}

	up := c.probeAvailability(ctx, t)
	if up {
		c.cache.Set(ctx, key, "1", availablePositiveTTL)
	} else {
		c.cache.Set(ctx, key, "0", availableNegativeTTL)
	}
	return up
}

func (c *Collector) probeAvailability(ctx context.Context, t Target) bool {
	instanceID := strconv.FormatUint(uint64(t.InstanceID), 10)
	fingerprint := sshpool.Fingerprint(t.Password)

	if sess := c.pool.AcquireForMetrics(instanceID, t.Addr, fingerprint); sess != nil {
		_, err := runCommand(sess.Client, availabilityCommand)
		return err == nil
	}

	conn, stop, err := sshpool.Dial(ctx, t.Addr, t.User, t.Password,
		sshpool.MetricsDialTimeout, sshpool.MetricsKeepalive)
	if err != nil {
		log.Printf("[metrics] availability check failed for %s: %v", logutil.SanitizeForLog(t.Addr), err)
		return false
	}
	defer stop()
	defer conn.Close()

	_, err = runCommand(conn, availabilityCommand)
	return err == nil
}

// FetchAndStore is the scheduler entry point: refresh one instance's
// snapshot unless a poll is already in flight or the durable snapshot is
// still fresh.
func (c *Collector) FetchAndStore(ctx context.Context, t Target) {
	c.mu.Lock()
	if c.inflight[t.InstanceID] {
		c.mu.Unlock()
		return
	}
	c.inflight[t.InstanceID] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, t.InstanceID)
		c.mu.Unlock()
	}()

	if snap, err := database.GetInstanceMetric(t.InstanceID); err == nil {
		if time.Since(snap.CollectedAt) < recentSnapshotAge {
			return
		}
	}

	if !c.CheckAvailability(ctx, t) {
		c.fallback(ctx, t)
		return
	}

	c.GetUsage(ctx, t)
}
