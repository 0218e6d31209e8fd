package sshmetrics

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/servoxhq/servox/internal/cache"
	"github.com/servoxhq/servox/internal/crypto"
	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/sshpool"
	"github.com/servoxhq/servox/internal/sshtest"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&database.Order{}, &database.InstanceMetric{}, &database.Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	database.DB = db
}

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	setupTestDB(t)
	pool := sshpool.New()
	t.Cleanup(pool.Shutdown)
	return NewCollector(pool, cache.NewMemory())
}

func testTarget(srv *sshtest.Server, instanceID uint) Target {
	return Target{
		InstanceID:  instanceID,
		Addr:        srv.Addr,
		User:        sshtest.User,
		Password:    sshtest.Password,
		BandwidthTB: 1,
	}
}

func TestGetUsageProbesAndCaches(t *testing.T) {
	c := newTestCollector(t)
	srv := probeServer(t)
	target := testTarget(srv, 1)
	ctx := context.Background()

	snap := c.GetUsage(ctx, target)
	if snap == nil {
		t.Fatal("expected a snapshot")
	}
	if snap.Status != "running" {
		t.Fatalf("expected running status, got %q", snap.Status)
	}
	if snap.CPUUsagePercent != 12.5 {
		t.Fatalf("cpu = %v, want 12.5", snap.CPUUsagePercent)
	}
	if snap.NetworkInRate <= 0 || snap.NetworkOutRate <= 0 {
		t.Fatalf("expected positive rates, got in=%v out=%v", snap.NetworkInRate, snap.NetworkOutRate)
	}

	// The snapshot must also be durable.
	stored, err := database.GetInstanceMetric(1)
	if err != nil {
		t.Fatalf("durable snapshot missing: %v", err)
	}
	if stored.CPUUsagePercent != 12.5 {
		t.Fatalf("durable cpu = %v", stored.CPUUsagePercent)
	}

	// A second read within the TTL is served from cache: no new round.
	if c.ProbeRuns() != 1 {
		t.Fatalf("expected 1 probe round, got %d", c.ProbeRuns())
	}
	c.GetUsage(ctx, target)
	if c.ProbeRuns() != 1 {
		t.Fatalf("cached read triggered a probe round, runs=%d", c.ProbeRuns())
	}
}

func TestGetUsageRekeysSessionFromAddressFallback(t *testing.T) {
	c := newTestCollector(t)
	srv := probeServer(t)

	// The VPS was first polled under an earlier order id.
	c.GetUsage(context.Background(), testTarget(srv, 1))
	if c.pool.Get("1") == nil {
		t.Fatal("expected a session under the original id")
	}

	// The same VPS re-ordered under a new id: the address fallback finds
	// the session and moves it over instead of dialing again.
	snap := c.GetUsage(context.Background(), testTarget(srv, 2))
	if snap.Status != "running" {
		t.Fatalf("expected running status, got %q", snap.Status)
	}
	if got := c.pool.ConnectionCount(); got != 1 {
		t.Fatalf("expected the connection to be reused, count=%d", got)
	}
	if c.pool.Get("2") == nil {
		t.Fatal("session not rekeyed to the new instance id")
	}
	if c.pool.Get("1") != nil {
		t.Fatal("stale instance id still indexed")
	}
}

func TestGetUsageReusesPooledConnection(t *testing.T) {
	c := newTestCollector(t)
	srv := probeServer(t)
	target := testTarget(srv, 1)

	c.GetUsage(context.Background(), target)
	if got := c.pool.ConnectionCount(); got != 1 {
		t.Fatalf("expected 1 pooled connection, got %d", got)
	}

	sess := c.pool.Get("1")
	if sess == nil {
		t.Fatal("expected session registered under the instance id")
	}
	if sess.Role != sshpool.RoleMetrics {
		t.Fatalf("expected metrics role, got %s", sess.Role)
	}
	if sess.Shell != nil {
		t.Fatal("metrics collection must never open a shell")
	}
}

func TestGetUsageFallsBackToDurableSnapshot(t *testing.T) {
	c := newTestCollector(t)

	old := time.Now().Add(-time.Hour)
	if err := database.UpsertInstanceMetric(&database.InstanceMetric{
		InstanceID:      7,
		CPUUsagePercent: 42,
		Status:          "running",
		CollectedAt:     old,
	}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	// Nothing listens on this port; the dial fails immediately.
	target := Target{InstanceID: 7, Addr: "127.0.0.1:1", User: "root", Password: "pw"}
	snap := c.GetUsage(context.Background(), target)

	if snap.CPUUsagePercent != 42 {
		t.Fatalf("expected durable values preserved, cpu = %v", snap.CPUUsagePercent)
	}
	if !snap.CollectedAt.After(old) {
		t.Fatal("expected the fallback snapshot re-timestamped")
	}
}

func TestGetUsageZeroedWithoutHistory(t *testing.T) {
	c := newTestCollector(t)

	target := Target{InstanceID: 9, Addr: "127.0.0.1:1", User: "root", Password: "pw"}
	snap := c.GetUsage(context.Background(), target)

	if snap.Status != "unreachable" {
		t.Fatalf("expected unreachable status, got %q", snap.Status)
	}
	if snap.CPUUsagePercent != 0 || snap.MemoryUsedMB != 0 {
		t.Fatal("expected zeroed snapshot without history")
	}
}

func TestCheckAvailabilityCachesPositive(t *testing.T) {
	c := newTestCollector(t)
	srv := sshtest.Start(t)
	target := testTarget(srv, 1)
	ctx := context.Background()

	if !c.CheckAvailability(ctx, target) {
		t.Fatal("expected reachable instance reported available")
	}
	if got := srv.ExecCount(availabilityCommand); got != 1 {
		t.Fatalf("expected 1 echo probe, got %d", got)
	}

	if !c.CheckAvailability(ctx, target) {
		t.Fatal("expected cached availability")
	}
	if got := srv.ExecCount(availabilityCommand); got != 1 {
		t.Fatalf("cached check re-probed, count=%d", got)
	}
}

func TestCheckAvailabilityCachesNegative(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()

	target := Target{InstanceID: 3, Addr: "127.0.0.1:1", User: "root", Password: "pw"}
	if c.CheckAvailability(ctx, target) {
		t.Fatal("expected unreachable instance reported unavailable")
	}

	cached, ok := c.cache.Get(ctx, availabilityKey(target.Addr))
	if !ok || cached != "0" {
		t.Fatalf("expected cached negative result, got %q ok=%v", cached, ok)
	}
}

func TestFetchAndStoreSkipsFreshSnapshot(t *testing.T) {
	c := newTestCollector(t)
	srv := probeServer(t)
	target := testTarget(srv, 1)

	if err := database.UpsertInstanceMetric(&database.InstanceMetric{
		InstanceID:  1,
		Status:      "running",
		CollectedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	c.FetchAndStore(context.Background(), target)
	if c.ProbeRuns() != 0 {
		t.Fatalf("expected fresh snapshot to skip the round, runs=%d", c.ProbeRuns())
	}
}

func TestFetchAndStoreCollects(t *testing.T) {
	c := newTestCollector(t)
	srv := probeServer(t)
	target := testTarget(srv, 1)

	c.FetchAndStore(context.Background(), target)
	if c.ProbeRuns() != 1 {
		t.Fatalf("expected one probe round, got %d", c.ProbeRuns())
	}
	if _, err := database.GetInstanceMetric(1); err != nil {
		t.Fatalf("durable snapshot missing: %v", err)
	}
}

func TestTargetFromOrder(t *testing.T) {
	setupTestDB(t)

	enc, err := crypto.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	order := &database.Order{
		OrderID:          "VPS-TEST1",
		UserID:           1,
		IPAddress:        "203.0.113.5",
		AdminUser:        "root",
		AdminPasswordEnc: enc,
		BandwidthTB:      2,
	}
	if err := database.DB.Create(order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}

	target, err := TargetFromOrder(order)
	if err != nil {
		t.Fatalf("TargetFromOrder: %v", err)
	}
	if target.Password != "hunter2" {
		t.Fatalf("expected decrypted credential, got %q", target.Password)
	}
	if target.Addr != "203.0.113.5" || target.BandwidthTB != 2 {
		t.Fatalf("unexpected target: %+v", target)
	}

	if _, err := TargetFromOrder(&database.Order{OrderID: "VPS-NOIP"}); err == nil {
		t.Fatal("expected error for order without an address")
	}
}
