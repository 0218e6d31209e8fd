package sshterminal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

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

// deployOrder creates a deployed order whose instance id is returned as
// the pool key.
func deployOrder(t *testing.T, addr string) string {
	t.Helper()
	enc, err := crypto.Encrypt(sshtest.Password)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	order := &database.Order{
		OrderID:          "VPS-TERM1",
		UserID:           1,
		Status:           "completed",
		DeploymentStatus: "deployed",
		IPAddress:        addr,
		AdminUser:        sshtest.User,
		AdminPasswordEnc: enc,
	}
	if err := database.DB.Create(order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}
	return "1"
}

func newTestService(t *testing.T) (*Service, *sshpool.Pool) {
	t.Helper()
	pool := sshpool.New()
	t.Cleanup(pool.Shutdown)
	return NewService(pool), pool
}

// recorder collects sink output and termination callbacks.
type recorder struct {
	mu     sync.Mutex
	output strings.Builder
	ended  chan error
}

func newRecorder() *recorder {
	return &recorder{ended: make(chan error, 1)}
}

func (r *recorder) sink(data []byte) {
	r.mu.Lock()
	r.output.Write(data)
	r.mu.Unlock()
}

func (r *recorder) request(instanceID, userID string) AttachRequest {
	return AttachRequest{
		InstanceID: instanceID,
		UserID:     userID,
		Sink:       r.sink,
		OnError:    func(err error) { r.ended <- err },
		OnEnd:      func() { r.ended <- nil },
	}
}

func (r *recorder) waitFor(t *testing.T, target string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		current := r.output.String()
		r.mu.Unlock()
		if strings.Contains(current, target) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %q, got: %q", target, current)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAttachFreshConnection(t *testing.T) {
	setupTestDB(t)
	srv := sshtest.Start(t)
	instanceID := deployOrder(t, srv.Addr)
	svc, pool := newTestService(t)

	rec := newRecorder()
	res, err := svc.Attach(context.Background(), rec.request(instanceID, "user-1"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if res.Reused {
		t.Fatal("fresh attach reported as reused")
	}

	rec.waitFor(t, "Welcome to test-vps", 2*time.Second)

	if !svc.Send(instanceID, []byte("ls")) {
		t.Fatal("send failed with a live shell")
	}
	rec.waitFor(t, "echo:ls", 2*time.Second)

	if got := pool.ConnectionCount(); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}
}

func TestSecondViewerSharesShell(t *testing.T) {
	setupTestDB(t)
	srv := sshtest.Start(t)
	instanceID := deployOrder(t, srv.Addr)
	svc, pool := newTestService(t)

	first := newRecorder()
	if _, err := svc.Attach(context.Background(), first.request(instanceID, "user-1")); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	first.waitFor(t, "Welcome to test-vps", 2*time.Second)

	second := newRecorder()
	res, err := svc.Attach(context.Background(), second.request(instanceID, "user-2"))
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if !res.Reused {
		t.Fatal("second attach did not reuse the session")
	}
	if got := pool.ConnectionCount(); got != 1 {
		t.Fatalf("expected 1 shared connection, got %d", got)
	}

	// Output reaches both viewers.
	svc.Send(instanceID, []byte("shared"))
	first.waitFor(t, "echo:shared", 2*time.Second)
	second.waitFor(t, "echo:shared", 2*time.Second)
}

func TestConcurrentAttachesCollapseToOneConnection(t *testing.T) {
	setupTestDB(t)
	srv := sshtest.Start(t)
	instanceID := deployOrder(t, srv.Addr)
	svc, pool := newTestService(t)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rec := newRecorder()
			_, err := svc.Attach(context.Background(), rec.request(instanceID, "user-1"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	if got := pool.ConnectionCount(); got != 1 {
		t.Fatalf("expected concurrent attaches to share 1 connection, got %d", got)
	}
}

func TestAttachUpgradesMetricsConnection(t *testing.T) {
	setupTestDB(t)
	srv := sshtest.Start(t)
	instanceID := deployOrder(t, srv.Addr)
	svc, pool := newTestService(t)

	// Metrics polling connected first.
	client, stop, err := sshpool.Dial(context.Background(), srv.Addr, sshtest.User, sshtest.Password,
		5*time.Second, time.Minute)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	pool.Register(instanceID, "", srv.Addr, sshtest.Password, client, sshpool.RoleMetrics, stop)

	rec := newRecorder()
	res, err := svc.Attach(context.Background(), rec.request(instanceID, "user-1"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !res.Reused {
		t.Fatal("upgrade not reported as reuse")
	}

	rec.waitFor(t, "Welcome to test-vps", 2*time.Second)

	if got := pool.ConnectionCount(); got != 1 {
		t.Fatalf("upgrade opened a second connection, count=%d", got)
	}
	sess := pool.Get(instanceID)
	if sess == nil || sess.Role != sshpool.RoleBoth {
		t.Fatalf("expected both role after upgrade, got %v", sess)
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	setupTestDB(t)
	srv := sshtest.Start(t)
	instanceID := deployOrder(t, srv.Addr)
	svc, pool := newTestService(t)
	pool.DetachGrace = 20 * time.Millisecond

	rec := newRecorder()
	if _, err := svc.Attach(context.Background(), rec.request(instanceID, "user-1")); err != nil {
		t.Fatalf("attach: %v", err)
	}

	svc.Detach("user-1", instanceID)
	svc.Detach("user-1", instanceID)

	if got := pool.ViewerCount(instanceID); got != 0 {
		t.Fatalf("expected 0 viewers after detach, got %d", got)
	}
}

func TestShellEndPropagatesToViewers(t *testing.T) {
	setupTestDB(t)
	srv := sshtest.Start(t)
	instanceID := deployOrder(t, srv.Addr)
	svc, pool := newTestService(t)

	rec := newRecorder()
	if _, err := svc.Attach(context.Background(), rec.request(instanceID, "user-1")); err != nil {
		t.Fatalf("attach: %v", err)
	}
	rec.waitFor(t, "Welcome to test-vps", 2*time.Second)

	sess := pool.Get(instanceID)
	if sess == nil || sess.Shell == nil {
		t.Fatal("expected live shell")
	}
	sess.Shell.Close()

	select {
	case <-rec.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("viewer never notified of shell termination")
	}

	// The session is purged; the next attach starts fresh.
	deadline := time.Now().Add(2 * time.Second)
	for pool.Get(instanceID) != nil {
		if time.Now().After(deadline) {
			t.Fatal("dead session not purged from the pool")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDetachDowngradeKeepsMetricsConnection(t *testing.T) {
	setupTestDB(t)
	srv := sshtest.Start(t)
	instanceID := deployOrder(t, srv.Addr)
	svc, pool := newTestService(t)

	rec := newRecorder()
	if _, err := svc.Attach(context.Background(), rec.request(instanceID, "user-1")); err != nil {
		t.Fatalf("attach: %v", err)
	}
	rec.waitFor(t, "Welcome to test-vps", 2*time.Second)

	// Metrics polling shares the connection, so the session is both-role.
	if sess := pool.AcquireForMetrics(instanceID, "", ""); sess == nil || sess.Role != sshpool.RoleBoth {
		t.Fatalf("expected both role, got %+v", sess)
	}

	svc.Detach("user-1", instanceID)

	// The shell reader notices the closed shell asynchronously; wait for
	// the downgrade, then make sure the reader left the session alone.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess := pool.Get(instanceID)
		if sess == nil {
			t.Fatal("metrics session destroyed on terminal detach")
		}
		if sess.Shell == nil && sess.Role == sshpool.RoleMetrics {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never downgraded, role=%s", sess.Role)
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	sess := pool.Get(instanceID)
	if sess == nil || sess.Role != sshpool.RoleMetrics {
		t.Fatal("metrics session destroyed after downgrade")
	}
	select {
	case err := <-rec.ended:
		t.Fatalf("detached viewer notified of shell end: %v", err)
	default:
	}
	if got := pool.ConnectionCount(); got != 1 {
		t.Fatalf("expected the connection to survive, count=%d", got)
	}

	// The surviving connection upgrades back to a terminal.
	again := newRecorder()
	res, err := svc.Attach(context.Background(), again.request(instanceID, "user-1"))
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if !res.Reused {
		t.Fatal("re-attach did not reuse the metrics connection")
	}
	again.waitFor(t, "Welcome to test-vps", 2*time.Second)
	if got := pool.ConnectionCount(); got != 1 {
		t.Fatalf("expected 1 connection after re-attach, got %d", got)
	}
}

func TestSendAndResizeWithoutShell(t *testing.T) {
	setupTestDB(t)
	svc, _ := newTestService(t)

	if svc.Send("99", []byte("x")) {
		t.Fatal("send succeeded with no session")
	}
	if svc.Resize("99", 80, 24) {
		t.Fatal("resize succeeded with no session")
	}
}

func TestAttachRejectsUndeployedInstance(t *testing.T) {
	setupTestDB(t)
	svc, _ := newTestService(t)

	order := &database.Order{
		OrderID:          "VPS-PEND1",
		UserID:           1,
		Status:           "paid",
		DeploymentStatus: "pending",
	}
	if err := database.DB.Create(order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}

	rec := newRecorder()
	_, err := svc.Attach(context.Background(), rec.request("1", "user-1"))
	if !errors.Is(err, ErrInstanceNotDeployed) {
		t.Fatalf("expected ErrInstanceNotDeployed, got %v", err)
	}

	_, err = svc.Attach(context.Background(), rec.request("404", "user-1"))
	if !errors.Is(err, ErrInstanceNotDeployed) {
		t.Fatalf("expected ErrInstanceNotDeployed for unknown instance, got %v", err)
	}
}

func TestAttachRejectsMissingCredentials(t *testing.T) {
	setupTestDB(t)
	svc, _ := newTestService(t)

	order := &database.Order{
		OrderID:          "VPS-NOCRED1",
		UserID:           1,
		Status:           "completed",
		DeploymentStatus: "deployed",
		IPAddress:        "203.0.113.7",
	}
	if err := database.DB.Create(order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}

	rec := newRecorder()
	_, err := svc.Attach(context.Background(), rec.request("1", "user-1"))
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}
