package sshmetrics

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Remote probe commands. The CPU probe prefers a short mpstat sample and
// falls back to load average over core count on minimal images. Network
// counters are cumulative since boot; the previous reading lives in a
// scratch file on the instance so rates survive collector restarts.
const (
	cpuCommand         = "mpstat 1 1 2>/dev/null | awk '/Average/ {print 100 - $NF}'"
	cpuFallbackCommand = "awk '{print $1}' /proc/loadavg; nproc"
	memCommand         = "free -m | awk '/^Mem:/ {print $3, $2}'"
	diskCommand        = "df -k / | awk 'NR==2 {print $3, $2}'"
	netCommand         = "tail -n +3 /proc/net/dev | awk '{rx+=$2; tx+=$10} END {print rx, tx}'"
	netPrevCommand     = `cat /tmp/prev_network_stats 2>/dev/null || echo "0 0 0"`
	netStoreFormat     = `echo "%d %d %d" > /tmp/prev_network_stats`

	availabilityCommand = "echo ok"
)

// probeResult holds the raw output of one metrics round.
type probeResult struct {
	cpuPercent    float64
	memUsedMB     float64
	memTotalMB    float64
	diskUsedGB    float64
	diskTotalGB   float64
	rxBytes       uint64
	txBytes       uint64
	prevRxBytes   uint64
	prevTxBytes   uint64
	prevTimestamp int64
}

// runCommand executes one remote command on its own channel of the shared
// connection.
func runCommand(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd)
	if err != nil {
		return "", fmt.Errorf("run %q: %w", cmd, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// runProbes executes the five probes concurrently over one SSH connection
// and stores the fresh network counters for the next round. A round either
// fully succeeds or returns an error; partial results are never applied.
func runProbes(client *ssh.Client) (*probeResult, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		res      probeResult
	)

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	probes := []func(){
		func() {
			out, err := runCommand(client, cpuCommand)
			if err == nil && out != "" {
				if v, perr := strconv.ParseFloat(out, 64); perr == nil {
					res.cpuPercent = clampPercent(v)
					return
				}
			}
			out, err = runCommand(client, cpuFallbackCommand)
			if err != nil {
				fail(err)
				return
			}
			v, perr := parseCPUFallback(out)
			if perr != nil {
				fail(perr)
				return
			}
			res.cpuPercent = v
		},
		func() {
			out, err := runCommand(client, memCommand)
			if err != nil {
				fail(err)
				return
			}
			used, total, perr := parsePair(out)
			if perr != nil {
				fail(fmt.Errorf("parse memory %q: %w", out, perr))
				return
			}
			res.memUsedMB, res.memTotalMB = used, total
		},
		func() {
			out, err := runCommand(client, diskCommand)
			if err != nil {
				fail(err)
				return
			}
			usedKB, totalKB, perr := parsePair(out)
			if perr != nil {
				fail(fmt.Errorf("parse disk %q: %w", out, perr))
				return
			}
			res.diskUsedGB = usedKB / 1024 / 1024
			res.diskTotalGB = totalKB / 1024 / 1024
		},
		func() {
			out, err := runCommand(client, netCommand)
			if err != nil {
				fail(err)
				return
			}
			rx, tx, perr := parseCounters(out)
			if perr != nil {
				fail(fmt.Errorf("parse net counters %q: %w", out, perr))
				return
			}
			res.rxBytes, res.txBytes = rx, tx
		},
		func() {
			out, err := runCommand(client, netPrevCommand)
			if err != nil {
				fail(err)
				return
			}
			rx, tx, ts, perr := parseStoredCounters(out)
			if perr != nil {
				fail(fmt.Errorf("parse stored counters %q: %w", out, perr))
				return
			}
			res.prevRxBytes, res.prevTxBytes, res.prevTimestamp = rx, tx, ts
		},
	}

	for _, probe := range probes {
		wg.Add(1)
		go func(run func()) {
			defer wg.Done()
			run()
		}(probe)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	// Persist this round's counters for the next one.
	store := fmt.Sprintf(netStoreFormat, res.rxBytes, res.txBytes, time.Now().Unix())
	if _, err := runCommand(client, store); err != nil {
		return nil, fmt.Errorf("store network counters: %w", err)
	}

	return &res, nil
}

// parseCPUFallback handles the two-line "loadavg\nnproc" output.
func parseCPUFallback(out string) (float64, error) {
	lines := strings.Fields(out)
	if len(lines) < 2 {
		return 0, fmt.Errorf("parse cpu fallback %q: want load and core count", out)
	}
	load, err := strconv.ParseFloat(lines[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse load average: %w", err)
	}
	cores, err := strconv.ParseFloat(lines[1], 64)
	if err != nil || cores <= 0 {
		return 0, fmt.Errorf("parse core count %q", lines[1])
	}
	return clampPercent(load / cores * 100), nil
}

func parsePair(out string) (float64, float64, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("want two fields, got %d", len(fields))
	}
	a, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func parseCounters(out string) (uint64, uint64, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("want two fields, got %d", len(fields))
	}
	rx, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	tx, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return rx, tx, nil
}

func parseStoredCounters(out string) (uint64, uint64, int64, error) {
	fields := strings.Fields(out)
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("want three fields, got %d", len(fields))
	}
	rx, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	tx, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	return rx, tx, ts, nil
}

// networkRate converts a cumulative byte-counter delta into MB/s.
// Counter resets (current < previous) clamp to zero instead of going
// negative.
func networkRate(current, previous uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	if current < previous {
		return 0
	}
	return float64(current-previous) / (1024 * 1024) / elapsedSeconds
}

// bandwidthPercent extrapolates a point-sample outbound rate against the
// plan's monthly bandwidth allowance. A rough gauge, not metering data:
// one sample stretched over a month.
func bandwidthPercent(outRateMBps, planTB float64) float64 {
	if planTB <= 0 {
		return 0
	}
	const secondsPerMonth = 30 * 24 * 3600
	allowanceMBps := planTB * 1024 * 1024 / secondsPerMonth
	pct := outRateMBps / allowanceMBps * 100
	return clampPercent(pct)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
