// Package e2e contains end-to-end tests that compile and run the real l7lb
// binary as a subprocess. Each test spins up raw TCP mock backends, writes a
// temporary lb.yaml, starts the binary, and exercises the full TCP path:
// dial the load balancer's listen address, write bytes, and read back
// whatever the chosen backend echoes.
package e2e

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// lbBin is the path to the compiled l7lb binary, set by TestMain.
var lbBin string

// TestMain builds the l7lb binary once before all E2E tests run.
// Set E2E_LB_BIN to skip the build step (useful in CI with a pre-built binary).
func TestMain(m *testing.M) {
	if bin := os.Getenv("E2E_LB_BIN"); bin != "" {
		lbBin = bin
	} else {
		tmp, err := os.MkdirTemp("", "l7lb-e2e-*")
		if err != nil {
			log.Fatalf("e2e: create temp dir: %v", err)
		}
		defer os.RemoveAll(tmp)

		lbBin = filepath.Join(tmp, "l7lb")

		root, err := filepath.Abs("../..")
		if err != nil {
			log.Fatalf("e2e: resolve module root: %v", err)
		}

		cmd := exec.Command("go", "build", "-o", lbBin, "./cmd/l7lb")
		cmd.Dir = root
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			log.Fatalf("e2e: build l7lb binary: %v", err)
		}
	}

	os.Exit(m.Run())
}

// lbProcess holds a running l7lb subprocess and its listen/admin addresses.
type lbProcess struct {
	addr      string
	adminAddr string
	cmd       *exec.Cmd
	cfgFile   string
}

// startLB writes configYAML to a temp file and starts the l7lb binary.
// The process is killed and the temp file removed when the test ends.
func startLB(t *testing.T, configYAML, addr, adminAddr string) *lbProcess {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "lb-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(configYAML)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lb := &lbProcess{
		addr:      addr,
		adminAddr: adminAddr,
		cfgFile:   f.Name(),
		cmd:       exec.Command(lbBin, "-config", f.Name()),
	}
	if os.Getenv("TEST_VERBOSE") != "" {
		lb.cmd.Stdout = os.Stdout
		lb.cmd.Stderr = os.Stderr
	}

	require.NoError(t, lb.cmd.Start())

	t.Cleanup(func() {
		_ = lb.cmd.Process.Signal(syscall.SIGTERM)
		_ = lb.cmd.Wait()
	})

	waitReady(t, adminAddr)
	return lb
}

// rewriteConfig overwrites l7lb's config file in place, triggering a
// hot-reload. Callers should sleep a little afterwards to let the watcher fire.
func rewriteConfig(t *testing.T, lb *lbProcess, configYAML string) {
	t.Helper()
	require.NoError(t, os.WriteFile(lb.cfgFile, []byte(configYAML), 0o644))
}

// waitReady polls the admin server's /stats endpoint until it answers.
func waitReady(t *testing.T, adminAddr string) {
	t.Helper()
	client := &http.Client{Timeout: 200 * time.Millisecond}
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://" + adminAddr + "/stats")
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("l7lb admin server at %s did not become ready within 8 seconds", adminAddr)
}

// waitHealthy polls the admin server's /stats endpoint until it reports at
// least n healthy backends.
func waitHealthy(t *testing.T, adminAddr string, n int) {
	t.Helper()
	client := &http.Client{Timeout: 200 * time.Millisecond}
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://" + adminAddr + "/stats")
		if err == nil {
			var stats struct {
				BackendsHealthy int `json:"backends_healthy"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&stats)
			resp.Body.Close()
			if stats.BackendsHealthy >= n {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("l7lb at %s did not report %d healthy backends within 8 seconds", adminAddr, n)
}

// freeAddr returns an unused "127.0.0.1:PORT" address by briefly binding to
// port 0 and then closing the listener.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// newEchoBackend starts a raw TCP listener that echoes every byte it
// receives back to the client verbatim, tagged with name so tests can tell
// which backend served a given connection.
func newEchoBackend(t *testing.T, name string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						fmt.Fprintf(c, "%s:", name)
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

// newHealthyHTTPBackend starts an httptest-free raw TCP server that answers
// a GET request with a 200 OK, the shape the health monitor's probe
// expects. For any other request it echoes only the first line, tagged with
// name like newEchoBackend, and then closes the connection.
func newHealthyHTTPBackend(t *testing.T, name string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if len(line) >= 3 && line[:3] == "GET" {
					fmt.Fprint(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
					return
				}
				fmt.Fprintf(c, "%s:%s", name, line)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

// port extracts the numeric port from a "host:port" address.
func port(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n := 0
	fmt.Sscanf(p, "%d", &n)
	return n
}

// dialLB opens a raw TCP connection to the load balancer's listen address.
func dialLB(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// roundTrip writes payload to conn and reads up to bufSize bytes back,
// bounded by a short read deadline.
func roundTrip(t *testing.T, conn net.Conn, payload string, bufSize int) string {
	t.Helper()
	_, err := conn.Write([]byte(payload))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, bufSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

// lbConfig builds the l7lb YAML for a test.
type lbConfig struct {
	listenAddr     string
	adminAddr      string
	strategy       string
	sticky         bool
	backends       []backendCfg
	sheddingParams *shedCfg
}

type backendCfg struct {
	name   string
	addr   string
	weight int
}

type shedCfg struct {
	enabled   bool
	strategy  string
	threshold int
}

func (c lbConfig) YAML() string {
	strat := c.strategy
	if strat == "" {
		strat = "round_robin"
	}

	out := fmt.Sprintf(`load_balancer_ip: "127.0.0.1"
load_balancer_port: %d
strategy: %q
sticky_sessions: %t
health_check_interval: 1
health_check_path: "/healthz"
health_check_timeout: 1
admin:
  enabled: true
  listen_addr: %q
`, port(c.listenAddr), strat, c.sticky, c.adminAddr)

	out += "servers:\n"
	for _, b := range c.backends {
		host, p, _ := net.SplitHostPort(b.addr)
		w := b.weight
		if w == 0 {
			w = 1
		}
		out += fmt.Sprintf("  - name: %q\n    ip: %q\n    port: %s\n    weight: %d\n", b.name, host, p, w)
	}

	if c.sheddingParams != nil {
		out += fmt.Sprintf(`load_shedding_enabled: %t
load_shed_params:
  strategy: %q
  sim_conn_threshold: %d
`, c.sheddingParams.enabled, c.sheddingParams.strategy, c.sheddingParams.threshold)
	} else {
		out += "load_shedding_enabled: false\n"
	}

	return out
}
