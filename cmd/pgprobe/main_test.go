package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bit2swaz/pgprobe/internal/pgwire"
	"github.com/bit2swaz/pgprobe/internal/store"
)

// startSandbox serves a SQLite-backed Postgres endpoint and returns its
// store, host and port.
func startSandbox(t *testing.T) (*store.Store, string, string) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sandbox.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	srv := pgwire.NewServer(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	t.Cleanup(func() {
		srv.Close()
		<-done
		st.Close()
	})

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	return st, host, port
}

func execute(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)

	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestBenchCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "benchmark_file")

	out, err := execute(context.Background(), t,
		"bench", "--path", path, "--size-mb", "1", "--block-sizes", "256,512")
	if err != nil {
		t.Fatalf("bench failed: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 output lines, got %d:\n%s", len(lines), out)
	}

	for i, bs := range []string{"256", "512"} {
		fields := strings.Split(lines[i], "\t")
		if len(fields) != 3 {
			t.Fatalf("Expected 3 tab-separated fields, got %q", lines[i])
		}
		if fields[0] == "" {
			t.Errorf("Expected a hostname in %q", lines[i])
		}
		if fields[1] != bs {
			t.Errorf("Line %d: expected block size %s, got %s", i, bs, fields[1])
		}
		if secs, err := strconv.ParseFloat(fields[2], 64); err != nil || secs < 0 {
			t.Errorf("Line %d: bad elapsed seconds %q", i, fields[2])
		}
	}
}

func TestBenchCommandRejectsBadFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "benchmark_file")

	if _, err := execute(context.Background(), t, "bench", "--path", path, "--sync-mode", "osync"); err == nil {
		t.Error("Expected unknown sync mode to fail")
	}
	if _, err := execute(context.Background(), t, "bench", "--path", path, "--block-sizes", "0"); err == nil {
		t.Error("Expected zero block size to fail")
	}
	if _, err := execute(context.Background(), t, "bench", "--log-level", "loud"); err == nil {
		t.Error("Expected invalid log level to fail")
	}
}

func TestWriteForeverCount(t *testing.T) {
	st, host, port := startSandbox(t)

	out, err := execute(context.Background(), t,
		"write-forever", "--host", host, "--port", port,
		"--create-table", "--table", "times", "--interval", "10ms", "--count", "3")
	if err != nil {
		t.Fatalf("write-forever failed: %v", err)
	}

	if n := strings.Count(out, "msg=Inserting..."); n != 3 {
		t.Errorf("Expected 3 insert log lines, got %d:\n%s", n, out)
	}

	rows, err := st.Count(context.Background(), "times")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if rows != 3 {
		t.Errorf("Expected 3 rows, got %d", rows)
	}
}

func TestWriteForeverForTwoSeconds(t *testing.T) {
	st, host, port := startSandbox(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := execute(ctx, t,
		"write-forever", "--host", host, "--port", port, "--create-table")
	if err != nil {
		t.Fatalf("write-forever returned error on shutdown: %v", err)
	}

	rows, err := st.Count(context.Background(), "times")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	t.Logf("Inserted %d rows in 2s", rows)
	if rows < 3 || rows > 5 {
		t.Fatalf("Expected 3..5 rows, got %d", rows)
	}

	if n := strings.Count(out, "msg=Inserting..."); int64(n) != rows {
		t.Errorf("Expected %d insert log lines, got %d", rows, n)
	}
}

func TestWriteForeverStopsOnInsertError(t *testing.T) {
	_, host, port := startSandbox(t)

	_, err := execute(context.Background(), t,
		"write-forever", "--host", host, "--port", port, "--table", "missing", "--interval", "10ms")
	if err == nil {
		t.Fatal("Expected insert into a missing table to stop the loop")
	}
	t.Logf("Got expected error: %v", err)
}

func TestWriteForeverConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	_, err = execute(context.Background(), t,
		"write-forever", "--host", "127.0.0.1", "--port", port)
	if err == nil || !strings.Contains(err.Error(), "failed to connect") {
		t.Fatalf("Expected connection failure, got %v", err)
	}
}

func TestConnectionString(t *testing.T) {
	opts := connOptions{host: "127.0.0.1", port: 5432, dbname: "postgres", user: "postgres", driver: "postgres"}

	driver, dsn, err := opts.connection()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if driver != "postgres" {
		t.Errorf("Expected driver postgres, got %s", driver)
	}
	if want := "host=127.0.0.1 port=5432 dbname=postgres user=postgres sslmode=disable"; dsn != want {
		t.Errorf("Expected dsn %q, got %q", want, dsn)
	}

	opts.driver = "pgx"
	if _, dsn, _ = opts.connection(); !strings.HasSuffix(dsn, "prefer_simple_protocol=true") {
		t.Errorf("Expected pgx dsn to prefer the simple protocol, got %q", dsn)
	}

	opts.dsn = "postgres://u@db:6432/app"
	if _, dsn, _ = opts.connection(); dsn != opts.dsn {
		t.Errorf("Expected explicit dsn to win, got %q", dsn)
	}

	opts.driver = "mysql"
	if _, _, err := opts.connection(); err == nil {
		t.Error("Expected unknown driver to fail")
	}
}

func TestConnectedLogRedactsDSN(t *testing.T) {
	_, host, port := startSandbox(t)

	dsn := "postgres://postgres:hunter2@" + net.JoinHostPort(host, port) + "/postgres?sslmode=disable"
	out, err := execute(context.Background(), t,
		"write-forever", "--dsn", dsn, "--create-table", "--count", "1", "--interval", "10ms")
	if err != nil {
		t.Fatalf("write-forever failed: %v", err)
	}

	if strings.Contains(out, "hunter2") {
		t.Errorf("Password leaked into logs:\n%s", out)
	}
	if strings.Contains(out, "host=127.0.0.1") || strings.Contains(out, "dbname=") {
		t.Errorf("Expected --dsn to replace host flags in the log:\n%s", out)
	}
	if !strings.Contains(out, "xxxxx") {
		t.Errorf("Expected redacted dsn in the log:\n%s", out)
	}
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:secret@db:5432/app", "postgres://u:xxxxx@db:5432/app"},
		{"postgres://u@db/app", "postgres://u@db/app"},
		{"host=db user=u password=secret dbname=app", "host=db user=u password=xxxxx dbname=app"},
	}

	for _, tt := range tests {
		if got := redactDSN(tt.dsn); got != tt.want {
			t.Errorf("redactDSN(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestSandboxCommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dbPath := filepath.Join(t.TempDir(), "sandbox.db")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := execute(ctx, t, "sandbox", "--addr", addr, "--db", dbPath)
		done <- err
	}()

	host, port, _ := net.SplitHostPort(addr)
	var werr error
	for i := 0; i < 50; i++ {
		_, werr = execute(context.Background(), t,
			"write-forever", "--host", host, "--port", port, "--count", "2", "--interval", "10ms")
		if werr == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if werr != nil {
		t.Fatalf("write-forever against sandbox command failed: %v", werr)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sandbox returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sandbox did not stop after cancellation")
	}

	st, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen sandbox database: %v", err)
	}
	defer st.Close()

	if n, err := st.Count(context.Background(), "times"); err != nil || n != 2 {
		t.Fatalf("Expected 2 rows in sandbox database, got %d (%v)", n, err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(context.Background(), t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if out != "pgprobe: "+version+"\n" {
		t.Errorf("Unexpected version output %q", out)
	}
}

func TestJSONLogFormat(t *testing.T) {
	_, host, port := startSandbox(t)

	out, err := execute(context.Background(), t,
		"write-forever", "--log-format", "json", "--host", host, "--port", port,
		"--create-table", "--count", "1", "--interval", "10ms")
	if err != nil {
		t.Fatalf("write-forever failed: %v", err)
	}

	inserting := 0
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Log line is not JSON: %q", line)
		}
		if _, ok := entry["timestamp"]; !ok {
			t.Errorf("Expected a timestamp field in %q", line)
		}
		if entry["message"] == "Inserting..." {
			inserting++
		}
	}
	if inserting != 1 {
		t.Errorf("Expected 1 insert log entry, got %d", inserting)
	}

	if _, err := execute(context.Background(), t, "version", "--log-format", "xml"); err == nil {
		t.Error("Expected unknown log format to fail")
	}
}

func TestUseJSON(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "log"))
	if err != nil {
		t.Fatalf("Failed to create log file: %v", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	tests := []struct {
		format string
		w      io.Writer
		want   bool
	}{
		{"auto", f, true},
		{"auto", &buf, false},
		{"text", f, false},
		{"json", &buf, true},
	}

	for _, tt := range tests {
		if got := useJSON(tt.format, tt.w); got != tt.want {
			t.Errorf("useJSON(%q, %T) = %v, want %v", tt.format, tt.w, got, tt.want)
		}
	}
}
