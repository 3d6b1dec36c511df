// Package testutil starts the server binary for end-to-end tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes configData into dir as JSON or TOML and returns the file path.
func WriteTempConfig(dir string, configData interface{}, format string) (string, error) {
	var (
		data []byte
		ext  string
		err  error
	)
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	path := filepath.Join(dir, "config"+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// BuildServerBinary compiles ./cmd/server from projectRoot into dir.
func BuildServerBinary(projectRoot, dir string) (string, error) {
	bin := filepath.Join(dir, "h2drain-server")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/server")
	cmd.Dir = projectRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("go build ./cmd/server: %w\n%s", err, out)
	}
	return bin, nil
}

// lockedBuffer is a bytes.Buffer safe for the copy goroutine and readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ServerInstance is a running server process.
type ServerInstance struct {
	Cmd        *exec.Cmd
	Address    string
	ConfigPath string

	logs     *lockedBuffer
	exited   chan struct{}
	exitErr  error
	stopOnce sync.Once
}

// StartTestServer launches binary with -config configFile and waits until
// address accepts TCP connections.
func StartTestServer(binary, configFile, address string) (*ServerInstance, error) {
	if binary == "" || configFile == "" || address == "" {
		return nil, fmt.Errorf("binary, config file and address are required")
	}

	logs := &lockedBuffer{}
	cmd := exec.Command(binary, "-config", configFile)
	cmd.Stdout = logs
	cmd.Stderr = logs

	s := &ServerInstance{
		Cmd:        cmd,
		Address:    address,
		ConfigPath: configFile,
		logs:       logs,
		exited:     make(chan struct{}),
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server process %s: %w", binary, err)
	}
	go func() {
		s.exitErr = cmd.Wait()
		close(s.exited)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return s, nil
		}
		select {
		case <-s.exited:
			return nil, fmt.Errorf("server exited before listening (%v). Logs:\n%s", s.exitErr, s.Logs())
		default:
		}
		if time.Now().After(deadline) {
			_ = s.Stop()
			return nil, fmt.Errorf("server not ready at %s: %w. Logs:\n%s", address, err, s.Logs())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Logs returns everything the process wrote so far.
func (s *ServerInstance) Logs() string { return s.logs.String() }

// Signal sends sig to the process.
func (s *ServerInstance) Signal(sig os.Signal) error {
	return s.Cmd.Process.Signal(sig)
}

// Wait waits up to timeout for the process to exit. It reports whether the
// process exited and, if so, its exit error.
func (s *ServerInstance) Wait(timeout time.Duration) (bool, error) {
	select {
	case <-s.exited:
		return true, s.exitErr
	case <-time.After(timeout):
		return false, nil
	}
}

// Stop sends SIGINT, then SIGKILL if the process has not exited after 3s.
func (s *ServerInstance) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		select {
		case <-s.exited:
			return
		default:
		}
		_ = s.Cmd.Process.Signal(syscall.SIGINT)
		if exited, _ := s.Wait(3 * time.Second); exited {
			return
		}
		err = s.Cmd.Process.Kill()
		<-s.exited
	})
	if err != nil && !strings.Contains(err.Error(), "process already finished") {
		return err
	}
	return nil
}
