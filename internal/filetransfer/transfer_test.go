package filetransfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name   string
		creds  Credentials
		errMsg string
	}{
		{
			name:  "valid credentials",
			creds: Credentials{Host: "results.example.com", Port: 22, User: "bench", PrivateKey: []byte("key")},
		},
		{
			name:   "empty host",
			creds:  Credentials{Port: 22, User: "bench", PrivateKey: []byte("key")},
			errMsg: "host cannot be empty",
		},
		{
			name:   "zero port",
			creds:  Credentials{Host: "h", User: "bench", PrivateKey: []byte("key")},
			errMsg: "port must be between 1 and 65535",
		},
		{
			name:   "port too large",
			creds:  Credentials{Host: "h", Port: 70000, User: "bench", PrivateKey: []byte("key")},
			errMsg: "port must be between 1 and 65535",
		},
		{
			name:   "empty user",
			creds:  Credentials{Host: "h", Port: 22, PrivateKey: []byte("key")},
			errMsg: "user cannot be empty",
		},
		{
			name:   "empty private key",
			creds:  Credentials{Host: "h", Port: 22, User: "bench"},
			errMsg: "private key cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// memDialer serves an in-memory SFTP filesystem over pipes. Every dial
// sees the same filesystem.
func memDialer(t *testing.T) Dialer {
	t.Helper()
	handlers := sftp.InMemHandler()
	return func(context.Context) (*sftp.Client, io.Closer, error) {
		clientRead, serverWrite := io.Pipe()
		serverRead, clientWrite := io.Pipe()

		server := sftp.NewRequestServer(struct {
			io.Reader
			io.WriteCloser
		}{serverRead, serverWrite}, handlers)
		go func() { _ = server.Serve() }()

		client, err := sftp.NewClientPipe(clientRead, clientWrite)
		if err != nil {
			return nil, nil, err
		}
		return client, server, nil
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestArchive_PushListPull(t *testing.T) {
	ctx := context.Background()
	archive := New(Credentials{Host: "mem"}, "/results", WithDialer(memDialer(t)))

	src := t.TempDir()
	a := writeFile(t, src, "benchmark_0101.json", `{"vLLM":{}}`)
	b := writeFile(t, src, "benchmark_0102.json", `{"Triton":{}}`)
	c := writeFile(t, src, "notes.txt", "hello")

	pushed, err := archive.Push(ctx, a, b, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"/results/benchmark_0101.json", "/results/benchmark_0102.json", "/results/notes.txt"}, pushed)

	files, err := archive.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "benchmark_0101.json", files[0].Name)
	assert.Equal(t, int64(len(`{"vLLM":{}}`)), files[0].Size)

	dst := t.TempDir()
	pulled, err := archive.Pull(ctx, "", dst)
	require.NoError(t, err)
	assert.Len(t, pulled, 2)

	data, err := os.ReadFile(filepath.Join(dst, "benchmark_0102.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"Triton":{}}`, string(data))
	_, err = os.Stat(filepath.Join(dst, "notes.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchive_PushRejectsBadLocalPaths(t *testing.T) {
	archive := New(Credentials{}, "/results", WithDialer(memDialer(t)))

	_, err := archive.Push(context.Background())
	assert.Error(t, err)

	_, err = archive.Push(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stat local file")

	_, err = archive.Push(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a directory")
}

func TestArchive_PullRejectsBadArguments(t *testing.T) {
	archive := New(Credentials{}, "/results", WithDialer(memDialer(t)))

	_, err := archive.Pull(context.Background(), "[", t.TempDir())
	assert.Error(t, err)

	_, err = archive.Pull(context.Background(), "*.json", "")
	assert.Error(t, err)
}

func TestArchive_InvalidCredentials(t *testing.T) {
	src := writeFile(t, t.TempDir(), "r.json", "{}")

	archive := New(Credentials{Host: "h", Port: 22}, "/results")
	_, err := archive.Push(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")

	archive = New(Credentials{Host: "h", Port: 22, User: "u", PrivateKey: []byte("not a key")}, "/results")
	_, err = archive.Push(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse private key")
}

func TestCopyContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a reader that never returns keeps the copy goroutine busy
	r, w := io.Pipe()
	defer w.Close()

	err := copyContext(ctx, io.Discard, r)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "cancelled"))
}

func TestCredentials_LoadKey(t *testing.T) {
	var c Credentials
	require.Error(t, c.LoadKey(filepath.Join(t.TempDir(), "missing")))

	p := writeFile(t, t.TempDir(), "id_ed25519", "PEM")
	require.NoError(t, c.LoadKey(p))
	assert.Equal(t, []byte("PEM"), c.PrivateKey)
}
