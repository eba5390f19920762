// Package filetransfer archives result files on a results host over SFTP.
package filetransfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/llmbench/llmbench/internal/logging"
)

const (
	// DefaultConnectTimeout is the default timeout for establishing SSH connections
	DefaultConnectTimeout = 30 * time.Second

	// DefaultPattern selects the files pulled when no pattern is given
	DefaultPattern = "*.json"
)

// Credentials holds SSH connection details for the results host
type Credentials struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte // PEM-encoded private key
	// KnownHosts is an OpenSSH known_hosts file. Empty skips host key checks.
	KnownHosts string
}

// Validate checks that the credentials have all required fields
func (c *Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if len(c.PrivateKey) == 0 {
		return fmt.Errorf("private key cannot be empty")
	}
	return nil
}

// LoadKey reads a private key file into the credentials
func (c *Credentials) LoadKey(path string) error {
	key, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	c.PrivateKey = key
	return nil
}

// RemoteFile describes one archived file
type RemoteFile struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Dialer opens an SFTP session. The closer releases the transport under it.
type Dialer func(ctx context.Context) (*sftp.Client, io.Closer, error)

// Archive pushes and pulls result files under one remote directory
type Archive struct {
	creds          Credentials
	remoteDir      string
	connectTimeout time.Duration
	dial           Dialer
	logger         *slog.Logger
}

// Option configures an Archive
type Option func(*Archive)

// WithConnectTimeout sets the connection timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(a *Archive) {
		a.connectTimeout = d
	}
}

// WithDialer replaces the SSH transport, for tests
func WithDialer(d Dialer) Option {
	return func(a *Archive) {
		a.dial = d
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// New creates an archive rooted at remoteDir on the credentials' host
func New(creds Credentials, remoteDir string, opts ...Option) *Archive {
	a := &Archive{
		creds:          creds,
		remoteDir:      remoteDir,
		connectTimeout: DefaultConnectTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.dial == nil {
		a.dial = a.dialSSH
	}
	return a
}

// RemoteDir returns the archive root
func (a *Archive) RemoteDir() string {
	return a.remoteDir
}

// Push uploads each local file into the archive root under its base name
// and returns the remote paths written
func (a *Archive) Push(ctx context.Context, localPaths ...string) ([]string, error) {
	if len(localPaths) == 0 {
		return nil, fmt.Errorf("no files to push")
	}
	for _, p := range localPaths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat local file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("local path %s is a directory, not a file", p)
		}
	}

	client, closer, err := a.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer closer.Close()
	defer client.Close()

	if err := client.MkdirAll(a.remoteDir); err != nil {
		return nil, fmt.Errorf("failed to create remote directory: %w", err)
	}

	var pushed []string
	for _, p := range localPaths {
		remote := path.Join(a.remoteDir, filepath.Base(p))
		if err := upload(ctx, client, p, remote); err != nil {
			return pushed, err
		}
		pushed = append(pushed, remote)
		logging.Audit(ctx, "result_push",
			slog.String("host", a.creds.Host),
			slog.String("local", p),
			slog.String("remote", remote))
	}
	return pushed, nil
}

// Pull downloads every archived file matching pattern into localDir and
// returns the local paths written
func (a *Archive) Pull(ctx context.Context, pattern, localDir string) ([]string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if localDir == "" {
		return nil, fmt.Errorf("local directory cannot be empty")
	}
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create local directory: %w", err)
	}

	client, closer, err := a.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer closer.Close()
	defer client.Close()

	files, err := list(client, a.remoteDir)
	if err != nil {
		return nil, err
	}

	var pulled []string
	for _, f := range files {
		if ok, _ := path.Match(pattern, f.Name); !ok {
			continue
		}
		local := filepath.Join(localDir, f.Name)
		if err := download(ctx, client, path.Join(a.remoteDir, f.Name), local); err != nil {
			return pulled, err
		}
		pulled = append(pulled, local)
	}
	a.logger.Info("pulled results",
		slog.String("host", a.creds.Host),
		slog.String("remote_dir", a.remoteDir),
		slog.Int("files", len(pulled)))
	return pulled, nil
}

// List returns the archived files, sorted by name
func (a *Archive) List(ctx context.Context) ([]RemoteFile, error) {
	client, closer, err := a.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer closer.Close()
	defer client.Close()

	return list(client, a.remoteDir)
}

func list(client *sftp.Client, dir string) ([]RemoteFile, error) {
	infos, err := client.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote directory: %w", err)
	}
	var files []RemoteFile
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		files = append(files, RemoteFile{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func upload(ctx context.Context, client *sftp.Client, localPath, remotePath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	remoteFile, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	defer remoteFile.Close()

	if err := copyContext(ctx, remoteFile, localFile); err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}
	return nil
}

func download(ctx context.Context, client *sftp.Client, remotePath, localPath string) error {
	remoteFile, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	localFile, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}

	if err := copyContext(ctx, localFile, remoteFile); err != nil {
		// Clean up partial file
		localFile.Close()
		os.Remove(localPath)
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	return localFile.Close()
}

// copyContext copies src to dst, giving up when ctx is done
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(dst, src)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to copy file: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transfer cancelled: %w", ctx.Err())
	}
}

func (a *Archive) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if a.creds.KnownHosts == "" {
		a.logger.Warn("host key verification disabled; set a known_hosts file to enable it",
			slog.String("host", a.creds.Host))
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(a.creds.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// dialSSH establishes an SSH connection and starts an SFTP session on it
func (a *Archive) dialSSH(ctx context.Context) (*sftp.Client, io.Closer, error) {
	if err := a.creds.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid credentials: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(a.creds.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	hostKey, err := a.hostKeyCallback()
	if err != nil {
		return nil, nil, err
	}

	config := &ssh.ClientConfig{
		User:            a.creds.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         a.connectTimeout,
	}

	addr := net.JoinHostPort(a.creds.Host, fmt.Sprintf("%d", a.creds.Port))
	dialer := &net.Dialer{Timeout: a.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("failed to create sftp client: %w", err)
	}
	return client, sshClient, nil
}
