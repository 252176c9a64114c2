package storage

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type SFTPOptions struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	PrivateKey     string `mapstructure:"private_key"`
	Path           string `mapstructure:"path"`
	KnownHostsFile string `mapstructure:"known_hosts_file"`
}

// SSHStorage stores packages over SFTP. The connection is opened on first
// use.
type SSHStorage struct {
	opts       SFTPOptions
	host       string
	mu         sync.Mutex
	client     *ssh.Client
	sftpClient *sftp.Client
}

func NewSSHStorage(opts SFTPOptions) (*SSHStorage, error) {
	if opts.Host == "" || opts.Username == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "sftp storage: host and username are required", "")
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Path == "" {
		opts.Path = "backups"
	}
	return &SSHStorage{
		opts: opts,
		host: net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
	}, nil
}

func (s *SSHStorage) connect(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpClient != nil {
		return s.sftpClient, nil
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if s.opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(s.opts.KnownHostsFile)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to load known_hosts_file", "")
		}
		hostKey = cb
	}

	config := &ssh.ClientConfig{
		User:            s.opts.Username,
		Auth:            s.authMethods(),
		HostKeyCallback: hostKey,
	}
	if len(config.Auth) == 0 {
		return nil, apperrors.New(apperrors.TypeAuth, "no supported SSH authentication methods found", "Ensure you have an SSH agent running or provide valid private keys/passwords.")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.host)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConnection, "failed to connect via SSH", "Check host reachability, SSH port, and credentials.")
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.host, config)
	if err != nil {
		conn.Close()
		return nil, apperrors.Wrap(err, apperrors.TypeAuth, "SSH handshake failed", "Check username, password or key.")
	}
	client := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to create SFTP client", "Verify the SFTP subsystem is enabled on the remote host.")
	}

	s.client = client
	s.sftpClient = sftpClient
	return sftpClient, nil
}

func (s *SSHStorage) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if s.opts.Password != "" {
		methods = append(methods, ssh.Password(s.opts.Password))
	}

	keys := []string{s.opts.PrivateKey}
	if s.opts.PrivateKey == "" {
		if authSock := os.Getenv("SSH_AUTH_SOCK"); authSock != "" {
			if conn, err := net.Dial("unix", authSock); err == nil {
				ag := agent.NewClient(conn)
				if signers, err := ag.Signers(); err == nil && len(signers) > 0 {
					methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
				}
			}
		}
		if home, err := os.UserHomeDir(); err == nil {
			keys = []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_rsa"),
				filepath.Join(home, ".ssh", "id_ecdsa"),
			}
		}
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		if key, err := os.ReadFile(k); err == nil {
			if signer, err := ssh.ParsePrivateKey(key); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			}
		}
	}
	return methods
}

func (s *SSHStorage) remote(name string) string {
	return path.Join(s.opts.Path, name)
}

func (s *SSHStorage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return "", err
	}
	p := s.remote(name)
	if err := c.MkdirAll(path.Dir(p)); err != nil {
		return "", fmt.Errorf("failed to create remote directory %s: %w", path.Dir(p), err)
	}

	tmp := p + ".tmp"
	f, err := c.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create remote file %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		c.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		c.Remove(tmp)
		return "", err
	}
	if err := c.PosixRename(tmp, p); err != nil {
		c.Remove(tmp)
		return "", fmt.Errorf("failed to finalize %s: %w", p, err)
	}
	return "sftp://" + s.host + "/" + p, nil
}

func (s *SSHStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	return c.Open(s.remote(name))
}

func (s *SSHStorage) Delete(ctx context.Context, name string) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	return c.Remove(s.remote(name))
}

func (s *SSHStorage) List(ctx context.Context, dir string) ([]string, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := c.ReadDir(s.remote(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && path.Ext(e.Name()) != ".tmp" {
			files = append(files, path.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func (s *SSHStorage) Location() string {
	return "sftp://" + s.host + "/" + s.opts.Path
}

func (s *SSHStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpClient != nil {
		s.sftpClient.Close()
		s.sftpClient = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
