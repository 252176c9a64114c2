package storage

import (
	"bytes"
	"context"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type FTPOptions struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Path          string        `mapstructure:"path"`
	Timeout       time.Duration `mapstructure:"timeout"`
	AllowInsecure bool          `mapstructure:"allow_insecure"`
}

// FTPStorage keeps one control connection. jlaffaye/ftp connections are
// not safe for concurrent use, so every call holds mu.
type FTPStorage struct {
	opts   FTPOptions
	host   string
	mu     sync.Mutex
	client *ftp.ServerConn
}

func NewFTPStorage(opts FTPOptions) (*FTPStorage, error) {
	if !opts.AllowInsecure {
		return nil, apperrors.New(apperrors.TypeSecurity, "insecure protocol FTP requires explicit opt-in", "Set allow_insecure: true in the storage options.")
	}
	if opts.Host == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "ftp storage: host is required", "")
	}
	if opts.Port == 0 {
		opts.Port = 21
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Path == "" {
		opts.Path = "backups"
	}
	return &FTPStorage{opts: opts, host: net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))}, nil
}

func (s *FTPStorage) conn(ctx context.Context) (*ftp.ServerConn, error) {
	if s.client != nil {
		return s.client, nil
	}
	c, err := ftp.Dial(s.host, ftp.DialWithContext(ctx), ftp.DialWithTimeout(s.opts.Timeout))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConnection, "failed to connect to FTP server", "")
	}
	if err := c.Login(s.opts.Username, s.opts.Password); err != nil {
		c.Quit()
		return nil, apperrors.Wrap(err, apperrors.TypeAuth, "FTP login failed", "")
	}
	s.client = c
	return c, nil
}

func (s *FTPStorage) remote(name string) string {
	return path.Join(s.opts.Path, name)
}

func (s *FTPStorage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	p := s.remote(name)
	s.ensureDir(c, path.Dir(p))
	if err := c.Stor(p, &ctxReader{ctx: ctx, r: r}); err != nil {
		return "", err
	}
	return "ftp://" + s.host + "/" + p, nil
}

func (s *FTPStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.Retr(s.remote(name))
	if err != nil {
		return nil, err
	}
	// The transfer must be drained and closed before the next command.
	data, err := io.ReadAll(resp)
	resp.Close()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *FTPStorage) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return c.Delete(s.remote(name))
}

func (s *FTPStorage) List(ctx context.Context, dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := c.List(s.remote(dir))
	if err != nil {
		return nil, nil // Assume dir doesn't exist
	}
	var files []string
	for _, e := range entries {
		if e.Type == ftp.EntryTypeFile {
			files = append(files, path.Join(dir, path.Base(e.Name)))
		}
	}
	return files, nil
}

func (s *FTPStorage) ensureDir(c *ftp.ServerConn, p string) {
	if p == "." || p == "/" {
		return
	}
	current := ""
	if strings.HasPrefix(p, "/") {
		current = "/"
	}
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		current = path.Join(current, part)
		_ = c.MakeDir(current) // Ignore error if it already exists
	}
}

func (s *FTPStorage) Location() string {
	return "ftp://" + s.host + "/" + s.opts.Path
}

func (s *FTPStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Quit()
	s.client = nil
	return err
}
