package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type MySQLOptions struct {
	Name              string     `mapstructure:"name"`
	Username          string     `mapstructure:"username"`
	Password          string     `mapstructure:"password"`
	Host              string     `mapstructure:"host"`
	Port              int        `mapstructure:"port"`
	Socket            string     `mapstructure:"socket"`
	SkipTables        []string   `mapstructure:"skip_tables"`
	OnlyTables        []string   `mapstructure:"only_tables"`
	AdditionalOptions []string   `mapstructure:"additional_options"`
	MysqldumpUtility  string     `mapstructure:"mysqldump_utility"`
	CheckConnection   bool       `mapstructure:"check_connection"`
	TLS               TLSOptions `mapstructure:"tls"`
}

type MySQL struct {
	opts   MySQLOptions
	runner Runner
}

func NewMySQL(opts MySQLOptions, runner Runner) (*MySQL, error) {
	if opts.Name == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "mysql: name is required", "Set options.name to the database to dump.")
	}
	if err := opts.TLS.validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		runner = LocalRunner{}
	}
	return &MySQL{opts: opts, runner: runner}, nil
}

func (m *MySQL) Name() string { return dumpName("MySQL", m.opts.Name) }

func (m *MySQL) Perform(ctx context.Context, dir string) ([]string, error) {
	if m.opts.CheckConnection {
		if err := m.TestConnection(ctx); err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeDump, m.Name()+": connection check failed", "")
		}
	}

	path := filepath.Join(dir, m.Name(), m.opts.Name+".sql")
	if err := runDump(ctx, m.runner, m.Name(), m.Command(), path); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// Command builds a consistent logical dump: one transaction, streamed rows,
// no table locks.
func (m *MySQL) Command() Command {
	o := m.opts
	args := []string{}
	if o.Username != "" {
		args = append(args, "--user="+o.Username)
	}
	switch {
	case o.Socket != "":
		args = append(args, "--socket="+o.Socket)
	case o.Host != "":
		args = append(args, "--host="+o.Host)
	}
	if o.Port != 0 {
		args = append(args, "--port="+strconv.Itoa(o.Port))
	}
	args = append(args,
		"--single-transaction",
		"--quick",
		"--skip-lock-tables",
		"--no-tablespaces",
	)
	if o.TLS.Enabled() {
		if o.TLS.CACert != "" {
			args = append(args, "--ssl-ca="+o.TLS.CACert)
		}
		if o.TLS.ClientCert != "" {
			args = append(args, "--ssl-cert="+o.TLS.ClientCert, "--ssl-key="+o.TLS.ClientKey)
		}
	}
	for _, t := range o.SkipTables {
		args = append(args, fmt.Sprintf("--ignore-table=%s.%s", o.Name, t))
	}
	args = append(args, o.AdditionalOptions...)
	args = append(args, o.Name)
	args = append(args, o.OnlyTables...)

	var env []string
	if o.Password != "" {
		env = append(env, "MYSQL_PWD="+o.Password)
	}
	return Command{Name: orDefault(o.MysqldumpUtility, "mysqldump"), Args: args, Env: env}
}

func (m *MySQL) TestConnection(ctx context.Context) error {
	dsn, err := m.DSN()
	if err != nil {
		return err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConfig, "failed to open MySQL connection", "Check your connection options and driver availability.")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, "failed to ping database", "Verify the database host, port, and credentials.")
	}
	return nil
}

func (m *MySQL) DSN() (string, error) {
	o := m.opts
	cfg := mysql.NewConfig()
	cfg.User = o.Username
	cfg.Passwd = o.Password
	cfg.DBName = o.Name
	if o.Socket != "" {
		cfg.Net = "unix"
		cfg.Addr = o.Socket
	} else {
		port := o.Port
		if port == 0 {
			port = 3306
		}
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", orDefault(o.Host, "localhost"), port)
	}

	if o.TLS.Enabled() {
		name, err := m.ensureTLSConfig()
		if err != nil {
			return "", err
		}
		cfg.TLSConfig = name
	}
	return cfg.FormatDSN(), nil
}

func (m *MySQL) ensureTLSConfig() (string, error) {
	cfg := m.opts.TLS
	if cfg.CACert == "" && cfg.ClientCert == "" && cfg.Mode != "skip-verify" {
		return "true", nil
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CACert != "" {
		rootCertPool := x509.NewCertPool()
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to read CA cert", "Check the path and permissions for your CA certificate.")
		}
		if ok := rootCertPool.AppendCertsFromPEM(pem); !ok {
			return "", apperrors.New(apperrors.TypeSecurity, "failed to append CA cert", "Provide a valid PEM-encoded CA certificate.")
		}
		tlsConfig.RootCAs = rootCertPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.TypeAuth, "failed to load client cert/key", "Verify the certificate paths and ensure they match.")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.Mode == "skip-verify" {
		tlsConfig.InsecureSkipVerify = true
	}

	configName := "backup_" + unsafeChars.ReplaceAllString(m.Name(), "_")
	if err := mysql.RegisterTLSConfig(configName, tlsConfig); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeConfig, "failed to register TLS config", "")
	}
	return configName, nil
}
