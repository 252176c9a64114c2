package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type PostgresOptions struct {
	Name              string     `mapstructure:"name"`
	Username          string     `mapstructure:"username"`
	Password          string     `mapstructure:"password"`
	Host              string     `mapstructure:"host"`
	Port              int        `mapstructure:"port"`
	Socket            string     `mapstructure:"socket"`
	SkipTables        []string   `mapstructure:"skip_tables"`
	OnlyTables        []string   `mapstructure:"only_tables"`
	AdditionalOptions []string   `mapstructure:"additional_options"`
	PgDumpUtility     string     `mapstructure:"pg_dump_utility"`
	CheckConnection   bool       `mapstructure:"check_connection"`
	TLS               TLSOptions `mapstructure:"tls"`
}

type Postgres struct {
	opts   PostgresOptions
	runner Runner
}

func NewPostgres(opts PostgresOptions, runner Runner) (*Postgres, error) {
	if opts.Name == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "postgresql: name is required", "Set options.name to the database to dump.")
	}
	if err := opts.TLS.validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		runner = LocalRunner{}
	}
	return &Postgres{opts: opts, runner: runner}, nil
}

func (p *Postgres) Name() string { return dumpName("PostgreSQL", p.opts.Name) }

func (p *Postgres) Perform(ctx context.Context, dir string) ([]string, error) {
	if p.opts.CheckConnection {
		if err := p.TestConnection(ctx); err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeDump, p.Name()+": connection check failed", "")
		}
	}

	path := filepath.Join(dir, p.Name(), p.opts.Name+".sql")
	if err := runDump(ctx, p.runner, p.Name(), p.Command(), path); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// Command builds the pg_dump invocation. The password travels in the
// environment, never on the command line.
func (p *Postgres) Command() Command {
	o := p.opts
	args := []string{}
	if o.Username != "" {
		args = append(args, "--username="+o.Username)
	}
	switch {
	case o.Socket != "":
		args = append(args, "--host="+o.Socket)
	case o.Host != "":
		args = append(args, "--host="+o.Host)
	}
	if o.Port != 0 {
		args = append(args, "--port="+strconv.Itoa(o.Port))
	}
	for _, t := range o.SkipTables {
		args = append(args, "--exclude-table="+t)
	}
	for _, t := range o.OnlyTables {
		args = append(args, "--table="+t)
	}
	args = append(args, o.AdditionalOptions...)
	args = append(args, o.Name)

	var env []string
	if o.Password != "" {
		env = append(env, "PGPASSWORD="+o.Password)
	}
	if o.TLS.Enabled() {
		env = append(env, "PGSSLMODE="+o.TLS.Mode)
		if o.TLS.CACert != "" {
			env = append(env, "PGSSLROOTCERT="+o.TLS.CACert)
		}
		if o.TLS.ClientCert != "" {
			env = append(env, "PGSSLCERT="+o.TLS.ClientCert, "PGSSLKEY="+o.TLS.ClientKey)
		}
	}
	return Command{Name: orDefault(o.PgDumpUtility, "pg_dump"), Args: args, Env: env}
}

func (p *Postgres) TestConnection(ctx context.Context) error {
	db, err := sql.Open("postgres", p.DSN())
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConfig, "failed to open connection", "")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, "failed to ping database", "Verify the database host, port, and credentials.")
	}
	return nil
}

// DSN is the lib/pq connection URL for the configured database.
func (p *Postgres) DSN() string {
	o := p.opts
	port := o.Port
	if port == 0 {
		port = 5432
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", orDefault(o.Host, "localhost"), port),
		Path:   o.Name,
	}
	if o.Username != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	}

	q := u.Query()
	if o.Socket != "" {
		q.Set("host", o.Socket)
	}
	if o.TLS.Enabled() {
		q.Set("sslmode", o.TLS.Mode)
		if o.TLS.CACert != "" {
			q.Set("sslrootcert", o.TLS.CACert)
		}
		if o.TLS.ClientCert != "" {
			q.Set("sslcert", o.TLS.ClientCert)
			q.Set("sslkey", o.TLS.ClientKey)
		}
	} else {
		q.Set("sslmode", "disable")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
