package db

import (
	"context"
	"path/filepath"
	"strconv"

	apperrors "github.com/lupppig/backup/internal/errors"
)

type MongoDBOptions struct {
	Name              string   `mapstructure:"name"`
	Username          string   `mapstructure:"username"`
	Password          string   `mapstructure:"password"`
	Host              string   `mapstructure:"host"`
	Port              int      `mapstructure:"port"`
	AuthDatabase      string   `mapstructure:"auth_database"`
	OnlyCollections   []string `mapstructure:"only_collections"`
	AdditionalOptions []string `mapstructure:"additional_options"`
	MongodumpUtility  string   `mapstructure:"mongodump_utility"`
	Oplog             bool     `mapstructure:"oplog"`
}

// MongoDB streams a single mongodump archive.
type MongoDB struct {
	opts   MongoDBOptions
	runner Runner
}

func NewMongoDB(opts MongoDBOptions, runner Runner) (*MongoDB, error) {
	if opts.Oplog && opts.Name != "" {
		return nil, apperrors.New(apperrors.TypeConfig, "mongodb: oplog requires dumping all databases", "Remove options.name or disable oplog.")
	}
	if len(opts.OnlyCollections) > 0 && opts.Name == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "mongodb: only_collections requires name", "")
	}
	if runner == nil {
		runner = LocalRunner{}
	}
	return &MongoDB{opts: opts, runner: runner}, nil
}

func (m *MongoDB) Name() string { return dumpName("MongoDB", m.opts.Name) }

func (m *MongoDB) Perform(ctx context.Context, dir string) ([]string, error) {
	file := orDefault(m.opts.Name, "all") + ".archive"
	path := filepath.Join(dir, m.Name(), file)
	if err := runDump(ctx, m.runner, m.Name(), m.Command(), path); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

func (m *MongoDB) Command() Command {
	o := m.opts
	args := []string{"--archive"}
	if o.Host != "" {
		args = append(args, "--host="+o.Host)
	}
	if o.Port != 0 {
		args = append(args, "--port="+strconv.Itoa(o.Port))
	}
	if o.Username != "" {
		args = append(args, "--username="+o.Username)
		if o.Password != "" {
			args = append(args, "--password="+o.Password)
		}
		args = append(args, "--authenticationDatabase="+orDefault(o.AuthDatabase, "admin"))
	}
	if o.Name != "" {
		args = append(args, "--db="+o.Name)
	}
	for _, c := range o.OnlyCollections {
		args = append(args, "--nsInclude="+o.Name+"."+c)
	}
	if o.Oplog {
		args = append(args, "--oplog")
	}
	args = append(args, o.AdditionalOptions...)
	return Command{Name: orDefault(o.MongodumpUtility, "mongodump"), Args: args}
}
