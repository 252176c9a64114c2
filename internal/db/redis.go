package db

import (
	"context"
	"io"
	"path/filepath"
	"strconv"
)

type RedisOptions struct {
	Name              string   `mapstructure:"name"`
	Password          string   `mapstructure:"password"`
	Host              string   `mapstructure:"host"`
	Port              int      `mapstructure:"port"`
	Socket            string   `mapstructure:"socket"`
	InvokeSave        bool     `mapstructure:"invoke_save"`
	AdditionalOptions []string `mapstructure:"additional_options"`
	RedisCliUtility   string   `mapstructure:"redis_cli_utility"`
}

// Redis fetches an RDB snapshot over the replication protocol with
// `redis-cli --rdb`.
type Redis struct {
	opts   RedisOptions
	runner Runner
}

func NewRedis(opts RedisOptions, runner Runner) (*Redis, error) {
	if runner == nil {
		runner = LocalRunner{}
	}
	opts.Name = orDefault(opts.Name, "dump")
	return &Redis{opts: opts, runner: runner}, nil
}

func (r *Redis) Name() string { return dumpName("Redis", r.opts.Name) }

func (r *Redis) Perform(ctx context.Context, dir string) ([]string, error) {
	if r.opts.InvokeSave {
		if err := r.runner.Run(ctx, r.command("SAVE"), io.Discard); err != nil {
			return nil, toolFailure(r.Name(), "redis-cli SAVE", err)
		}
	}

	path := filepath.Join(dir, r.Name(), r.opts.Name+".rdb")
	if err := runDump(ctx, r.runner, r.Name(), r.command("--rdb", "-"), path); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// Command is the snapshot invocation.
func (r *Redis) Command() Command {
	return r.command("--rdb", "-")
}

func (r *Redis) command(tail ...string) Command {
	o := r.opts
	var args []string
	if o.Socket != "" {
		args = append(args, "-s", o.Socket)
	} else {
		args = append(args, "-h", orDefault(o.Host, "localhost"))
		if o.Port != 0 {
			args = append(args, "-p", strconv.Itoa(o.Port))
		}
	}
	args = append(args, o.AdditionalOptions...)
	args = append(args, tail...)

	var env []string
	if o.Password != "" {
		env = append(env, "REDISCLI_AUTH="+o.Password)
	}
	return Command{Name: orDefault(o.RedisCliUtility, "redis-cli"), Args: args, Env: env}
}
