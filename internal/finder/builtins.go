package finder

import (
	"context"

	"github.com/lupppig/backup/internal/compress"
	"github.com/lupppig/backup/internal/crypto"
	"github.com/lupppig/backup/internal/db"
	"github.com/lupppig/backup/internal/notify"
	"github.com/lupppig/backup/internal/storage"
)

func (f *Finder) registerBuiltins() {
	// databases
	f.register(Database, func(ctx context.Context, s Spec) (any, error) {
		var o db.PostgresOptions
		if err := Decode(Database, s, &o); err != nil {
			return nil, err
		}
		return db.NewPostgres(o, f.runner)
	}, "PostgreSQL", "postgres")
	f.register(Database, func(ctx context.Context, s Spec) (any, error) {
		var o db.MySQLOptions
		if err := Decode(Database, s, &o); err != nil {
			return nil, err
		}
		return db.NewMySQL(o, f.runner)
	}, "MySQL")
	f.register(Database, func(ctx context.Context, s Spec) (any, error) {
		var o db.MongoDBOptions
		if err := Decode(Database, s, &o); err != nil {
			return nil, err
		}
		return db.NewMongoDB(o, f.runner)
	}, "MongoDB", "mongo")
	f.register(Database, func(ctx context.Context, s Spec) (any, error) {
		var o db.RedisOptions
		if err := Decode(Database, s, &o); err != nil {
			return nil, err
		}
		return db.NewRedis(o, f.runner)
	}, "Redis")
	f.register(Database, func(ctx context.Context, s Spec) (any, error) {
		var o db.SQLiteOptions
		if err := Decode(Database, s, &o); err != nil {
			return nil, err
		}
		return db.NewSQLite(o)
	}, "SQLite")

	// storages
	f.register(Storage, func(ctx context.Context, s Spec) (any, error) {
		var o storage.LocalOptions
		if err := Decode(Storage, s, &o); err != nil {
			return nil, err
		}
		return storage.NewLocalStorage(o)
	}, "Local")
	f.register(Storage, func(ctx context.Context, s Spec) (any, error) {
		var o storage.SFTPOptions
		if err := Decode(Storage, s, &o); err != nil {
			return nil, err
		}
		return storage.NewSSHStorage(o)
	}, "SFTP", "SCP")
	f.register(Storage, func(ctx context.Context, s Spec) (any, error) {
		var o storage.FTPOptions
		if err := Decode(Storage, s, &o); err != nil {
			return nil, err
		}
		return storage.NewFTPStorage(o)
	}, "FTP")
	f.register(Storage, func(ctx context.Context, s Spec) (any, error) {
		var o storage.S3Options
		if err := Decode(Storage, s, &o); err != nil {
			return nil, err
		}
		return storage.NewS3Storage(ctx, o)
	}, "S3")
	f.register(Storage, func(ctx context.Context, s Spec) (any, error) {
		var o storage.MinioOptions
		if err := Decode(Storage, s, &o); err != nil {
			return nil, err
		}
		return storage.NewMinioStorage(o)
	}, "MinIO")
	f.register(Storage, func(ctx context.Context, s Spec) (any, error) {
		var o storage.DockerOptions
		if err := Decode(Storage, s, &o); err != nil {
			return nil, err
		}
		return storage.NewDockerStorage(o)
	}, "Docker")
	f.register(Storage, func(ctx context.Context, s Spec) (any, error) {
		var o storage.RSyncOptions
		if err := Decode(Storage, s, &o); err != nil {
			return nil, err
		}
		return storage.NewRSyncStorage(o)
	}, "RSync")

	// compressors
	for _, algo := range []compress.Algorithm{compress.Gzip, compress.Zstd, compress.Lz4} {
		algo := algo
		f.register(Compressor, func(ctx context.Context, s Spec) (any, error) {
			var o compress.Options
			if err := Decode(Compressor, s, &o); err != nil {
				return nil, err
			}
			return compress.New(algo, o)
		}, string(algo))
	}

	// encryptors
	f.register(Encryptor, func(ctx context.Context, s Spec) (any, error) {
		var o crypto.AESOptions
		if err := Decode(Encryptor, s, &o); err != nil {
			return nil, err
		}
		return crypto.NewAESEncryptor(o)
	}, "OpenSSL", "aes")
	f.register(Encryptor, func(ctx context.Context, s Spec) (any, error) {
		var o crypto.GPGOptions
		if err := Decode(Encryptor, s, &o); err != nil {
			return nil, err
		}
		return crypto.NewGPGEncryptor(o)
	}, "GPG")

	// notifiers
	f.register(Notifier, func(ctx context.Context, s Spec) (any, error) {
		var o notify.SlackOptions
		if err := Decode(Notifier, s, &o); err != nil {
			return nil, err
		}
		n, err := notify.NewSlackNotifier(o)
		if err != nil {
			return nil, err
		}
		return notify.Filter(n, o.Events), nil
	}, "Slack")
	f.register(Notifier, func(ctx context.Context, s Spec) (any, error) {
		var o notify.WebhookOptions
		if err := Decode(Notifier, s, &o); err != nil {
			return nil, err
		}
		n, err := notify.NewWebhookNotifier(o)
		if err != nil {
			return nil, err
		}
		return notify.Filter(n, o.Events), nil
	}, "Webhook")
	f.register(Notifier, func(ctx context.Context, s Spec) (any, error) {
		var o notify.DiscordOptions
		if err := Decode(Notifier, s, &o); err != nil {
			return nil, err
		}
		n, err := notify.NewDiscordNotifier(o)
		if err != nil {
			return nil, err
		}
		return notify.Filter(n, o.Events), nil
	}, "Discord")
	f.register(Notifier, func(ctx context.Context, s Spec) (any, error) {
		var o notify.TelegramOptions
		if err := Decode(Notifier, s, &o); err != nil {
			return nil, err
		}
		n, err := notify.NewTelegramNotifier(o)
		if err != nil {
			return nil, err
		}
		return notify.Filter(n, o.Events), nil
	}, "Telegram")
	f.register(Notifier, func(ctx context.Context, s Spec) (any, error) {
		var o notify.MailOptions
		if err := Decode(Notifier, s, &o); err != nil {
			return nil, err
		}
		n, err := notify.NewMailNotifier(o)
		if err != nil {
			return nil, err
		}
		return notify.Filter(n, o.Events), nil
	}, "Mail")
}
