package provision

import (
	"context"
	"database/sql"

	"VibeGuard/internal/storage/mysql"
)

// Open 建立可写连接池，cfg.Migrate 为 true 时执行内嵌迁移。
func Open(ctx context.Context, cfg mysql.Config) (*sql.DB, error) {
	db, err := mysql.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}
