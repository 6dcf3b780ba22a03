package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feedrelay/internal/model"
)

// PostgresDestinationRepo はPostgreSQLを使用した配信先リポジトリ。
type PostgresDestinationRepo struct {
	db *sql.DB
}

// NewPostgresDestinationRepo はPostgresDestinationRepoを生成する。
func NewPostgresDestinationRepo(db *sql.DB) *PostgresDestinationRepo {
	return &PostgresDestinationRepo{db: db}
}

// ListBound は (オーナー, SourceURL) に紐付いた配信先を返す。
func (r *PostgresDestinationRepo) ListBound(ctx context.Context, ownerID, sourceURL string) ([]model.Destination, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT d.id, d.owner_id, d.kind, d.display_name, d.status
		 FROM destination_bindings b
		 JOIN destinations d ON d.id = b.destination_id
		 WHERE b.owner_id = $1 AND b.source_url = $2
		 ORDER BY b.created_at, d.id`,
		ownerID, sourceURL,
	)
	if err != nil {
		return nil, fmt.Errorf("紐付け先の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var dests []model.Destination
	for rows.Next() {
		var d model.Destination
		var kind, status string
		if err := rows.Scan(&d.ID, &d.OwnerID, &kind, &d.DisplayName, &status); err != nil {
			return nil, fmt.Errorf("紐付け先のスキャンに失敗しました: %w", err)
		}
		d.Kind = model.DestinationKind(kind)
		d.Status = model.DestinationStatus(status)
		dests = append(dests, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("紐付け先の読み取り中にエラーが発生しました: %w", err)
	}
	return dests, nil
}

var _ DestinationRepository = (*PostgresDestinationRepo)(nil)
