package binding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrLinkNotFound means no confirmed link exists for the lookup key.
var ErrLinkNotFound = errors.New("account link not found")

// PostgresLinkRepository persists confirmed links in the account_links table.
// A player rebinding the same platform overwrites the previous link.
type PostgresLinkRepository struct {
	db *sql.DB
}

func NewPostgresLinkRepository(db *sql.DB) *PostgresLinkRepository {
	return &PostgresLinkRepository{db: db}
}

func (r *PostgresLinkRepository) SaveLink(ctx context.Context, link Link) error {
	const q = `
		INSERT INTO account_links (server_id, player_uuid, player_name, platform, account_id, linked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (server_id, player_uuid, platform)
		DO UPDATE SET account_id = EXCLUDED.account_id,
		              player_name = EXCLUDED.player_name,
		              linked_at = EXCLUDED.linked_at`
	if _, err := r.db.ExecContext(ctx, q,
		link.ServerID, link.PlayerUUID, link.PlayerName, link.Platform, link.AccountID, link.LinkedAt); err != nil {
		return fmt.Errorf("save account link: %w", err)
	}
	return nil
}

// FindLink returns the confirmed link for a player on one platform.
func (r *PostgresLinkRepository) FindLink(ctx context.Context, serverID, playerUUID, platform string) (Link, error) {
	const q = `
		SELECT server_id, player_uuid, player_name, platform, account_id, linked_at
		FROM account_links
		WHERE server_id = $1 AND player_uuid = $2 AND platform = $3`
	var link Link
	err := r.db.QueryRowContext(ctx, q, serverID, playerUUID, platform).Scan(
		&link.ServerID, &link.PlayerUUID, &link.PlayerName, &link.Platform, &link.AccountID, &link.LinkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, ErrLinkNotFound
	}
	if err != nil {
		return Link{}, fmt.Errorf("find account link: %w", err)
	}
	return link, nil
}
