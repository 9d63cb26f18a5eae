package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dkeye/Beacon/internal/domain"
)

// Directory reads the user and friendship records the account system
// maintains. Beacon only consumes them.
type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) UserExists(ctx context.Context, id domain.UserID) (bool, error) {
	if id == "" {
		return false, nil
	}
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`
	if err := d.db.QueryRowContext(ctx, query, string(id)).Scan(&exists); err != nil {
		return false, fmt.Errorf("user exists: %w", err)
	}
	return exists, nil
}

func (d *Directory) FriendsOf(ctx context.Context, id domain.UserID) ([]domain.Friend, error) {
	query := `
		SELECT u.id, u.full_name, COALESCE(u.profile_pic, '')
		FROM friendships f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = $1
		ORDER BY u.full_name`
	rows, err := d.db.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("friends of %s: %w", id, err)
	}
	defer rows.Close()

	var friends []domain.Friend
	for rows.Next() {
		var f domain.Friend
		var fid string
		if err := rows.Scan(&fid, &f.FullName, &f.ProfilePic); err != nil {
			return nil, fmt.Errorf("scan friend row: %w", err)
		}
		f.ID = domain.UserID(fid)
		friends = append(friends, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("friend rows: %w", err)
	}
	return friends, nil
}
