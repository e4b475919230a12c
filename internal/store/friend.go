package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/campusevent/internal/clock"
	"github.com/dukerupert/campusevent/internal/model"
)

type FriendStore struct {
	db *sql.DB
}

func NewFriendStore(db *sql.DB) *FriendStore {
	return &FriendStore{db: db}
}

func scanFriendRequest(scanner interface{ Scan(...any) error }) (*model.FriendRequest, error) {
	var r model.FriendRequest
	var expiresAt, createdAt, updatedAt int64
	err := scanner.Scan(&r.ID, &r.AccountID, &r.TargetID, &r.Message, &expiresAt, &r.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.ExpiresAt = clock.FromMillis(expiresAt)
	r.CreatedAt = clock.FromMillis(createdAt)
	r.UpdatedAt = clock.FromMillis(updatedAt)
	return &r, nil
}

const friendRequestCols = `id, account_id, target_id, message, expires_at, status, created_at, updated_at`

func (s *FriendStore) CreateRequest(accountID, targetID int64, message string, expiresAt, now time.Time) (*model.FriendRequest, error) {
	result, err := s.db.Exec(
		`INSERT INTO friend_requests (account_id, target_id, message, expires_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		accountID, targetID, message, clock.Millis(expiresAt), model.FriendRequestPending,
		clock.Millis(now), clock.Millis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert friend request: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetRequest(id)
}

func (s *FriendStore) GetRequest(id int64) (*model.FriendRequest, error) {
	row := s.db.QueryRow(`SELECT `+friendRequestCols+` FROM friend_requests WHERE id = ?`, id)
	r, err := scanFriendRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get friend request: %w", err)
	}
	return r, nil
}

// GetPendingRequest returns the pending request from accountID to
// targetID, if one exists.
func (s *FriendStore) GetPendingRequest(accountID, targetID int64) (*model.FriendRequest, error) {
	row := s.db.QueryRow(
		`SELECT `+friendRequestCols+` FROM friend_requests
		 WHERE account_id = ? AND target_id = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		accountID, targetID, model.FriendRequestPending,
	)
	r, err := scanFriendRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending friend request: %w", err)
	}
	return r, nil
}

// RejectRequest moves a pending request to rejected. It reports false if
// the request was no longer pending.
func (s *FriendStore) RejectRequest(id int64, now time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE friend_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.FriendRequestRejected, clock.Millis(now), id, model.FriendRequestPending,
	)
	if err != nil {
		return false, fmt.Errorf("reject friend request: %w", err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Accept marks the request accepted and writes the relation in both
// directions in one transaction. Returns ErrConflict if the request is no
// longer pending.
func (s *FriendStore) Accept(requestID int64, now time.Time) error {
	ctx := context.Background()
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE friend_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			model.FriendRequestAccepted, clock.Millis(now), requestID, model.FriendRequestPending,
		)
		if err != nil {
			return fmt.Errorf("accept friend request: %w", err)
		}
		if n, err := rowsAffected(result); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}

		var from, to int64
		err = tx.QueryRowContext(ctx,
			`SELECT account_id, target_id FROM friend_requests WHERE id = ?`, requestID,
		).Scan(&from, &to)
		if err != nil {
			return fmt.Errorf("read friend request: %w", err)
		}

		if err := insertRelation(ctx, tx, from, to, now); err != nil {
			return err
		}
		return insertRelation(ctx, tx, to, from, now)
	})
}

func insertRelation(ctx context.Context, tx *sql.Tx, accountID, friendID int64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO friend_relations (account_id, friend_id, status, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		     SELECT 1 FROM friend_relations WHERE account_id = ? AND friend_id = ? AND status = ?
		 )`,
		accountID, friendID, model.RelationActive, clock.Millis(now), clock.Millis(now),
		accountID, friendID, model.RelationActive,
	)
	if err != nil {
		return fmt.Errorf("insert friend relation: %w", err)
	}
	return nil
}

func (s *FriendStore) AreFriends(accountID, friendID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM friend_relations WHERE account_id = ? AND friend_id = ? AND status = ?)`,
		accountID, friendID, model.RelationActive,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check friendship: %w", err)
	}
	return exists, nil
}

// ListFriends returns the account's active friends whose accounts are
// still valid, ordered by nickname.
func (s *FriendStore) ListFriends(accountID int64) ([]model.Friend, error) {
	rows, err := s.db.Query(
		`SELECT a.id, a.nickname, a.avatar_url
		 FROM friend_relations r JOIN accounts a ON a.id = r.friend_id
		 WHERE r.account_id = ? AND r.status = ? AND a.status = ?
		 ORDER BY a.nickname, a.id`,
		accountID, model.RelationActive, model.AccountValid,
	)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()

	var friends []model.Friend
	for rows.Next() {
		var f model.Friend
		if err := rows.Scan(&f.AccountID, &f.Nickname, &f.Avatar); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

// Remove ends the friendship in both directions. Both relation rows must
// be active; otherwise nothing changes and ErrNotFound is returned.
func (s *FriendStore) Remove(accountID, friendID int64, now time.Time) error {
	ctx := context.Background()
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, pair := range [][2]int64{{accountID, friendID}, {friendID, accountID}} {
			result, err := tx.ExecContext(ctx,
				`UPDATE friend_relations SET status = ?, updated_at = ?
				 WHERE account_id = ? AND friend_id = ? AND status = ?`,
				model.RelationRemoved, clock.Millis(now), pair[0], pair[1], model.RelationActive,
			)
			if err != nil {
				return fmt.Errorf("remove friend relation: %w", err)
			}
			if n, err := rowsAffected(result); err != nil {
				return err
			} else if n == 0 {
				return ErrNotFound
			}
		}
		return nil
	})
}

// SearchField selects the account column a search matches against.
type SearchField string

const (
	SearchEmail    SearchField = "email"
	SearchNickname SearchField = "nickname"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search returns valid accounts other than accountID whose field starts
// with prefix, case-insensitively, ordered by that field. IsFriend is 1
// for accounts that accountID has an active relation with.
func (s *FriendStore) Search(accountID int64, field SearchField, prefix string, limit int) ([]model.SearchResult, error) {
	if field != SearchEmail && field != SearchNickname {
		return nil, fmt.Errorf("search: unknown field %q", field)
	}
	col := "a." + string(field)
	rows, err := s.db.Query(
		`SELECT a.id, a.email, a.nickname, a.avatar_url,
		   EXISTS (SELECT 1 FROM friend_relations r
		           WHERE r.account_id = ? AND r.friend_id = a.id AND r.status = ?)
		 FROM accounts a
		 WHERE a.status = ? AND a.id != ? AND lower(`+col+`) LIKE ? ESCAPE '\'
		 ORDER BY `+col+`, a.id
		 LIMIT ?`,
		accountID, model.RelationActive, model.AccountValid, accountID,
		likeEscaper.Replace(strings.ToLower(prefix))+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search accounts: %w", err)
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		var r model.SearchResult
		if err := rows.Scan(&r.AccountID, &r.Email, &r.Nickname, &r.Avatar, &r.IsFriend); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
