package dbstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type userServiceRepo struct{ db *sqlx.DB }

func (r *userServiceRepo) Get(ctx context.Context, id string) (*UserService, error) {
	var us UserService
	if err := r.db.GetContext(ctx, &us, `SELECT * FROM user_services WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("dbstore: get user service %s: %w", id, err)
	}
	return &us, nil
}

func (r *userServiceRepo) Create(ctx context.Context, tx Tx, us *UserService) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_services
			(id, service_pool_id, publication_id, unique_id, friendly_name,
			 state, os_state, cache_level, assigned_user_id, in_maintenance,
			 destroy_after, in_use, in_use_date, src_ip, src_hostname, data,
			 to_be_replaced, created_at, state_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		us.ID, us.ServicePoolID, us.PublicationID, us.UniqueID, us.FriendlyName,
		us.State, us.OsState, us.CacheLevel, us.AssignedUserID, us.InMaintenance,
		us.DestroyAfter, us.InUse, us.InUseDate, us.SrcIP, us.SrcHostname, us.Data,
		us.ToBeReplaced, us.CreatedAt, us.StateDate)
	if err != nil {
		return fmt.Errorf("dbstore: create user service %s: %w", us.ID, err)
	}
	return nil
}

func (r *userServiceRepo) Update(ctx context.Context, tx Tx, us *UserService) error {
	_, err := tx.Exec(ctx, `
		UPDATE user_services SET
			publication_id = $2, unique_id = $3, friendly_name = $4,
			state = $5, os_state = $6, cache_level = $7,
			assigned_user_id = $8, in_maintenance = $9, destroy_after = $10,
			in_use = $11, in_use_date = $12, src_ip = $13, src_hostname = $14,
			data = $15, to_be_replaced = $16, state_date = $17
		WHERE id = $1`,
		us.ID, us.PublicationID, us.UniqueID, us.FriendlyName,
		us.State, us.OsState, us.CacheLevel, us.AssignedUserID,
		us.InMaintenance, us.DestroyAfter, us.InUse, us.InUseDate, us.SrcIP,
		us.SrcHostname, us.Data, us.ToBeReplaced, us.StateDate)
	if err != nil {
		return fmt.Errorf("dbstore: update user service %s: %w", us.ID, err)
	}
	return nil
}

func (r *userServiceRepo) CountByPoolAndLevel(ctx context.Context, servicePoolID string, level CacheLevel) (int, error) {
	var n int
	query := `
		SELECT count(*) FROM user_services
		WHERE service_pool_id = $1 AND cache_level = $2
		  AND state NOT IN ('REMOVED', 'ERROR')`
	if err := r.db.GetContext(ctx, &n, query, servicePoolID, level); err != nil {
		return 0, fmt.Errorf("dbstore: count user services for pool %s level %d: %w", servicePoolID, level, err)
	}
	return n, nil
}

func (r *userServiceRepo) ListByPoolAndLevel(ctx context.Context, servicePoolID string, level CacheLevel, oldestFirst bool) ([]*UserService, error) {
	order := "created_at DESC"
	if oldestFirst {
		order = "created_at ASC"
	}
	query := fmt.Sprintf(`
		SELECT * FROM user_services
		WHERE service_pool_id = $1 AND cache_level = $2
		  AND state NOT IN ('REMOVED', 'ERROR') AND destroy_after = false
		ORDER BY %s`, order)
	var out []*UserService
	if err := r.db.SelectContext(ctx, &out, query, servicePoolID, level); err != nil {
		return nil, fmt.Errorf("dbstore: list user services for pool %s level %d: %w", servicePoolID, level, err)
	}
	return out, nil
}

func (r *userServiceRepo) GetAssignedForUser(ctx context.Context, servicePoolID, userID string) (*UserService, error) {
	var us UserService
	query := `
		SELECT * FROM user_services
		WHERE service_pool_id = $1 AND assigned_user_id = $2
		  AND state NOT IN ('REMOVED', 'ERROR')
		ORDER BY created_at DESC
		LIMIT 1`
	if err := r.db.GetContext(ctx, &us, query, servicePoolID, userID); err != nil {
		return nil, fmt.Errorf("dbstore: get assigned user service for pool %s user %s: %w", servicePoolID, userID, err)
	}
	return &us, nil
}

// ListStale returns UserServices in servicePoolID that are not REMOVED,
// ERROR or REMOVABLE, not yet marked to_be_replaced, and still attached
// to a publication other than currentPublicationID: the set a
// publication-replace sweep must act on.
func (r *userServiceRepo) ListStale(ctx context.Context, servicePoolID, currentPublicationID string) ([]*UserService, error) {
	query := `
		SELECT * FROM user_services
		WHERE service_pool_id = $1 AND publication_id IS NOT NULL
		  AND publication_id != $2
		  AND state NOT IN ('REMOVED', 'ERROR', 'REMOVABLE')
		  AND to_be_replaced = false
		ORDER BY created_at`
	var out []*UserService
	if err := r.db.SelectContext(ctx, &out, query, servicePoolID, currentPublicationID); err != nil {
		return nil, fmt.Errorf("dbstore: list stale user services for pool %s: %w", servicePoolID, err)
	}
	return out, nil
}

func (r *userServiceRepo) ListByState(ctx context.Context, state EngineState) ([]*UserService, error) {
	var out []*UserService
	query := `SELECT * FROM user_services WHERE state = $1 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &out, query, state); err != nil {
		return nil, fmt.Errorf("dbstore: list user services in state %s: %w", state, err)
	}
	return out, nil
}
