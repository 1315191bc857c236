package dbstore

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// providerRepo, serviceRepo, servicePoolRepo and publicationRepo hold the
// read-mostly catalog entities. Queries are read directly from the
// connection pool (not through a Tx): there's no write contention on
// these rows outside of admin actions, so a plain read skips the
// overhead of an explicit transaction.

type providerRepo struct{ db *sqlx.DB }

func (r *providerRepo) Get(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	if err := r.db.GetContext(ctx, &p, `SELECT * FROM providers WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("dbstore: get provider %s: %w", id, err)
	}
	return &p, nil
}

func (r *providerRepo) List(ctx context.Context) ([]*Provider, error) {
	var out []*Provider
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM providers ORDER BY name`); err != nil {
		return nil, fmt.Errorf("dbstore: list providers: %w", err)
	}
	return out, nil
}

func (r *providerRepo) GetByName(ctx context.Context, name string) (*Provider, error) {
	var p Provider
	if err := r.db.GetContext(ctx, &p, `SELECT * FROM providers WHERE name = $1`, name); err != nil {
		return nil, fmt.Errorf("dbstore: get provider by name %s: %w", name, err)
	}
	return &p, nil
}

// Upsert is the backing operation for applying a Provider manifest: a
// re-applied manifest with the same name updates type_name, data and
// maintenance_mode in place instead of creating a duplicate row.
func (r *providerRepo) Upsert(ctx context.Context, p *Provider) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO providers (id, name, type_name, data, maintenance_mode, created_at)
		VALUES (:id, :name, :type_name, :data, :maintenance_mode, :created_at)
		ON CONFLICT (name) DO UPDATE SET
			type_name = excluded.type_name,
			data = excluded.data,
			maintenance_mode = excluded.maintenance_mode`, p)
	if err != nil {
		return fmt.Errorf("dbstore: upsert provider %s: %w", p.Name, err)
	}
	return nil
}

type serviceRepo struct{ db *sqlx.DB }

func (r *serviceRepo) Get(ctx context.Context, id string) (*Service, error) {
	var svc Service
	if err := r.db.GetContext(ctx, &svc, `SELECT * FROM services WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("dbstore: get service %s: %w", id, err)
	}
	return &svc, nil
}

func (r *serviceRepo) List(ctx context.Context) ([]*Service, error) {
	var out []*Service
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM services ORDER BY name`); err != nil {
		return nil, fmt.Errorf("dbstore: list services: %w", err)
	}
	return out, nil
}

func (r *serviceRepo) GetByName(ctx context.Context, name string) (*Service, error) {
	var s Service
	if err := r.db.GetContext(ctx, &s, `SELECT * FROM services WHERE name = $1`, name); err != nil {
		return nil, fmt.Errorf("dbstore: get service by name %s: %w", name, err)
	}
	return &s, nil
}

func (r *serviceRepo) Upsert(ctx context.Context, s *Service) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO services (id, provider_id, name, type_name, data, uses_cache, uses_cache_l2)
		VALUES (:id, :provider_id, :name, :type_name, :data, :uses_cache, :uses_cache_l2)
		ON CONFLICT (name) DO UPDATE SET
			provider_id = excluded.provider_id,
			type_name = excluded.type_name,
			data = excluded.data,
			uses_cache = excluded.uses_cache,
			uses_cache_l2 = excluded.uses_cache_l2`, s)
	if err != nil {
		return fmt.Errorf("dbstore: upsert service %s: %w", s.Name, err)
	}
	return nil
}

type servicePoolRepo struct{ db *sqlx.DB }

func (r *servicePoolRepo) Get(ctx context.Context, id string) (*ServicePool, error) {
	var p ServicePool
	if err := r.db.GetContext(ctx, &p, `SELECT * FROM service_pools WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("dbstore: get service pool %s: %w", id, err)
	}
	return &p, nil
}

func (r *servicePoolRepo) Update(ctx context.Context, pool *ServicePool) error {
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE service_pools SET
			state = :state,
			initial_services = :initial_services,
			cache_l1_services = :cache_l1_services,
			cache_l2_services = :cache_l2_services,
			max_services = :max_services,
			restrain_count = :restrain_count,
			restrained_until = :restrained_until,
			show_transports = :show_transports,
			assigned_groups = :assigned_groups
		WHERE id = :id`, pool)
	if err != nil {
		return fmt.Errorf("dbstore: update service pool %s: %w", pool.ID, err)
	}
	return nil
}

func (r *servicePoolRepo) GetByName(ctx context.Context, name string) (*ServicePool, error) {
	var p ServicePool
	if err := r.db.GetContext(ctx, &p, `SELECT * FROM service_pools WHERE name = $1`, name); err != nil {
		return nil, fmt.Errorf("dbstore: get service pool by name %s: %w", name, err)
	}
	return &p, nil
}

// Upsert is the backing operation for applying a ServicePool manifest: a
// re-applied manifest with the same name updates the pool's settings in
// place instead of creating a duplicate row.
func (r *servicePoolRepo) Upsert(ctx context.Context, pool *ServicePool) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO service_pools
			(id, service_id, name, state, initial_services, cache_l1_services,
			 cache_l2_services, max_services, restrain_count, restrained_until,
			 show_transports, assigned_groups)
		VALUES
			(:id, :service_id, :name, :state, :initial_services, :cache_l1_services,
			 :cache_l2_services, :max_services, :restrain_count, :restrained_until,
			 :show_transports, :assigned_groups)
		ON CONFLICT (name) DO UPDATE SET
			service_id = excluded.service_id,
			state = excluded.state,
			initial_services = excluded.initial_services,
			cache_l1_services = excluded.cache_l1_services,
			cache_l2_services = excluded.cache_l2_services,
			max_services = excluded.max_services,
			show_transports = excluded.show_transports,
			assigned_groups = excluded.assigned_groups`, pool)
	if err != nil {
		return fmt.Errorf("dbstore: upsert service pool %s: %w", pool.Name, err)
	}
	return nil
}

// List returns pools matching filter, built dynamically with squirrel
// since the admin CLI may supply any subset of filter fields.
func (r *servicePoolRepo) List(ctx context.Context, filter PoolFilter) ([]*ServicePool, error) {
	builder := psql.Select("sp.*").From("service_pools sp").OrderBy("sp.name")
	if filter.ProviderID != "" {
		builder = builder.Join("services s ON s.id = sp.service_id").
			Where(sq.Eq{"s.provider_id": filter.ProviderID})
	}
	if filter.State != "" {
		builder = builder.Where(sq.Eq{"sp.state": filter.State})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("dbstore: build pool list query: %w", err)
	}

	var out []*ServicePool
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("dbstore: list pools: %w", err)
	}
	return out, nil
}

// NeedingCacheUpdate selects active, non-maintenance pools belonging to
// a non-maintenance provider, whose service still uses caching and
// whose configured bounds are non-trivial.
func (r *servicePoolRepo) NeedingCacheUpdate(ctx context.Context) ([]*ServicePool, error) {
	var out []*ServicePool
	query := `
		SELECT sp.* FROM service_pools sp
		JOIN services s ON s.id = sp.service_id
		JOIN providers p ON p.id = s.provider_id
		WHERE sp.state = 'ACTIVE'
		  AND p.maintenance_mode = false
		  AND s.uses_cache = true
		  AND sp.max_services > 0
		  AND (sp.initial_services >= 0 OR sp.cache_l1_services >= 0)
		ORDER BY sp.id`
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("dbstore: list pools needing cache update: %w", err)
	}
	return out, nil
}

type publicationRepo struct{ db *sqlx.DB }

func (r *publicationRepo) Get(ctx context.Context, id string) (*Publication, error) {
	var p Publication
	if err := r.db.GetContext(ctx, &p, `SELECT * FROM publications WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("dbstore: get publication %s: %w", id, err)
	}
	return &p, nil
}

func (r *publicationRepo) ActiveFor(ctx context.Context, servicePoolID string) (*Publication, error) {
	var p Publication
	query := `
		SELECT * FROM publications
		WHERE service_pool_id = $1 AND state = 'USABLE'
		ORDER BY revision DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &p, query, servicePoolID); err != nil {
		return nil, fmt.Errorf("dbstore: active publication for pool %s: %w", servicePoolID, err)
	}
	return &p, nil
}
