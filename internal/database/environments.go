package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"imigrate/internal/models"
)

// UpsertEnvironment inserts or refreshes an environment record.
// Called at startup with the config seeds.
func (db *DB) UpsertEnvironment(ctx context.Context, env *models.Environment) error {
	query := `
        INSERT INTO environments (id, name, base_url, username, api_version, query_concurrency, insert_concurrency, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            name = excluded.name,
            base_url = excluded.base_url,
            username = excluded.username,
            api_version = excluded.api_version,
            query_concurrency = excluded.query_concurrency,
            insert_concurrency = excluded.insert_concurrency,
            updated_at = CURRENT_TIMESTAMP
    `

	_, err := db.ExecContext(ctx, query,
		env.ID,
		env.Name,
		env.BaseURL,
		env.Username,
		string(env.APIVersion),
		env.QueryConcurrency,
		env.InsertConcurrency,
	)
	if err != nil {
		return storageErr("upsert environment", err)
	}
	return nil
}

// GetEnvironmentByID returns one environment or ErrNotFound.
func (db *DB) GetEnvironmentByID(ctx context.Context, id int64) (*models.Environment, error) {
	query := `
        SELECT id, name, base_url, username, api_version, query_concurrency, insert_concurrency, created_at, updated_at
        FROM environments WHERE id = ?
    `

	var env models.Environment
	var version string
	err := db.QueryRowContext(ctx, query, id).Scan(
		&env.ID,
		&env.Name,
		&env.BaseURL,
		&env.Username,
		&version,
		&env.QueryConcurrency,
		&env.InsertConcurrency,
		&env.CreatedAt,
		&env.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get environment", err)
	}
	env.APIVersion = models.APIVersion(version)
	return &env, nil
}

// ListEnvironments returns all environments ordered by id.
func (db *DB) ListEnvironments(ctx context.Context) ([]models.Environment, error) {
	query := `
        SELECT id, name, base_url, username, api_version, query_concurrency, insert_concurrency, created_at, updated_at
        FROM environments ORDER BY id
    `

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list environments", err)
	}
	defer rows.Close()

	var envs []models.Environment
	for rows.Next() {
		var env models.Environment
		var version string
		err := rows.Scan(
			&env.ID,
			&env.Name,
			&env.BaseURL,
			&env.Username,
			&version,
			&env.QueryConcurrency,
			&env.InsertConcurrency,
			&env.CreatedAt,
			&env.UpdatedAt,
		)
		if err != nil {
			return nil, storageErr("scan environment", err)
		}
		env.APIVersion = models.APIVersion(version)
		envs = append(envs, env)
	}

	if err = rows.Err(); err != nil {
		return nil, storageErr("list environments", err)
	}
	return envs, nil
}

// SaveEnvironmentSecret stores the encrypted password blob for an environment.
func (db *DB) SaveEnvironmentSecret(ctx context.Context, envID int64, blob string) error {
	query := `
        INSERT INTO environment_secrets (env_id, password_blob, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(env_id) DO UPDATE SET
            password_blob = excluded.password_blob,
            updated_at = excluded.updated_at
    `

	_, err := db.ExecContext(ctx, query, envID, blob, time.Now())
	if err != nil {
		return storageErr("save environment secret", err)
	}
	return nil
}

// LoadEnvironmentSecrets returns every stored password blob keyed by environment id.
func (db *DB) LoadEnvironmentSecrets(ctx context.Context) (map[int64]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT env_id, password_blob FROM environment_secrets`)
	if err != nil {
		return nil, storageErr("load environment secrets", err)
	}
	defer rows.Close()

	secrets := make(map[int64]string)
	for rows.Next() {
		var envID int64
		var blob string
		if err := rows.Scan(&envID, &blob); err != nil {
			return nil, storageErr("scan environment secret", err)
		}
		secrets[envID] = blob
	}

	if err = rows.Err(); err != nil {
		return nil, storageErr("load environment secrets", err)
	}
	return secrets, nil
}
