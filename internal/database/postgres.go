// internal/database/postgres.go - PostgreSQL implementation
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a pgx connection pool. Records are
// stored as JSONB documents with the columns needed for filtering and
// invariants broken out alongside.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id   TEXT PRIMARY KEY,
		data JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checks (
		id        TEXT PRIMARY KEY,
		agent_id  TEXT NOT NULL DEFAULT '',
		policy_id TEXT NOT NULL DEFAULT '',
		managed   BOOLEAN NOT NULL DEFAULT FALSE,
		data      JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checks_agent ON checks (agent_id);
	CREATE INDEX IF NOT EXISTS idx_checks_policy ON checks (policy_id);

	CREATE TABLE IF NOT EXISTS outages (
		id       TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		active   BOOLEAN NOT NULL,
		data     JSONB NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_outages_one_active
		ON outages (agent_id) WHERE active;

	CREATE TABLE IF NOT EXISTS policies (
		id   TEXT PRIMARY KEY,
		data JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS policy_bindings (
		id        TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL,
		data      JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		id   TEXT PRIMARY KEY CHECK (id = 'core'),
		data JSONB NOT NULL
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) GetAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var agent Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM agents WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.OverdueMinutes == 0 {
		agent.OverdueMinutes = 30
	}
	agent.CreatedAt = time.Now()
	agent.UpdatedAt = time.Now()

	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO agents (id, data) VALUES ($1, $2)`, agent.ID, data)
	return err
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	agent.UpdatedAt = time.Now()
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET data = $2 WHERE id = $1`, agent.ID, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM checks WHERE agent_id = $1`, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
		return err
	})
}

func (s *PostgresStore) TouchAgent(ctx context.Context, id string, seen time.Time) error {
	return s.updateAgentDoc(ctx, id, func(agent *Agent) {
		agent.LastSeen = &seen
	})
}

func (s *PostgresStore) updateAgentDoc(ctx context.Context, id string, mutate func(*Agent)) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, `SELECT data FROM agents WHERE id = $1 FOR UPDATE`, id).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var agent Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			return err
		}
		mutate(&agent)
		agent.UpdatedAt = time.Now()
		out, err := json.Marshal(&agent)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE agents SET data = $2 WHERE id = $1`, id, out)
		return err
	})
}

func (s *PostgresStore) GetChecks(ctx context.Context, filters CheckFilters) ([]Check, error) {
	query := `SELECT data FROM checks WHERE 1=1`
	args := []interface{}{}
	if filters.AgentID != "" {
		args = append(args, filters.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filters.PolicyID != "" {
		args = append(args, filters.PolicyID)
		query += fmt.Sprintf(" AND policy_id = $%d", len(args))
	}
	if filters.Managed != nil {
		args = append(args, *filters.Managed)
		query += fmt.Sprintf(" AND managed = $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []Check
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var check Check
		if err := json.Unmarshal(data, &check); err != nil {
			return nil, err
		}
		if filters.Type != "" && check.Type != filters.Type {
			continue
		}
		checks = append(checks, check)
	}
	return checks, rows.Err()
}

func (s *PostgresStore) GetCheck(ctx context.Context, id string) (*Check, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM checks WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var check Check
	if err := json.Unmarshal(data, &check); err != nil {
		return nil, err
	}
	return &check, nil
}

func (s *PostgresStore) CreateCheck(ctx context.Context, check *Check) error {
	if check.ID == "" {
		check.ID = uuid.New().String()
	}
	if check.Status == "" {
		check.Status = StatusPending
	}
	if check.FailsBeforeAlert == 0 {
		check.FailsBeforeAlert = 1
	}
	check.CreatedAt = time.Now()
	check.UpdatedAt = time.Now()

	data, err := json.Marshal(check)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checks (id, agent_id, policy_id, managed, data) VALUES ($1, $2, $3, $4, $5)`,
		check.ID, check.AgentID, check.PolicyID, check.ManagedByPolicy, data)
	return err
}

func (s *PostgresStore) DeleteCheck(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checks WHERE id = $1`, id)
	return err
}

// UpdateCheckState serializes same-check writers with a row lock.
func (s *PostgresStore) UpdateCheckState(ctx context.Context, id string, mutate func(*Check) error) (*Check, error) {
	var check Check

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, `SELECT data FROM checks WHERE id = $1 FOR UPDATE`, id).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &check); err != nil {
			return err
		}
		if err := mutate(&check); err != nil {
			return err
		}
		check.UpdatedAt = time.Now()
		out, err := json.Marshal(&check)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE checks SET data = $2 WHERE id = $1`, id, out)
		return err
	})

	if err != nil {
		return nil, err
	}
	return &check, nil
}

func (s *PostgresStore) ClaimCheckAlert(ctx context.Context, id, channel string, now time.Time, minInterval time.Duration) (bool, *time.Time, error) {
	var claimed bool
	var prev *time.Time

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, `SELECT data FROM checks WHERE id = $1 FOR UPDATE`, id).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var check Check
		if err := json.Unmarshal(data, &check); err != nil {
			return err
		}

		stamp := check.LastEmailSent
		if channel == "text" {
			stamp = check.LastTextSent
		}
		prev = stamp

		if stamp != nil && now.Sub(*stamp) < minInterval {
			claimed = false
			return nil
		}

		if channel == "text" {
			check.LastTextSent = &now
		} else {
			check.LastEmailSent = &now
		}
		claimed = true

		out, err := json.Marshal(&check)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE checks SET data = $2 WHERE id = $1`, id, out)
		return err
	})

	return claimed, prev, err
}

func (s *PostgresStore) RevertCheckAlert(ctx context.Context, id, channel string, prev *time.Time) error {
	_, err := s.UpdateCheckState(ctx, id, func(check *Check) error {
		if channel == "text" {
			check.LastTextSent = prev
		} else {
			check.LastEmailSent = prev
		}
		return nil
	})
	return err
}

func (s *PostgresStore) GetActiveOutage(ctx context.Context, agentID string) (*AgentOutage, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM outages WHERE agent_id = $1 AND active`, agentID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var outage AgentOutage
	if err := json.Unmarshal(data, &outage); err != nil {
		return nil, err
	}
	return &outage, nil
}

func (s *PostgresStore) GetOutages(ctx context.Context, agentID string) ([]AgentOutage, error) {
	query := `SELECT data FROM outages`
	args := []interface{}{}
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outages []AgentOutage
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var outage AgentOutage
		if err := json.Unmarshal(data, &outage); err != nil {
			return nil, err
		}
		outages = append(outages, outage)
	}
	return outages, rows.Err()
}

// OpenOutage relies on the partial unique index: a concurrent insert for
// the same agent hits the conflict and falls back to the existing row.
func (s *PostgresStore) OpenOutage(ctx context.Context, agentID string, start time.Time) (*AgentOutage, error) {
	outage := AgentOutage{
		ID:      uuid.New().String(),
		AgentID: agentID,
		Start:   start,
	}
	data, err := json.Marshal(&outage)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO outages (id, agent_id, active, data) VALUES ($1, $2, TRUE, $3)
		 ON CONFLICT (agent_id) WHERE active DO NOTHING`,
		outage.ID, agentID, data)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return s.GetActiveOutage(ctx, agentID)
	}
	return &outage, nil
}

func (s *PostgresStore) CloseOutage(ctx context.Context, outageID string, end time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, `SELECT data FROM outages WHERE id = $1 FOR UPDATE`, outageID).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var outage AgentOutage
		if err := json.Unmarshal(data, &outage); err != nil {
			return err
		}
		if outage.End == nil {
			outage.End = &end
		}
		out, err := json.Marshal(&outage)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE outages SET active = FALSE, data = $2 WHERE id = $1`, outageID, out)
		return err
	})
}

func (s *PostgresStore) UpdateOutage(ctx context.Context, outage *AgentOutage) error {
	data, err := json.Marshal(outage)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE outages SET active = $2, data = $3 WHERE id = $1`,
		outage.ID, outage.IsActive(), data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetPolicies(ctx context.Context) ([]Policy, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM policies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var policy Policy
		if err := json.Unmarshal(data, &policy); err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM policies WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

func (s *PostgresStore) CreatePolicy(ctx context.Context, policy *Policy) error {
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	policy.CreatedAt = time.Now()
	policy.UpdatedAt = time.Now()
	data, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO policies (id, data) VALUES ($1, $2)`, policy.ID, data)
	return err
}

func (s *PostgresStore) UpdatePolicy(ctx context.Context, policy *Policy) error {
	policy.UpdatedAt = time.Now()
	data, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE policies SET data = $2 WHERE id = $1`, policy.ID, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM checks WHERE policy_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM policy_bindings WHERE policy_id = $1`, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM policies WHERE id = $1`, id)
		return err
	})
}

func (s *PostgresStore) GetBindings(ctx context.Context) ([]PolicyBinding, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM policy_bindings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bindings []PolicyBinding
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var binding PolicyBinding
		if err := json.Unmarshal(data, &binding); err != nil {
			return nil, err
		}
		bindings = append(bindings, binding)
	}
	return bindings, rows.Err()
}

func (s *PostgresStore) CreateBinding(ctx context.Context, binding *PolicyBinding) error {
	if binding.ID == "" {
		binding.ID = uuid.New().String()
	}
	data, err := json.Marshal(binding)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO policy_bindings (id, policy_id, data) VALUES ($1, $2, $3)`,
		binding.ID, binding.PolicyID, data)
	return err
}

func (s *PostgresStore) DeleteBinding(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM policy_bindings WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) GetSettings(ctx context.Context) (*Settings, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM settings WHERE id = 'core'`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *PostgresStore) CreateSettings(ctx context.Context, settings *Settings) error {
	settings.ID = "core"
	settings.CreatedAt = time.Now()
	settings.UpdatedAt = time.Now()
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO settings (id, data) VALUES ('core', $1) ON CONFLICT (id) DO NOTHING`, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) UpdateSettings(ctx context.Context, settings *Settings) error {
	settings.ID = "core"
	settings.UpdatedAt = time.Now()
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE settings SET data = $1 WHERE id = 'core'`, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
