// internal/database/boltstore.go - BoltDB implementation
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	AgentsBucket   = []byte("agents")
	ChecksBucket   = []byte("checks")
	OutagesBucket  = []byte("outages")
	PoliciesBucket = []byte("policies")
	BindingsBucket = []byte("policy_bindings")
	SettingsBucket = []byte("settings")
	MetaBucket     = []byte("meta")
)

const settingsKey = "core"

type BoltStore struct {
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (Store, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{AgentsBucket, ChecksBucket, OutagesBucket, PoliciesBucket, BindingsBucket, SettingsBucket, MetaBucket}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) GetAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(AgentsBucket)
		return b.ForEach(func(k, v []byte) error {
			var agent Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return fmt.Errorf("failed to unmarshal agent %s: %w", k, err)
			}
			agents = append(agents, agent)
			return nil
		})
	})

	return agents, err
}

func (s *BoltStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent

	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(AgentsBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &agent)
	})

	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.OverdueMinutes == 0 {
		agent.OverdueMinutes = 30
	}
	agent.CreatedAt = time.Now()
	agent.UpdatedAt = time.Now()

	return s.putJSON(AgentsBucket, agent.ID, agent)
}

func (s *BoltStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	agent.UpdatedAt = time.Now()
	return s.putJSON(AgentsBucket, agent.ID, agent)
}

func (s *BoltStore) DeleteAgent(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(AgentsBucket).Delete([]byte(id)); err != nil {
			return err
		}
		// cascade: an agent's checks die with it
		cb := tx.Bucket(ChecksBucket)
		c := cb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var check Check
			if err := json.Unmarshal(v, &check); err != nil {
				continue
			}
			if check.AgentID == id {
				if err := cb.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) TouchAgent(ctx context.Context, id string, seen time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(AgentsBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var agent Agent
		if err := json.Unmarshal(v, &agent); err != nil {
			return err
		}
		agent.LastSeen = &seen
		agent.UpdatedAt = time.Now()
		data, err := json.Marshal(&agent)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *BoltStore) GetChecks(ctx context.Context, filters CheckFilters) ([]Check, error) {
	var checks []Check

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ChecksBucket)
		return b.ForEach(func(k, v []byte) error {
			var check Check
			if err := json.Unmarshal(v, &check); err != nil {
				return fmt.Errorf("failed to unmarshal check %s: %w", k, err)
			}

			// Apply filters
			if filters.AgentID != "" && check.AgentID != filters.AgentID {
				return nil
			}
			if filters.PolicyID != "" && check.PolicyID != filters.PolicyID {
				return nil
			}
			if filters.Type != "" && check.Type != filters.Type {
				return nil
			}
			if filters.Managed != nil && check.ManagedByPolicy != *filters.Managed {
				return nil
			}

			checks = append(checks, check)
			return nil
		})
	})

	return checks, err
}

func (s *BoltStore) GetCheck(ctx context.Context, id string) (*Check, error) {
	var check Check

	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(ChecksBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &check)
	})

	if err != nil {
		return nil, err
	}
	return &check, nil
}

func (s *BoltStore) CreateCheck(ctx context.Context, check *Check) error {
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

	return s.putJSON(ChecksBucket, check.ID, check)
}

func (s *BoltStore) DeleteCheck(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(ChecksBucket).Delete([]byte(id))
	})
}

// UpdateCheckState runs mutate on the stored check inside a single write
// transaction. Bolt serializes writers, so concurrent measurements for the
// same check cannot lose fail_count increments or history samples.
func (s *BoltStore) UpdateCheckState(ctx context.Context, id string, mutate func(*Check) error) (*Check, error) {
	var check Check

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ChecksBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &check); err != nil {
			return err
		}
		if err := mutate(&check); err != nil {
			return err
		}
		check.UpdatedAt = time.Now()
		data, err := json.Marshal(&check)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})

	if err != nil {
		return nil, err
	}
	return &check, nil
}

func (s *BoltStore) ClaimCheckAlert(ctx context.Context, id, channel string, now time.Time, minInterval time.Duration) (bool, *time.Time, error) {
	var claimed bool
	var prev *time.Time

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ChecksBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var check Check
		if err := json.Unmarshal(v, &check); err != nil {
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

		data, err := json.Marshal(&check)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})

	return claimed, prev, err
}

func (s *BoltStore) RevertCheckAlert(ctx context.Context, id, channel string, prev *time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ChecksBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var check Check
		if err := json.Unmarshal(v, &check); err != nil {
			return err
		}
		if channel == "text" {
			check.LastTextSent = prev
		} else {
			check.LastEmailSent = prev
		}
		data, err := json.Marshal(&check)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *BoltStore) GetActiveOutage(ctx context.Context, agentID string) (*AgentOutage, error) {
	var found *AgentOutage

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(OutagesBucket)
		return b.ForEach(func(k, v []byte) error {
			var outage AgentOutage
			if err := json.Unmarshal(v, &outage); err != nil {
				return nil // Skip malformed entries
			}
			if outage.AgentID == agentID && outage.IsActive() {
				found = &outage
			}
			return nil
		})
	})

	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) GetOutages(ctx context.Context, agentID string) ([]AgentOutage, error) {
	var outages []AgentOutage

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(OutagesBucket)
		return b.ForEach(func(k, v []byte) error {
			var outage AgentOutage
			if err := json.Unmarshal(v, &outage); err != nil {
				return nil
			}
			if agentID == "" || outage.AgentID == agentID {
				outages = append(outages, outage)
			}
			return nil
		})
	})

	return outages, err
}

// OpenOutage enforces the single-active-outage invariant inside the write
// transaction: a concurrent open for the same agent returns the existing
// record instead of creating a second one.
func (s *BoltStore) OpenOutage(ctx context.Context, agentID string, start time.Time) (*AgentOutage, error) {
	var result AgentOutage

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(OutagesBucket)

		var active *AgentOutage
		if err := b.ForEach(func(k, v []byte) error {
			var outage AgentOutage
			if err := json.Unmarshal(v, &outage); err != nil {
				return nil
			}
			if outage.AgentID == agentID && outage.IsActive() {
				active = &outage
			}
			return nil
		}); err != nil {
			return err
		}

		if active != nil {
			result = *active
			return nil
		}

		result = AgentOutage{
			ID:      uuid.New().String(),
			AgentID: agentID,
			Start:   start,
		}
		data, err := json.Marshal(&result)
		if err != nil {
			return err
		}
		return b.Put([]byte(result.ID), data)
	})

	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *BoltStore) CloseOutage(ctx context.Context, outageID string, end time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(OutagesBucket)
		v := b.Get([]byte(outageID))
		if v == nil {
			return ErrNotFound
		}
		var outage AgentOutage
		if err := json.Unmarshal(v, &outage); err != nil {
			return err
		}
		if outage.End == nil {
			outage.End = &end
		}
		data, err := json.Marshal(&outage)
		if err != nil {
			return err
		}
		return b.Put([]byte(outageID), data)
	})
}

func (s *BoltStore) UpdateOutage(ctx context.Context, outage *AgentOutage) error {
	return s.putJSON(OutagesBucket, outage.ID, outage)
}

func (s *BoltStore) GetPolicies(ctx context.Context) ([]Policy, error) {
	var policies []Policy

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(PoliciesBucket)
		return b.ForEach(func(k, v []byte) error {
			var policy Policy
			if err := json.Unmarshal(v, &policy); err != nil {
				return fmt.Errorf("failed to unmarshal policy %s: %w", k, err)
			}
			policies = append(policies, policy)
			return nil
		})
	})

	return policies, err
}

func (s *BoltStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	var policy Policy

	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(PoliciesBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &policy)
	})

	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (s *BoltStore) CreatePolicy(ctx context.Context, policy *Policy) error {
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	policy.CreatedAt = time.Now()
	policy.UpdatedAt = time.Now()
	return s.putJSON(PoliciesBucket, policy.ID, policy)
}

func (s *BoltStore) UpdatePolicy(ctx context.Context, policy *Policy) error {
	policy.UpdatedAt = time.Now()
	return s.putJSON(PoliciesBucket, policy.ID, policy)
}

func (s *BoltStore) DeletePolicy(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(PoliciesBucket).Delete([]byte(id)); err != nil {
			return err
		}
		// cascade: template checks die with the policy
		cb := tx.Bucket(ChecksBucket)
		c := cb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var check Check
			if err := json.Unmarshal(v, &check); err != nil {
				continue
			}
			if check.PolicyID == id {
				if err := cb.Delete(k); err != nil {
					return err
				}
			}
		}
		// and the bindings that referenced it
		bb := tx.Bucket(BindingsBucket)
		bc := bb.Cursor()
		for k, v := bc.First(); k != nil; k, v = bc.Next() {
			var binding PolicyBinding
			if err := json.Unmarshal(v, &binding); err != nil {
				continue
			}
			if binding.PolicyID == id {
				if err := bb.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) GetBindings(ctx context.Context) ([]PolicyBinding, error) {
	var bindings []PolicyBinding

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(BindingsBucket)
		return b.ForEach(func(k, v []byte) error {
			var binding PolicyBinding
			if err := json.Unmarshal(v, &binding); err != nil {
				return nil
			}
			bindings = append(bindings, binding)
			return nil
		})
	})

	return bindings, err
}

func (s *BoltStore) CreateBinding(ctx context.Context, binding *PolicyBinding) error {
	if binding.ID == "" {
		binding.ID = uuid.New().String()
	}
	return s.putJSON(BindingsBucket, binding.ID, binding)
}

func (s *BoltStore) DeleteBinding(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BindingsBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) GetSettings(ctx context.Context) (*Settings, error) {
	var settings Settings

	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(SettingsBucket).Get([]byte(settingsKey))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &settings)
	})

	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// CreateSettings enforces the singleton invariant: a second create fails
// with ErrConflict.
func (s *BoltStore) CreateSettings(ctx context.Context, settings *Settings) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(SettingsBucket)
		if b.Get([]byte(settingsKey)) != nil {
			return ErrConflict
		}
		settings.ID = settingsKey
		settings.CreatedAt = time.Now()
		settings.UpdatedAt = time.Now()
		data, err := json.Marshal(settings)
		if err != nil {
			return err
		}
		return b.Put([]byte(settingsKey), data)
	})
}

func (s *BoltStore) UpdateSettings(ctx context.Context, settings *Settings) error {
	settings.ID = settingsKey
	settings.UpdatedAt = time.Now()
	return s.putJSON(SettingsBucket, settingsKey, settings)
}

func (s *BoltStore) putJSON(bucket []byte, key string, value interface{}) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
