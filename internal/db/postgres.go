package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/payshield/threatintel-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

// rebuildLockKey is the advisory lock key that serializes cluster rebuilds
// across engine instances sharing one database.
const rebuildLockKey = 982451653

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Println("[DB] Connected to PostgreSQL for Threat Intel Engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}

	log.Println("[DB] Threat Intel schema initialized")
	return nil
}

// GetPool exposes the connection pool for subsystems that need raw access.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// AppendEvent writes one immutable report record.
func (s *PostgresStore) AppendEvent(ctx context.Context, event models.ThreatEvent) error {
	outputs, err := json.Marshal(event.AgentOutputs)
	if err != nil {
		return fmt.Errorf("failed to marshal agent outputs: %w", err)
	}
	txCtx, err := json.Marshal(event.Transaction)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction context: %w", err)
	}

	sql := `
		INSERT INTO threat_events (receiver, agent_outputs, tx_context, created_at)
		VALUES ($1, $2, $3, $4);
	`
	_, err = s.pool.Exec(ctx, sql, event.Receiver, outputs, txCtx, event.Timestamp)
	return err
}

// RecentEvents returns the newest events in chronological order, capped at
// limit. This is the replay window for cluster rebuilds.
func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]models.ThreatEvent, error) {
	sql := `
		SELECT id, receiver, agent_outputs, tx_context, created_at
		FROM threat_events
		ORDER BY id DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// Oldest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// EventsByReceiver returns the newest events for one payee, newest first.
func (s *PostgresStore) EventsByReceiver(ctx context.Context, receiver string, limit int) ([]models.ThreatEvent, error) {
	sql := `
		SELECT id, receiver, agent_outputs, tx_context, created_at
		FROM threat_events
		WHERE receiver = $1
		ORDER BY id DESC
		LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, sql, receiver, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]models.ThreatEvent, error) {
	events := make([]models.ThreatEvent, 0)
	for rows.Next() {
		var (
			event   models.ThreatEvent
			outputs []byte
			txCtx   []byte
		)
		if err := rows.Scan(&event.ID, &event.Receiver, &outputs, &txCtx, &event.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(outputs, &event.AgentOutputs); err != nil {
			return nil, fmt.Errorf("failed to decode agent outputs for event %d: %w", event.ID, err)
		}
		if err := json.Unmarshal(txCtx, &event.Transaction); err != nil {
			return nil, fmt.Errorf("failed to decode transaction context for event %d: %w", event.ID, err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// PendingEventCount derives the rebuild backlog from the event log and the
// persisted watermark, so every engine instance sees the same count.
func (s *PostgresStore) PendingEventCount(ctx context.Context) (int64, error) {
	sql := `
		SELECT COUNT(*)
		FROM threat_events e, rebuild_state r
		WHERE r.id = 1 AND e.id > r.last_event_id;
	`
	var count int64
	err := s.pool.QueryRow(ctx, sql).Scan(&count)
	return count, err
}

// MarkRebuilt advances the watermark to the tip of the event log.
func (s *PostgresStore) MarkRebuilt(ctx context.Context) error {
	sql := `
		UPDATE rebuild_state
		SET last_event_id = COALESCE((SELECT MAX(id) FROM threat_events), 0),
		    last_rebuilt_at = NOW()
		WHERE id = 1;
	`
	_, err := s.pool.Exec(ctx, sql)
	return err
}

// TryRebuildLock takes the cross-instance rebuild advisory lock without
// blocking. The lock is session-scoped, so the connection is pinned until
// release is called.
func (s *PostgresStore) TryRebuildLock(ctx context.Context) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, rebuildLockKey).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, rebuildLockKey); err != nil {
			log.Printf("[DB] Failed to release rebuild lock: %v", err)
		}
		conn.Release()
	}
	return release, true, nil
}

const snapshotColumns = `receiver, threat_score, avg_agent_risk, behavior_anomalies,
	pattern_flags, velocity_score, geo_anomalies, total_reports, last_seen`

// UpsertSnapshot replaces every derived field for a payee and atomically
// increments total_reports, returning the refreshed row.
func (s *PostgresStore) UpsertSnapshot(ctx context.Context, snapshot models.ThreatSnapshot) (models.ThreatSnapshot, error) {
	sql := `
		INSERT INTO threat_snapshots
			(receiver, threat_score, avg_agent_risk, behavior_anomalies,
			 pattern_flags, velocity_score, geo_anomalies, total_reports, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
		ON CONFLICT (receiver) DO UPDATE SET
			threat_score = EXCLUDED.threat_score,
			avg_agent_risk = EXCLUDED.avg_agent_risk,
			behavior_anomalies = EXCLUDED.behavior_anomalies,
			pattern_flags = EXCLUDED.pattern_flags,
			velocity_score = EXCLUDED.velocity_score,
			geo_anomalies = EXCLUDED.geo_anomalies,
			total_reports = threat_snapshots.total_reports + 1,
			last_seen = EXCLUDED.last_seen
		RETURNING ` + snapshotColumns + `;
	`
	flags := snapshot.PatternFlags
	if flags == nil {
		flags = []string{}
	}
	row := s.pool.QueryRow(ctx, sql,
		snapshot.Receiver,
		snapshot.ThreatScore,
		snapshot.AvgAgentRisk,
		snapshot.BehaviorAnomalies,
		flags,
		snapshot.VelocityScore,
		snapshot.GeoAnomalies,
		snapshot.LastSeen,
	)
	return scanSnapshot(row)
}

// GetSnapshot returns the snapshot for one payee, or nil when unknown.
func (s *PostgresStore) GetSnapshot(ctx context.Context, receiver string) (*models.ThreatSnapshot, error) {
	sql := `SELECT ` + snapshotColumns + ` FROM threat_snapshots WHERE receiver = $1;`
	snapshot, err := scanSnapshot(s.pool.QueryRow(ctx, sql, receiver))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// SnapshotsFor bulk-loads snapshots for a set of payees.
func (s *PostgresStore) SnapshotsFor(ctx context.Context, receivers []string) (map[string]models.ThreatSnapshot, error) {
	result := make(map[string]models.ThreatSnapshot, len(receivers))
	if len(receivers) == 0 {
		return result, nil
	}

	sql := `SELECT ` + snapshotColumns + ` FROM threat_snapshots WHERE receiver = ANY($1);`
	rows, err := s.pool.Query(ctx, sql, receivers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result[snapshot.Receiver] = snapshot
	}
	return result, rows.Err()
}

// TopSnapshots returns the highest-scoring payees with at least minReports
// reports, ordered by threat score descending.
func (s *PostgresStore) TopSnapshots(ctx context.Context, minReports int64, limit int) ([]models.ThreatSnapshot, error) {
	sql := `
		SELECT ` + snapshotColumns + `
		FROM threat_snapshots
		WHERE total_reports >= $1
		ORDER BY threat_score DESC, receiver
		LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, sql, minReports, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]models.ThreatSnapshot, 0)
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

func scanSnapshot(row pgx.Row) (models.ThreatSnapshot, error) {
	var s models.ThreatSnapshot
	err := row.Scan(
		&s.Receiver,
		&s.ThreatScore,
		&s.AvgAgentRisk,
		&s.BehaviorAnomalies,
		&s.PatternFlags,
		&s.VelocityScore,
		&s.GeoAnomalies,
		&s.TotalReports,
		&s.LastSeen,
	)
	return s, err
}

const clusterColumns = `cluster_id, name, members, size, avg_score, top_keywords, centroid, active, updated_at`

// ListClusters returns clusters from the current generation ordered by
// average score descending.
func (s *PostgresStore) ListClusters(ctx context.Context, includeInactive bool, limit int) ([]models.Cluster, error) {
	sql := `
		SELECT ` + clusterColumns + `
		FROM scam_clusters
		WHERE generation = (SELECT current_generation FROM rebuild_state WHERE id = 1)
		  AND (active OR $1)
		ORDER BY avg_score DESC
		LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, sql, includeInactive, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanClusters(rows)
}

// AllClusters returns every cluster of the current generation, active or not.
func (s *PostgresStore) AllClusters(ctx context.Context) ([]models.Cluster, error) {
	sql := `
		SELECT ` + clusterColumns + `
		FROM scam_clusters
		WHERE generation = (SELECT current_generation FROM rebuild_state WHERE id = 1)
		ORDER BY avg_score DESC;
	`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanClusters(rows)
}

// ReplaceClusters installs a new cluster generation atomically: the new rows
// are written under generation N+1, the generation pointer flips, and only
// then are older generations purged. Readers resolving the pointer never see
// an empty or partial cluster set.
func (s *PostgresStore) ReplaceClusters(ctx context.Context, clusters []models.Cluster) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	if err := tx.QueryRow(ctx, `SELECT current_generation FROM rebuild_state WHERE id = 1 FOR UPDATE`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read current generation: %w", err)
	}
	next := current + 1

	insertSQL := `
		INSERT INTO scam_clusters
			(generation, cluster_id, name, members, size, avg_score, top_keywords, centroid, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
	`
	for _, c := range clusters {
		members := c.Members
		if members == nil {
			members = []string{}
		}
		keywords := c.TopKeywords
		if keywords == nil {
			keywords = []string{}
		}
		centroid := c.Centroid
		if centroid == nil {
			centroid = []float64{}
		}
		if _, err := tx.Exec(ctx, insertSQL,
			next, c.ClusterID, c.Name, members, c.Size, c.AvgScore,
			keywords, centroid, c.Active, c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert cluster %s: %w", c.ClusterID, err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE rebuild_state SET current_generation = $1 WHERE id = 1`, next); err != nil {
		return fmt.Errorf("failed to advance cluster generation: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM scam_clusters WHERE generation < $1`, next); err != nil {
		return fmt.Errorf("failed to purge stale generations: %w", err)
	}

	return tx.Commit(ctx)
}

func scanClusters(rows pgx.Rows) ([]models.Cluster, error) {
	clusters := make([]models.Cluster, 0)
	for rows.Next() {
		var c models.Cluster
		if err := rows.Scan(
			&c.ClusterID,
			&c.Name,
			&c.Members,
			&c.Size,
			&c.AvgScore,
			&c.TopKeywords,
			&c.Centroid,
			&c.Active,
			&c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}
