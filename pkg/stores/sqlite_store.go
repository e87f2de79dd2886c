// Package stores provides the durable persistence backends for the
// engine: a SQLite store for production use and an in-memory store for
// tests and experimentation. Both satisfy engine.Store.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openherd/openherd/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ engine.Store = (*SQLiteStore)(nil)

// SQLiteStore implements engine.Store on a single SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string

	// ListLimit is the default page size when a filter leaves Limit zero.
	ListLimit int
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path, ListLimit: 100}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(engine.ErrCodeNotFound)
}

// inTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateCluster persists a new cluster record.
func (s *SQLiteStore) CreateCluster(ctx context.Context, c *engine.Cluster) error {
	query := `
		INSERT INTO clusters (id, name, profile_id, desired_capacity, min_size, max_size, status, status_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Name, c.ProfileID, c.DesiredCapacity, c.MinSize, c.MaxSize,
		c.Status, c.StatusReason, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	return nil
}

// GetCluster retrieves a cluster by id.
func (s *SQLiteStore) GetCluster(ctx context.Context, id string) (*engine.Cluster, error) {
	query := `
		SELECT id, name, profile_id, desired_capacity, min_size, max_size, status, status_reason, created_at, updated_at
		FROM clusters WHERE id = ?
	`
	c := &engine.Cluster{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.ProfileID, &c.DesiredCapacity, &c.MinSize, &c.MaxSize,
		&c.Status, &c.StatusReason, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("cluster", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	return c, nil
}

// UpdateCluster rewrites the mutable fields of a cluster.
func (s *SQLiteStore) UpdateCluster(ctx context.Context, c *engine.Cluster) error {
	query := `
		UPDATE clusters
		SET name = ?, desired_capacity = ?, min_size = ?, max_size = ?, status = ?, status_reason = ?, updated_at = ?
		WHERE id = ?
	`
	c.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, query,
		c.Name, c.DesiredCapacity, c.MinSize, c.MaxSize, c.Status, c.StatusReason, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update cluster: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("cluster", c.ID)
	}
	return nil
}

// DeleteCluster removes a cluster and its policy bindings.
func (s *SQLiteStore) DeleteCluster(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cluster_policies WHERE cluster_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete cluster bindings: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete cluster: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return notFound("cluster", id)
		}
		return nil
	})
}

// ListClusters pages clusters ordered by creation time.
func (s *SQLiteStore) ListClusters(ctx context.Context, marker string, limit int) ([]*engine.Cluster, error) {
	if limit <= 0 {
		limit = s.ListLimit
	}
	query := `
		SELECT id, name, profile_id, desired_capacity, min_size, max_size, status, status_reason, created_at, updated_at
		FROM clusters
		WHERE (? = '' OR (created_at, id) > ((SELECT created_at FROM clusters WHERE id = ?), ?))
		ORDER BY created_at, id
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, marker, marker, marker, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	clusters := []*engine.Cluster{}
	for rows.Next() {
		c := &engine.Cluster{}
		if err := rows.Scan(
			&c.ID, &c.Name, &c.ProfileID, &c.DesiredCapacity, &c.MinSize, &c.MaxSize,
			&c.Status, &c.StatusReason, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating clusters: %w", err)
	}
	return clusters, nil
}

// CreateNode persists a new node record.
func (s *SQLiteStore) CreateNode(ctx context.Context, n *engine.Node) error {
	query := `
		INSERT INTO nodes (id, name, cluster_id, node_index, profile_id, physical_id, status, status_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		n.ID, n.Name, n.ClusterID, n.Index, n.ProfileID, n.PhysicalID,
		n.Status, n.StatusReason, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

const nodeColumns = `id, name, cluster_id, node_index, profile_id, physical_id, status, status_reason, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (*engine.Node, error) {
	n := &engine.Node{}
	err := row.Scan(
		&n.ID, &n.Name, &n.ClusterID, &n.Index, &n.ProfileID, &n.PhysicalID,
		&n.Status, &n.StatusReason, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// GetNode retrieves a node by id.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*engine.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("node", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

// GetNodeByPhysicalID resolves a backend resource id to its node record.
func (s *SQLiteStore) GetNodeByPhysicalID(ctx context.Context, physicalID string) (*engine.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE physical_id = ? AND physical_id != ''`, physicalID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("node with physical id", physicalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node by physical id: %w", err)
	}
	return n, nil
}

// UpdateNode rewrites the mutable fields of a node.
func (s *SQLiteStore) UpdateNode(ctx context.Context, n *engine.Node) error {
	query := `
		UPDATE nodes
		SET name = ?, cluster_id = ?, node_index = ?, physical_id = ?, status = ?, status_reason = ?, updated_at = ?
		WHERE id = ?
	`
	n.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, query,
		n.Name, n.ClusterID, n.Index, n.PhysicalID, n.Status, n.StatusReason, n.UpdatedAt, n.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("node", n.ID)
	}
	return nil
}

// DeleteNode removes a node record.
func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("node", id)
	}
	return nil
}

// ListNodes returns the nodes of one cluster, or every node when clusterID
// is empty, ordered by index then creation time.
func (s *SQLiteStore) ListNodes(ctx context.Context, clusterID string) ([]*engine.Node, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM nodes
		WHERE (? = '' OR cluster_id = ?)
		ORDER BY node_index, created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, clusterID, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*engine.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

// CreateProfile persists a new profile.
func (s *SQLiteStore) CreateProfile(ctx context.Context, p *engine.Profile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, name, driver, spec, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Driver, []byte(p.Spec), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// GetProfile retrieves a profile by id.
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*engine.Profile, error) {
	p := &engine.Profile{}
	var spec []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, driver, spec, created_at FROM profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Driver, &spec, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("profile", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.Spec = spec
	return p, nil
}

// CreatePolicy persists a new policy object.
func (s *SQLiteStore) CreatePolicy(ctx context.Context, p *engine.PolicyObject) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, name, type, priority, spec, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Type, p.Priority, []byte(p.Spec), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}
	return nil
}

// GetPolicy retrieves a policy object by id.
func (s *SQLiteStore) GetPolicy(ctx context.Context, id string) (*engine.PolicyObject, error) {
	p := &engine.PolicyObject{}
	var spec []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, priority, spec, created_at, updated_at FROM policies WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Type, &p.Priority, &spec, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("policy", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	p.Spec = spec
	return p, nil
}

// UpdatePolicy rewrites a policy object's priority and spec.
func (s *SQLiteStore) UpdatePolicy(ctx context.Context, p *engine.PolicyObject) error {
	p.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE policies SET priority = ?, spec = ?, updated_at = ? WHERE id = ?`,
		p.Priority, []byte(p.Spec), p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("policy", p.ID)
	}
	return nil
}

// ListPolicies returns every policy object.
func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]*engine.PolicyObject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, priority, spec, created_at, updated_at FROM policies ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	policies := []*engine.PolicyObject{}
	for rows.Next() {
		p := &engine.PolicyObject{}
		var spec []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.Priority, &spec, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		p.Spec = spec
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}
	return policies, nil
}

// CreateBinding attaches a policy to a cluster.
func (s *SQLiteStore) CreateBinding(ctx context.Context, b *engine.Binding) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cluster_policies (cluster_id, policy_id, enabled, priority, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ClusterID, b.PolicyID, b.Enabled, b.Priority, []byte(b.Data), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create binding: %w", err)
	}
	return nil
}

// GetBinding retrieves one cluster-policy binding.
func (s *SQLiteStore) GetBinding(ctx context.Context, clusterID, policyID string) (*engine.Binding, error) {
	b := &engine.Binding{}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT cluster_id, policy_id, enabled, priority, data, created_at, updated_at
		 FROM cluster_policies WHERE cluster_id = ? AND policy_id = ?`,
		clusterID, policyID,
	).Scan(&b.ClusterID, &b.PolicyID, &b.Enabled, &b.Priority, &data, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("binding", clusterID+"/"+policyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	b.Data = data
	return b, nil
}

// UpdateBinding rewrites a binding's enablement, priority, and data.
func (s *SQLiteStore) UpdateBinding(ctx context.Context, b *engine.Binding) error {
	b.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE cluster_policies SET enabled = ?, priority = ?, data = ?, updated_at = ? WHERE cluster_id = ? AND policy_id = ?`,
		b.Enabled, b.Priority, []byte(b.Data), b.UpdatedAt, b.ClusterID, b.PolicyID,
	)
	if err != nil {
		return fmt.Errorf("failed to update binding: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("binding", b.ClusterID+"/"+b.PolicyID)
	}
	return nil
}

// DeleteBinding removes a cluster-policy binding.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, clusterID, policyID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cluster_policies WHERE cluster_id = ? AND policy_id = ?`, clusterID, policyID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("binding", clusterID+"/"+policyID)
	}
	return nil
}

// ListBindings returns a cluster's bindings ordered by priority.
func (s *SQLiteStore) ListBindings(ctx context.Context, clusterID string) ([]engine.Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cluster_id, policy_id, enabled, priority, data, created_at, updated_at
		 FROM cluster_policies WHERE cluster_id = ? ORDER BY priority, policy_id`,
		clusterID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	bindings := []engine.Binding{}
	for rows.Next() {
		var b engine.Binding
		var data []byte
		if err := rows.Scan(&b.ClusterID, &b.PolicyID, &b.Enabled, &b.Priority, &data, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		b.Data = data
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bindings: %w", err)
	}
	return bindings, nil
}
