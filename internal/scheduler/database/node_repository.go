package database

import (
	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

// PostgresNodeRepository is an implementation of NodeRepository that stores its state in postgres
type PostgresNodeRepository struct {
	db *pgxpool.Pool
}

func NewPostgresNodeRepository(db *pgxpool.Pool) *PostgresNodeRepository {
	return &PostgresNodeRepository{db: db}
}

func (r *PostgresNodeRepository) UpsertNodes(ctx *scalecontext.Context, nodes []*models.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	rows := make([]interface{}, len(nodes))
	for i, node := range nodes {
		rows[i] = goqu.Record{
			"hostname":  node.Hostname,
			"agent_id":  node.AgentID,
			"is_active": node.IsActive,
			"last_seen": node.LastSeen,
		}
	}
	_, err := execDs(ctx, r.db, dialect.Insert(nodeTable).Rows(rows...).OnConflict(goqu.DoUpdate("hostname", goqu.Record{
		"agent_id":  goqu.L("EXCLUDED.agent_id"),
		"is_active": goqu.L("EXCLUDED.is_active"),
		"last_seen": goqu.L("EXCLUDED.last_seen"),
	})).Prepared(true))
	return err
}

func (r *PostgresNodeRepository) GetNodes(ctx *scalecontext.Context) ([]*models.Node, error) {
	rows, err := queryDs(ctx, r.db, dialect.From(nodeTable).
		Select("agent_id", "hostname", "is_active", "is_paused", "pause_reason", "last_seen").
		Order(goqu.C("hostname").Asc()).
		Prepared(true))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nodes []*models.Node
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(&n.AgentID, &n.Hostname, &n.IsActive, &n.IsPaused, &n.PauseReason, &n.LastSeen); err != nil {
			return nil, errors.WithStack(err)
		}
		nodes = append(nodes, &n)
	}
	return nodes, errors.WithStack(rows.Err())
}

// SetNodePaused pauses or resumes a host. Hosts that have never been seen are recorded so that they start paused.
func (r *PostgresNodeRepository) SetNodePaused(ctx *scalecontext.Context, hostname string, paused bool, reason string) error {
	if !paused {
		reason = ""
	}
	_, err := execDs(ctx, r.db, dialect.Insert(nodeTable).Rows(goqu.Record{
		"hostname":     hostname,
		"agent_id":     "",
		"is_active":    false,
		"is_paused":    paused,
		"pause_reason": reason,
		"last_seen":    goqu.L("now()"),
	}).OnConflict(goqu.DoUpdate("hostname", goqu.Record{
		"is_paused":    goqu.L("EXCLUDED.is_paused"),
		"pause_reason": goqu.L("EXCLUDED.pause_reason"),
	})).Prepared(true))
	return err
}

func (r *PostgresNodeRepository) SetNodeActive(ctx *scalecontext.Context, agentID string, active bool) error {
	_, err := execDs(ctx, r.db, dialect.Update(nodeTable).
		Set(goqu.Record{"is_active": active}).
		Where(goqu.C("agent_id").Eq(agentID)).
		Prepared(true))
	return err
}
