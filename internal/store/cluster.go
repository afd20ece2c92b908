package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/docstore/internal/invalidation"
)

// NextID returns a fresh id of the configured id type: a UUIDv7 string for
// IDTypeVarchar, or the next int64 of the id_sequence table for
// IDTypeSequence.
func (m *Mapper) NextID(ctx context.Context) (any, error) {
	const op = "next id"
	if m.db.idType == IDTypeVarchar {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, wrap(op, err)
		}
		return id.String(), nil
	}
	q, err := m.q(op)
	if err != nil {
		return nil, err
	}
	var next int64
	err = q.QueryRowContext(ctx,
		`UPDATE id_sequence SET value = value + 1 WHERE name = 'default' RETURNING value`,
	).Scan(&next)
	if err != nil {
		return nil, m.fail(op, err)
	}
	return next, nil
}

// CreateClusterNode registers a new cluster node and returns its id.
// Node ids are stored as text; for IDTypeSequence they are the decimal form
// of a sequence value.
func (m *Mapper) CreateClusterNode(ctx context.Context) (string, error) {
	const op = "create cluster node"
	id, err := m.NextID(ctx)
	if err != nil {
		return "", err
	}
	var nodeID string
	switch v := id.(type) {
	case string:
		nodeID = v
	case int64:
		nodeID = strconv.FormatInt(v, 10)
	default:
		return "", wrap(op, fmt.Errorf("unexpected id type %T", id))
	}

	q, err := m.q(op)
	if err != nil {
		return "", err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO cluster_nodes (node_id, created) VALUES (?, ?)`,
		nodeID, time.Now().UnixMilli(),
	); err != nil {
		return "", m.fail(op, err)
	}
	return nodeID, nil
}

// RemoveClusterNode deregisters nodeID and drops entries still addressed
// to it.
func (m *Mapper) RemoveClusterNode(ctx context.Context, nodeID string) error {
	const op = "remove cluster node"
	q, err := m.q(op)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM cluster_invals WHERE node_id = ?`, nodeID); err != nil {
		return m.fail(op, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM cluster_nodes WHERE node_id = ?`, nodeID); err != nil {
		return m.fail(op, err)
	}
	return nil
}

// ClusterNodes returns the ids of all registered nodes, oldest first.
func (m *Mapper) ClusterNodes(ctx context.Context) ([]string, error) {
	const op = "list cluster nodes"
	q, err := m.q(op)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT node_id FROM cluster_nodes ORDER BY created ASC, node_id ASC`)
	if err != nil {
		return nil, m.fail(op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, m.fail(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, m.fail(op, err)
	}
	return ids, nil
}

// InsertClusterInvalidations appends inv to the log once for every node
// other than nodeID, tagged with nodeID as source.
func (m *Mapper) InsertClusterInvalidations(ctx context.Context, inv *invalidation.Invalidations, nodeID string) error {
	const op = "insert cluster invalidations"
	if inv.IsEmpty() {
		return nil
	}
	payload, err := invalidation.Marshal(inv)
	if err != nil {
		return wrap(op, err)
	}
	q, err := m.q(op)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO cluster_invals (node_id, source_node_id, payload, created)
		SELECT node_id, ?, ?, ? FROM cluster_nodes WHERE node_id <> ?
	`,
		nodeID,
		string(payload),
		time.Now().UnixMilli(),
		nodeID,
	); err != nil {
		return m.fail(op, err)
	}
	return nil
}

// GetClusterInvalidations reads and deletes every entry addressed to
// nodeID and returns their union. Read and delete share one transaction so
// an entry is consumed exactly once.
func (m *Mapper) GetClusterInvalidations(ctx context.Context, nodeID string) (inv *invalidation.Invalidations, err error) {
	const op = "get cluster invalidations"
	ownTx := m.tx == nil
	if ownTx {
		if err := m.Begin(ctx); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				if m.tx != nil {
					_ = m.tx.Rollback()
					m.tx = nil
				}
				return
			}
			err = m.Commit()
		}()
	}

	rows, err := m.tx.QueryContext(ctx,
		`SELECT seq, payload FROM cluster_invals WHERE node_id = ? ORDER BY seq ASC`,
		nodeID,
	)
	if err != nil {
		return nil, m.fail(op, err)
	}

	inv = invalidation.New()
	var maxSeq int64
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			rows.Close()
			return nil, m.fail(op, err)
		}
		entry, err := invalidation.Unmarshal([]byte(payload))
		if err != nil {
			// Unknown content: drop every cached row instead of stalling
			// the log on this entry.
			slog.Warn("undecodable cluster invalidation dropped",
				"node", nodeID,
				"seq", seq,
				"error", err)
			entry = invalidation.All()
		}
		inv = inv.Add(entry)
		maxSeq = seq
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, m.fail(op, err)
	}
	rows.Close()

	if maxSeq == 0 {
		return inv, nil
	}
	if _, err := m.tx.ExecContext(ctx,
		`DELETE FROM cluster_invals WHERE node_id = ? AND seq <= ?`,
		nodeID, maxSeq,
	); err != nil {
		return nil, m.fail(op, err)
	}
	return inv, nil
}
