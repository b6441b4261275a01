package nodedb

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// NodeRow is the database representation of a discovered node.
type NodeRow struct {
	NodeID       []byte        `db:"nodeid"`        // 32-byte node ID
	IP           string        `db:"ip"`            // IPv4 address, dotted form
	IPv6         string        `db:"ipv6"`          // IPv6 address, empty when absent
	Port         int           `db:"port"`          // UDP port
	Seq          uint64        `db:"seq"`           // ENR sequence number
	ForkDigest   string        `db:"fork_digest"`   // hex fork digest from the eth2 entry
	FirstSeen    int64         `db:"first_seen"`    // Unix timestamp
	LastSeen     sql.NullInt64 `db:"last_seen"`     // Unix timestamp (nullable)
	LastActive   sql.NullInt64 `db:"last_active"`   // Unix timestamp (nullable)
	ENR          []byte        `db:"enr"`           // RLP-encoded ENR
	SuccessCount int           `db:"success_count"` // Successful pings
	FailureCount int           `db:"failure_count"` // Failed pings
	AvgRTT       int           `db:"avg_rtt"`       // Average RTT in milliseconds
}

const nodeColumns = `nodeid, ip, ipv6, port, seq, fork_digest, first_seen, last_seen, last_active,
       enr, success_count, failure_count, avg_rtt`

// GetNode retrieves a single node by ID.
func (d *Database) GetNode(nodeID []byte) (*NodeRow, error) {
	d.trackQuery()
	row := &NodeRow{}
	err := d.db.Get(row, `
		SELECT `+nodeColumns+`
		FROM nodes WHERE nodeid = $1`, nodeID)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// GetAllNodes retrieves all stored nodes.
func (d *Database) GetAllNodes() ([]*NodeRow, error) {
	d.trackQuery()
	rows := []*NodeRow{}
	err := d.db.Select(&rows, `
		SELECT `+nodeColumns+`
		FROM nodes`)
	return rows, err
}

// GetRandomNodes retrieves up to n random nodes.
func (d *Database) GetRandomNodes(n int) ([]*NodeRow, error) {
	d.trackQuery()
	rows := []*NodeRow{}
	err := d.db.Select(&rows, `
		SELECT `+nodeColumns+`
		FROM nodes
		ORDER BY RANDOM()
		LIMIT $1`, n)
	return rows, err
}

// GetInactiveNodes retrieves up to n nodes ordered by oldest last_active
// time, never-contacted nodes first.
func (d *Database) GetInactiveNodes(n int) ([]*NodeRow, error) {
	d.trackQuery()
	rows := []*NodeRow{}
	err := d.db.Select(&rows, `
		SELECT `+nodeColumns+`
		FROM nodes
		ORDER BY last_active ASC NULLS FIRST
		LIMIT $1`, n)
	return rows, err
}

// GetNodesByForkDigest retrieves up to limit nodes on the given fork,
// most recently active first.
func (d *Database) GetNodesByForkDigest(forkDigest string, limit int) ([]*NodeRow, error) {
	d.trackQuery()
	rows := []*NodeRow{}
	err := d.db.Select(&rows, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE fork_digest = $1
		ORDER BY last_active DESC NULLS LAST
		LIMIT $2`, forkDigest, limit)
	return rows, err
}

// CountNodes returns the total number of stored nodes.
func (d *Database) CountNodes() (int, error) {
	d.trackQuery()
	var count int
	err := d.db.Get(&count, "SELECT COUNT(*) FROM nodes")
	return count, err
}

// NodeExists reports whether a node is stored and, if so, its known
// ENR sequence number.
func (d *Database) NodeExists(nodeID []byte) (bool, uint64, error) {
	d.trackQuery()
	var seq uint64
	err := d.db.Get(&seq, "SELECT seq FROM nodes WHERE nodeid = $1", nodeID)
	if err == sql.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, seq, nil
}

// UpsertNode inserts or updates a full node row.
func (d *Database) UpsertNode(tx *sqlx.Tx, row *NodeRow) error {
	_, err := tx.Exec(`
		INSERT INTO nodes (nodeid, ip, ipv6, port, seq, fork_digest, first_seen, last_seen, last_active, enr, success_count, failure_count, avg_rtt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT(nodeid) DO UPDATE SET
			ip = excluded.ip,
			ipv6 = excluded.ipv6,
			port = excluded.port,
			seq = excluded.seq,
			fork_digest = excluded.fork_digest,
			last_seen = excluded.last_seen,
			enr = excluded.enr,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			avg_rtt = excluded.avg_rtt`,
		row.NodeID, row.IP, row.IPv6, row.Port, row.Seq, row.ForkDigest,
		row.FirstSeen, row.LastSeen, row.LastActive, row.ENR,
		row.SuccessCount, row.FailureCount, row.AvgRTT)
	return err
}

// UpdateNodeENR inserts or updates only the ENR-derived fields, leaving
// liveness counters untouched for known nodes.
func (d *Database) UpdateNodeENR(tx *sqlx.Tx, nodeID []byte, ip string, ipv6 string, port int, seq uint64, forkDigest string, enr []byte) error {
	now := time.Now().Unix()
	_, err := tx.Exec(`
		INSERT INTO nodes (nodeid, ip, ipv6, port, seq, fork_digest, first_seen, last_seen, last_active, enr, success_count, failure_count, avg_rtt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL, $8, 0, 0, 0)
		ON CONFLICT(nodeid) DO UPDATE SET
			ip = excluded.ip,
			ipv6 = excluded.ipv6,
			port = excluded.port,
			seq = excluded.seq,
			fork_digest = excluded.fork_digest,
			enr = excluded.enr`,
		nodeID, ip, ipv6, port, seq, forkDigest, now, enr)
	return err
}

// UpdateNodeLastSeen updates the last_seen timestamp.
func (d *Database) UpdateNodeLastSeen(tx *sqlx.Tx, nodeID []byte, timestamp int64) error {
	_, err := tx.Exec("UPDATE nodes SET last_seen = $1 WHERE nodeid = $2", timestamp, nodeID)
	return err
}

// UpdateNodeLastActive updates the last_active timestamp.
func (d *Database) UpdateNodeLastActive(tx *sqlx.Tx, nodeID []byte, timestamp int64) error {
	_, err := tx.Exec("UPDATE nodes SET last_active = $1 WHERE nodeid = $2", timestamp, nodeID)
	return err
}

// DeleteNode removes a node row.
func (d *Database) DeleteNode(tx *sqlx.Tx, nodeID []byte) error {
	_, err := tx.Exec("DELETE FROM nodes WHERE nodeid = $1", nodeID)
	return err
}

// DeleteNodesBefore removes nodes whose last_active is older than the
// given timestamp and returns how many were removed.
func (d *Database) DeleteNodesBefore(tx *sqlx.Tx, timestamp int64) (int64, error) {
	result, err := tx.Exec("DELETE FROM nodes WHERE last_active IS NOT NULL AND last_active < $1", timestamp)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
