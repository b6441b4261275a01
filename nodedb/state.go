package nodedb

import (
	"github.com/jmoiron/sqlx"
)

// localENRKey is the state table key the local record is stored under.
const localENRKey = "local_enr"

// GetState retrieves a state value by key.
func (d *Database) GetState(key string) ([]byte, error) {
	d.trackQuery()
	var value []byte
	err := d.db.Get(&value, "SELECT value FROM state WHERE key = $1", key)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// SetState stores a state value by key. A nil tx runs the write in its
// own transaction.
func (d *Database) SetState(tx *sqlx.Tx, key string, value []byte) error {
	if tx == nil {
		return d.RunTransaction(func(tx *sqlx.Tx) error {
			return d.SetState(tx, key, value)
		})
	}

	_, err := tx.Exec(`
		INSERT INTO state (key, value) VALUES ($1, $2)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// DeleteState removes a state entry by key. A nil tx runs the delete in
// its own transaction.
func (d *Database) DeleteState(tx *sqlx.Tx, key string) error {
	if tx == nil {
		return d.RunTransaction(func(tx *sqlx.Tx) error {
			return d.DeleteState(tx, key)
		})
	}

	_, err := tx.Exec("DELETE FROM state WHERE key = $1", key)
	return err
}

// LoadLocalENR loads the persisted local record, RLP encoded. Returns
// an error when no record has been stored yet.
func (d *Database) LoadLocalENR() ([]byte, error) {
	return d.GetState(localENRKey)
}

// StoreLocalENR persists the local record so the node keeps its
// identity and sequence number across restarts.
func (d *Database) StoreLocalENR(enrBytes []byte) error {
	return d.SetState(nil, localENRKey, enrBytes)
}
