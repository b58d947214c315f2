package store

import (
	"database/sql"
	"time"

	"github.com/opencontainers/go-digest"
)

// Object is one content-addressed entry of the root filesystem store.
type Object struct {
	Digest       digest.Digest
	Size         int64
	Path         string
	RegisteredAt time.Time
}

// RegisterObject records an object. Registering the same digest again is a
// no-op, so replaying the seed file is safe.
func RegisterObject(db *sql.DB, obj *Object) error {
	query := `
		INSERT INTO objects (digest, size, path, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (digest) DO NOTHING
	`
	_, err := db.Exec(query, obj.Digest.String(), obj.Size, obj.Path, time.Now().Unix())
	return err
}

// GetObjectByDigest retrieves a registered object.
func GetObjectByDigest(db *sql.DB, dgst digest.Digest) (*Object, error) {
	query := `SELECT digest, size, path, registered_at FROM objects WHERE digest = ?`
	row := db.QueryRow(query, dgst.String())

	var raw string
	var registeredAt int64
	obj := &Object{}
	if err := row.Scan(&raw, &obj.Size, &obj.Path, &registeredAt); err != nil {
		return nil, err
	}

	parsed, err := digest.Parse(raw)
	if err != nil {
		return nil, err
	}
	obj.Digest = parsed
	obj.RegisteredAt = time.Unix(registeredAt, 0)
	return obj, nil
}

// ListObjects retrieves all registered objects ordered by path.
func ListObjects(db *sql.DB) ([]*Object, error) {
	query := `SELECT digest, size, path, registered_at FROM objects ORDER BY path`
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []*Object
	for rows.Next() {
		var raw string
		var registeredAt int64
		obj := &Object{}
		if err := rows.Scan(&raw, &obj.Size, &obj.Path, &registeredAt); err != nil {
			return nil, err
		}
		parsed, err := digest.Parse(raw)
		if err != nil {
			return nil, err
		}
		obj.Digest = parsed
		obj.RegisteredAt = time.Unix(registeredAt, 0)
		objects = append(objects, obj)
	}

	return objects, rows.Err()
}
