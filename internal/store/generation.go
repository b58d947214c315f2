package store

import (
	"database/sql"
	"time"
)

// Generation is one provisioned image generation. At most one is active.
type Generation struct {
	ID          string // UUID assigned at provisioning time
	ImageDigest string // digest of the image this generation came from
	Entrypoint  string
	Active      bool
	CreatedAt   time.Time
}

// InsertGeneration saves a new Generation to the database.
func InsertGeneration(db *sql.DB, gen *Generation) error {
	query := `
		INSERT INTO generations (id, image_digest, entrypoint, active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query, gen.ID, gen.ImageDigest, gen.Entrypoint, gen.Active, time.Now().Unix())
	return err
}

// ActivateGeneration marks the given generation active and every other one
// inactive, in a single transaction.
func ActivateGeneration(db *sql.DB, id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE generations SET active = 0`); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE generations SET active = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return sql.ErrNoRows
	}

	return tx.Commit()
}

// ActiveGeneration retrieves the currently active generation, or
// sql.ErrNoRows when none has been activated yet.
func ActiveGeneration(db *sql.DB) (*Generation, error) {
	query := `SELECT id, image_digest, entrypoint, active, created_at FROM generations WHERE active = 1`
	row := db.QueryRow(query)

	var createdAt int64
	gen := &Generation{}
	if err := row.Scan(&gen.ID, &gen.ImageDigest, &gen.Entrypoint, &gen.Active, &createdAt); err != nil {
		return nil, err
	}
	gen.CreatedAt = time.Unix(createdAt, 0)
	return gen, nil
}

// ListGenerations retrieves all generations, newest first.
func ListGenerations(db *sql.DB) ([]*Generation, error) {
	query := `SELECT id, image_digest, entrypoint, active, created_at FROM generations ORDER BY created_at DESC, id`
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gens []*Generation
	for rows.Next() {
		var createdAt int64
		gen := &Generation{}
		if err := rows.Scan(&gen.ID, &gen.ImageDigest, &gen.Entrypoint, &gen.Active, &createdAt); err != nil {
			return nil, err
		}
		gen.CreatedAt = time.Unix(createdAt, 0)
		gens = append(gens, gen)
	}

	return gens, rows.Err()
}
