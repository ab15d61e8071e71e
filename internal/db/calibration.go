package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/spatial"
)

var _ calibration.Store = (*DB)(nil)

// CalibrationRun is one committed calibration.
type CalibrationRun struct {
	RunID       string     `json:"run_id"`
	Slot        string     `json:"slot"`
	IsAuto      bool       `json:"is_auto"`
	Yaw         float64    `json:"yaw"`
	Pitch       float64    `json:"pitch"`
	Translation [3]float64 `json:"translation"`
	CreatedAt   int64      `json:"created_at"`
}

type recordJSON struct {
	Rotation     [9]float64 `json:"rotation"`
	Translation  [3]float64 `json:"translation"`
	Origin       [3]float64 `json:"origin"`
	Yaw          float64    `json:"yaw"`
	Pitch        float64    `json:"pitch"`
	IsCalibrated bool       `json:"is_calibrated"`
	IsAuto       bool       `json:"is_auto"`
}

// LoadCalibration returns the committed record for slot, or
// calibration.Empty() when none has been saved.
func (db *DB) LoadCalibration(ctx context.Context, slot calibration.Slot) (calibration.Record, error) {
	query := `SELECT rotation, translation_x, translation_y, translation_z,
	                 origin_x, origin_y, origin_z, yaw, pitch, is_calibrated, is_auto
	          FROM calibration WHERE slot = ?`

	var (
		rotJSON            string
		rec                calibration.Record
		calibrated, isAuto int
	)
	err := db.QueryRowContext(ctx, query, slot.String()).Scan(&rotJSON,
		&rec.Translation.X, &rec.Translation.Y, &rec.Translation.Z,
		&rec.Origin.X, &rec.Origin.Y, &rec.Origin.Z,
		&rec.Yaw, &rec.Pitch, &calibrated, &isAuto)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.Empty(), nil
	}
	if err != nil {
		return calibration.Record{}, fmt.Errorf("failed to load %s calibration: %w", slot, err)
	}
	var rot [9]float64
	if err := json.Unmarshal([]byte(rotJSON), &rot); err != nil {
		return calibration.Record{}, fmt.Errorf("failed to decode %s rotation: %w", slot, err)
	}
	rec.Rotation = spatial.Mat3(rot)
	rec.IsCalibrated = calibrated == 1
	rec.IsAuto = isAuto == 1
	return rec, nil
}

// SaveCalibration replaces the committed record for slot and appends the
// run to calibration_history in one transaction.
func (db *DB) SaveCalibration(ctx context.Context, slot calibration.Slot, rec calibration.Record) (string, error) {
	rot, err := json.Marshal([9]float64(rec.Rotation))
	if err != nil {
		return "", err
	}
	runID := uuid.NewString()
	now := db.now().UnixNano()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calibration (slot, run_id, rotation, translation_x, translation_y, translation_z,
		                         origin_x, origin_y, origin_z, yaw, pitch, is_calibrated, is_auto, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			run_id = excluded.run_id,
			rotation = excluded.rotation,
			translation_x = excluded.translation_x,
			translation_y = excluded.translation_y,
			translation_z = excluded.translation_z,
			origin_x = excluded.origin_x,
			origin_y = excluded.origin_y,
			origin_z = excluded.origin_z,
			yaw = excluded.yaw,
			pitch = excluded.pitch,
			is_calibrated = excluded.is_calibrated,
			is_auto = excluded.is_auto,
			updated_at = excluded.updated_at`,
		slot.String(), runID, string(rot),
		rec.Translation.X, rec.Translation.Y, rec.Translation.Z,
		rec.Origin.X, rec.Origin.Y, rec.Origin.Z,
		rec.Yaw, rec.Pitch, boolInt(rec.IsCalibrated), boolInt(rec.IsAuto), now)
	if err != nil {
		return "", fmt.Errorf("failed to save %s calibration: %w", slot, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calibration_history (run_id, slot, is_auto, yaw, pitch,
		                                 translation_x, translation_y, translation_z, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, slot.String(), boolInt(rec.IsAuto), rec.Yaw, rec.Pitch,
		rec.Translation.X, rec.Translation.Y, rec.Translation.Z, now)
	if err != nil {
		return "", fmt.Errorf("failed to record calibration history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit calibration: %w", err)
	}
	return runID, nil
}

// ResetCalibration forgets the committed record for slot. History is kept.
func (db *DB) ResetCalibration(ctx context.Context, slot calibration.Slot) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM calibration WHERE slot = ?`, slot.String()); err != nil {
		return fmt.Errorf("failed to reset %s calibration: %w", slot, err)
	}
	return nil
}

// CalibrationHistory returns the most recent runs, newest first. limit <= 0
// returns every run.
func (db *DB) CalibrationHistory(ctx context.Context, limit int) ([]CalibrationRun, error) {
	query := `SELECT run_id, slot, is_auto, yaw, pitch, translation_x, translation_y, translation_z, created_at
	          FROM calibration_history
	          ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration history: %w", err)
	}
	defer rows.Close()

	var runs []CalibrationRun
	for rows.Next() {
		var r CalibrationRun
		var isAuto int
		if err := rows.Scan(&r.RunID, &r.Slot, &isAuto, &r.Yaw, &r.Pitch,
			&r.Translation[0], &r.Translation[1], &r.Translation[2], &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan calibration run: %w", err)
		}
		r.IsAuto = isAuto == 1
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// serveCalibration writes the committed records and recent history as JSON.
func (db *DB) serveCalibration(w http.ResponseWriter, r *http.Request) {
	out := struct {
		Slots   map[string]recordJSON `json:"slots"`
		History []CalibrationRun      `json:"history"`
	}{Slots: make(map[string]recordJSON)}

	for _, slot := range []calibration.Slot{calibration.Base, calibration.Override} {
		rec, err := db.LoadCalibration(r.Context(), slot)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out.Slots[slot.String()] = toJSON(rec)
	}
	history, err := db.CalibrationHistory(r.Context(), 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out.History = history

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func toJSON(rec calibration.Record) recordJSON {
	return recordJSON{
		Rotation:     [9]float64(rec.Rotation),
		Translation:  [3]float64{rec.Translation.X, rec.Translation.Y, rec.Translation.Z},
		Origin:       [3]float64{rec.Origin.X, rec.Origin.Y, rec.Origin.Z},
		Yaw:          rec.Yaw,
		Pitch:        rec.Pitch,
		IsCalibrated: rec.IsCalibrated,
		IsAuto:       rec.IsAuto,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
