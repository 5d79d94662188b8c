package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pose.report/internal/fusion"
)

type DB struct {
	*sql.DB
}

// NewDB opens the pose log database and creates the base schema.
// Schema changes beyond the base tables are applied with MigrateUp.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			started_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description       TEXT
		);
		CREATE TABLE IF NOT EXISTS poses (
			session_id        TEXT,
			stamp_ns          BIGINT,
			x                 DOUBLE,
			y                 DOUBLE,
			z                 DOUBLE,
			qx                DOUBLE,
			qy                DOUBLE,
			qz                DOUBLE,
			qw                DOUBLE,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return db, nil
}

// OpenDB opens the database without initializing the schema. Used by
// the migrate subcommand, which manages the schema itself.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// StartSession records a new logging session and returns its id.
func (db *DB) StartSession(description string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec("INSERT INTO sessions (session_id, description) VALUES (?, ?)", id, description)
	if err != nil {
		return "", err
	}
	return id, nil
}

// RecordPose appends a fused pose estimate to the session's log.
func (db *DB) RecordPose(sessionID string, p fusion.Pose) error {
	_, err := db.Exec(
		`INSERT INTO poses (session_id, stamp_ns, x, y, z, qx, qy, qz, qw)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, p.Stamp.UnixNano(),
		p.Position[0], p.Position[1], p.Position[2],
		p.Orientation.Imag, p.Orientation.Jmag, p.Orientation.Kmag, p.Orientation.Real,
	)
	return err
}

// PoseRecord is a logged estimate together with its session.
type PoseRecord struct {
	SessionID string      `json:"session_id"`
	Pose      fusion.Pose `json:"pose"`
}

// Poses returns the most recent logged estimates, newest first.
func (db *DB) Poses(limit int) ([]PoseRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT session_id, stamp_ns, x, y, z, qx, qy, qz, qw
		 FROM poses ORDER BY stamp_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []PoseRecord
	for rows.Next() {
		var rec PoseRecord
		var stampNanos int64
		if err := rows.Scan(
			&rec.SessionID,
			&stampNanos,
			&rec.Pose.Position[0], &rec.Pose.Position[1], &rec.Pose.Position[2],
			&rec.Pose.Orientation.Imag, &rec.Pose.Orientation.Jmag,
			&rec.Pose.Orientation.Kmag, &rec.Pose.Orientation.Real,
		); err != nil {
			return nil, err
		}
		rec.Pose.Stamp = time.Unix(0, stampNanos).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// SessionSink adapts the database into a pose sink bound to one
// session, so the fusion pipeline can publish directly into the log.
type SessionSink struct {
	db        *DB
	sessionID string
}

func (db *DB) NewSessionSink(description string) (*SessionSink, error) {
	id, err := db.StartSession(description)
	if err != nil {
		return nil, err
	}
	return &SessionSink{db: db, sessionID: id}, nil
}

func (s *SessionSink) SessionID() string {
	return s.sessionID
}

func (s *SessionSink) RecordPose(p fusion.Pose) error {
	return s.db.RecordPose(s.sessionID, p)
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://pose.db", db.DB, &tailsql.DBOptions{
		Label: "Pose DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := gzipWriter.Write([]byte{}); err != nil {
			// Need to write something to initialize the gzip header
			http.Error(w, fmt.Sprintf("Failed to initialize gzip writer: %v", err), http.StatusInternalServerError)
			return
		}

		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
