package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"livecap/internal/caption"
)

//go:embed schema.sql
var schemaFS embed.FS

const (
	keyRunning      = "running"
	keyFontSize     = "font_size_px"
	keyPosition     = "overlay_position"
	keyLastSubtitle = "last_subtitle"
)

// Postgres persists state and the subtitle archive in PostgreSQL.
type Postgres struct {
	conn *pgx.Conn
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("read embedded schema: %w", err)
	}
	if _, err := conn.Exec(ctx, string(schema)); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Postgres{conn: conn}, nil
}

func (p *Postgres) setState(ctx context.Context, key, value string) error {
	_, err := p.conn.Exec(ctx, `
		INSERT INTO app_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) state(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.conn.QueryRow(ctx,
		`SELECT value FROM app_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (p *Postgres) SetRunning(ctx context.Context, running bool) error {
	return p.setState(ctx, keyRunning, strconv.FormatBool(running))
}

func (p *Postgres) Running(ctx context.Context) (bool, error) {
	value, ok, err := p.state(ctx, keyRunning)
	if err != nil || !ok {
		return false, err
	}
	return value == "true", nil
}

func (p *Postgres) SaveDisplay(ctx context.Context, cfg caption.DisplayConfig) error {
	if err := p.setState(ctx, keyFontSize, strconv.Itoa(cfg.FontSizePx)); err != nil {
		return err
	}
	return p.setState(ctx, keyPosition, string(cfg.Position))
}

func (p *Postgres) Display(ctx context.Context) (caption.DisplayConfig, bool, error) {
	size, okSize, err := p.state(ctx, keyFontSize)
	if err != nil {
		return caption.DisplayConfig{}, false, err
	}
	pos, okPos, err := p.state(ctx, keyPosition)
	if err != nil {
		return caption.DisplayConfig{}, false, err
	}
	if !okSize || !okPos {
		return caption.DisplayConfig{}, false, nil
	}
	px, err := strconv.Atoi(size)
	if err != nil {
		return caption.DisplayConfig{}, false, fmt.Errorf("bad %s: %w", keyFontSize, err)
	}
	return caption.DisplayConfig{FontSizePx: px, Position: caption.Position(pos)}, true, nil
}

func (p *Postgres) SaveLastSubtitle(ctx context.Context, text string) error {
	return p.setState(ctx, keyLastSubtitle, text)
}

func (p *Postgres) LastSubtitle(ctx context.Context) (string, error) {
	value, _, err := p.state(ctx, keyLastSubtitle)
	return value, err
}

func (p *Postgres) AppendSubtitle(ctx context.Context, rec SubtitleRecord) error {
	_, err := p.conn.Exec(ctx, `
		INSERT INTO subtitles (session_id, text, start_sec, end_sec, received_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.SessionID, rec.Text, rec.Start, rec.End, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("append subtitle: %w", err)
	}
	return nil
}

func (p *Postgres) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT session_id, MIN(received_at), COUNT(*)
		FROM subtitles
		GROUP BY session_id
		ORDER BY MIN(received_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.StartedAt, &info.SubtitleCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

func (p *Postgres) Subtitles(ctx context.Context, sessionID string) ([]SubtitleRecord, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT session_id, text, start_sec, end_sec, received_at
		FROM subtitles
		WHERE session_id = $1
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load subtitles: %w", err)
	}
	defer rows.Close()

	var recs []SubtitleRecord
	for rows.Next() {
		var rec SubtitleRecord
		err := rows.Scan(&rec.SessionID, &rec.Text, &rec.Start, &rec.End, &rec.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("scan subtitle: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (p *Postgres) Close(ctx context.Context) error {
	return p.conn.Close(ctx)
}
