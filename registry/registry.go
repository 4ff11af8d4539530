// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package registry manages runs and players: creation, bearer-token auth and
// the optional run password. Tokens are random, shown once and stored only as
// a SHA-256 hash; run passwords are stored as scrypt digests.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"

	"github.com/alexandergreif/soullink-tracker/log"
	"github.com/alexandergreif/soullink-tracker/trackerdb"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrBadCredentials = errors.New("bad credentials")
	ErrDuplicateName  = errors.New("name already taken in this run")
)

// scrypt parameters follow the interactive-login recommendation.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16

	tokenLen = 32
)

var logger = log.WithContext("pkg", "registry")

// Run is a tracked playthrough. Rules carries the run's rules configuration
// as an opaque JSON object for clients.
type Run struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	HasPassword bool            `json:"hasPassword"`
	Rules       json.RawMessage `json:"rules"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Player is one participant of a run.
type Player struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"runId"`
	Name      string    `json:"name"`
	Game      string    `json:"game"`
	Region    string    `json:"region"`
	CreatedAt time.Time `json:"createdAt"`
}

type Registry struct {
	db *trackerdb.DB
}

func New(db *trackerdb.DB) *Registry {
	return &Registry{db: db}
}

// CreateRun creates a run. password may be empty, in which case admin
// operations on the run require no password. rules, when nil, defaults to an
// empty object; otherwise it must be a JSON object.
func (r *Registry) CreateRun(ctx context.Context, name, password string, rules json.RawMessage) (*Run, error) {
	if name == "" {
		return nil, errors.New("run name required")
	}
	if len(rules) == 0 {
		rules = json.RawMessage("{}")
	}
	var rulesObj map[string]json.RawMessage
	if err := json.Unmarshal(rules, &rulesObj); err != nil || rulesObj == nil {
		return nil, errors.New("rules must be a JSON object")
	}
	run := &Run{
		ID:        uuid.New(),
		Name:      name,
		Rules:     rules,
		CreatedAt: time.Now().UTC(),
	}

	var salt, hash []byte
	if password != "" {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		var err error
		hash, err = scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
		if err != nil {
			return nil, err
		}
		run.HasPassword = true
	}

	_, err := r.db.SQL().ExecContext(ctx,
		"INSERT INTO runs(id, name, password_salt, password_hash, rules_json, created_at) VALUES(?, ?, ?, ?, ?, ?)",
		run.ID.String(), name, salt, hash, string(rules), run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("run created", "run", run.ID, "name", name)
	return run, nil
}

// Run fetches one run.
func (r *Registry) Run(ctx context.Context, id uuid.UUID) (*Run, error) {
	return scanRun(r.db.SQL().QueryRowContext(ctx,
		"SELECT id, name, password_hash IS NOT NULL, rules_json, created_at FROM runs WHERE id = ?", id.String()))
}

// Runs lists all runs, oldest first.
func (r *Registry) Runs(ctx context.Context) ([]*Run, error) {
	rows, err := r.db.SQL().QueryContext(ctx,
		"SELECT id, name, password_hash IS NOT NULL, rules_json, created_at FROM runs ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// VerifyRunPassword checks the password against the run's scrypt digest. A
// run without a password accepts any input.
func (r *Registry) VerifyRunPassword(ctx context.Context, id uuid.UUID, password string) error {
	var salt, hash []byte
	err := r.db.SQL().QueryRowContext(ctx,
		"SELECT password_salt, password_hash FROM runs WHERE id = ?", id.String(),
	).Scan(&salt, &hash)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if len(hash) == 0 {
		return nil
	}

	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(derived, hash) != 1 {
		return ErrBadCredentials
	}
	return nil
}

// CreatePlayer adds a player to a run and returns the bearer token. The
// token is not recoverable afterwards, only rotatable.
func (r *Registry) CreatePlayer(ctx context.Context, runID uuid.UUID, name, game, region string) (*Player, string, error) {
	if name == "" {
		return nil, "", errors.New("player name required")
	}
	token, hash, err := newToken()
	if err != nil {
		return nil, "", err
	}

	p := &Player{
		ID:        uuid.New(),
		RunID:     runID,
		Name:      name,
		Game:      game,
		Region:    region,
		CreatedAt: time.Now().UTC(),
	}
	_, err = r.db.SQL().ExecContext(ctx,
		"INSERT INTO players(id, run_id, name, game, region, token_hash, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)",
		p.ID.String(), runID.String(), name, game, region, hash, p.CreatedAt.UnixMilli(),
	)
	if trackerdb.IsUniqueViolation(err) {
		return nil, "", ErrDuplicateName
	}
	if trackerdb.IsConstraint(err) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	logger.Info("player created", "run", runID, "player", p.ID, "name", name)
	return p, token, nil
}

// Player fetches one player.
func (r *Registry) Player(ctx context.Context, id uuid.UUID) (*Player, error) {
	return scanPlayer(r.db.SQL().QueryRowContext(ctx,
		"SELECT id, run_id, name, game, region, created_at FROM players WHERE id = ?", id.String()))
}

// Players lists a run's players.
func (r *Registry) Players(ctx context.Context, runID uuid.UUID) ([]*Player, error) {
	rows, err := r.db.SQL().QueryContext(ctx,
		"SELECT id, run_id, name, game, region, created_at FROM players WHERE run_id = ? ORDER BY created_at",
		runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RotateToken replaces the player's bearer token and returns the new one.
// The old token stops working immediately.
func (r *Registry) RotateToken(ctx context.Context, playerID uuid.UUID) (string, error) {
	token, hash, err := newToken()
	if err != nil {
		return "", err
	}
	res, err := r.db.SQL().ExecContext(ctx,
		"UPDATE players SET token_hash = ? WHERE id = ?", hash, playerID.String())
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	logger.Info("token rotated", "player", playerID)
	return token, nil
}

// Authenticate resolves a bearer token to its player.
func (r *Registry) Authenticate(ctx context.Context, token string) (*Player, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenLen {
		return nil, ErrBadCredentials
	}
	sum := sha256.Sum256(raw)

	var stored []byte
	p := &Player{}
	var id, run string
	var created int64
	err = r.db.SQL().QueryRowContext(ctx,
		"SELECT id, run_id, name, game, region, token_hash, created_at FROM players WHERE token_hash = ?",
		sum[:],
	).Scan(&id, &run, &p.Name, &p.Game, &p.Region, &stored, &created)
	if err == sql.ErrNoRows {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(sum[:], stored) != 1 {
		return nil, ErrBadCredentials
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if p.RunID, err = uuid.Parse(run); err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(created).UTC()
	return p, nil
}

func newToken() (token string, hash []byte, err error) {
	raw := make([]byte, tokenLen)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(raw), sum[:], nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var id, rules string
	var hasPW int
	var created int64
	if err := row.Scan(&id, &run.Name, &hasPW, &rules, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	run.HasPassword = hasPW != 0
	run.Rules = json.RawMessage(rules)
	run.CreatedAt = time.UnixMilli(created).UTC()
	return run, nil
}

func scanPlayer(row rowScanner) (*Player, error) {
	p := &Player{}
	var id, run string
	var created int64
	if err := row.Scan(&id, &run, &p.Name, &p.Game, &p.Region, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if p.RunID, err = uuid.Parse(run); err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(created).UTC()
	return p, nil
}
