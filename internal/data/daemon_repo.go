package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/queuesd/internal/core"
	"github.com/target/queuesd/internal/domain/model"
	apperrors "github.com/target/queuesd/internal/errors"
)

var _ core.DaemonRepository = (*DaemonRepo)(nil)

// ErrDaemonRequired is returned when a nil daemon is passed to the repository.
var ErrDaemonRequired = errors.New("daemon is required")

// DaemonRepo persists daemon identity rows.
type DaemonRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewDaemonRepo creates a new DaemonRepo.
func NewDaemonRepo(db *sql.DB, cfg RepoConfig) *DaemonRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DaemonRepo{DB: db, logger: logger.With("component", "daemon_repo")}
}

const daemonColumns = `id, name, run_id, config, host, pid, born_on, died_on, mortis_causa`

func scanDaemon(scanner jobRowScanner) (*model.Daemon, error) {
	d := &model.Daemon{}
	var (
		config []byte
		diedOn sql.NullTime
		causa  sql.NullString
	)
	if err := scanner.Scan(&d.ID, &d.Name, &d.RunID, &config, &d.Host, &d.PID, &d.BornOn, &diedOn, &causa); err != nil {
		return nil, err
	}
	d.BornOn = d.BornOn.UTC()
	if len(config) > 0 {
		d.Config = append([]byte(nil), config...)
	}
	d.DiedOn = cloneNullableTime(diedOn)
	if causa.Valid {
		c := model.MortisCausa(causa.String)
		d.MortisCausa = &c
	}
	return d, nil
}

// Create inserts the daemon row and assigns its ID.
func (r *DaemonRepo) Create(ctx context.Context, d *model.Daemon) error {
	if d == nil {
		return ErrDaemonRequired
	}
	config := []byte(d.Config)
	if len(config) == 0 {
		config = []byte(`{}`)
	}
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO daemons (name, run_id, config, host, pid, born_on)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		d.Name, d.RunID, config, d.Host, d.PID, d.BornOn.UTC(),
	).Scan(&d.ID)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("insert daemon: %w", err))
	}
	r.logger.DebugContext(ctx, "daemon registered", "daemon_id", d.ID, "host", d.Host, "pid", d.PID)
	return nil
}

// Update persists the death fields of a daemon row.
func (r *DaemonRepo) Update(ctx context.Context, d *model.Daemon) error {
	if d == nil {
		return ErrDaemonRequired
	}
	var causa any
	if d.MortisCausa != nil {
		causa = string(*d.MortisCausa)
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE daemons
		SET died_on = $2, mortis_causa = $3
		WHERE id = $1`,
		d.ID, nullableTime(d.DiedOn), causa,
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("update daemon %d: %w", d.ID, err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update daemon %d rows affected: %w", d.ID, err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("daemon %d not found", d.ID)
	}
	return nil
}

// GetByID loads a daemon row.
func (r *DaemonRepo) GetByID(ctx context.Context, id int64) (*model.Daemon, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+daemonColumns+` FROM daemons WHERE id = $1`, id)
	d, err := scanDaemon(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("daemon %d not found", id)
		}
		return nil, apperrors.MapDBError(fmt.Errorf("get daemon %d: %w", id, err))
	}
	return d, nil
}

// FindNextAlive returns another daemon row without a death time.
func (r *DaemonRepo) FindNextAlive(ctx context.Context, excludingID int64, excluded []int64) (*model.Daemon, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+daemonColumns+`
		FROM daemons
		WHERE died_on IS NULL
		  AND id <> $1
		  AND NOT (id = ANY($2::bigint[]))
		ORDER BY id
		LIMIT 1`,
		excludingID, int64ArrayLiteral(excluded),
	)
	d, err := scanDaemon(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNoDaemonsAvailable
		}
		return nil, apperrors.MapDBError(fmt.Errorf("find next alive daemon: %w", err))
	}
	return d, nil
}
