package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MortisCausa records why a daemon row was closed.
type MortisCausa string

const (
	// MortisCausaSignal is recorded on graceful shutdown.
	MortisCausaSignal MortisCausa = "signal"
	// MortisCausaStraggler is recorded when another daemon finds the process gone.
	MortisCausaStraggler MortisCausa = "straggler"
)

var (
	// ErrDaemonAlreadyDead is returned when killing a daemon that already has a death time.
	ErrDaemonAlreadyDead = errors.New("daemon already dead")
	// ErrNoDaemonsAvailable is returned when no other live daemon row is left to check.
	ErrNoDaemonsAvailable = errors.New("no daemons available")
)

// Daemon identifies one running queues daemon process.
type Daemon struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Host        string          `json:"host"`
	PID         int             `json:"pid"`
	BornOn      time.Time       `json:"born_on"`
	DiedOn      *time.Time      `json:"died_on,omitempty"`
	MortisCausa *MortisCausa    `json:"mortis_causa,omitempty"`
	Config      json.RawMessage `json:"config"`
	RunID       uuid.UUID       `json:"run_id"`
}

// NewDaemon builds the identity of the current process.
func NewDaemon(name, host string, pid int, config json.RawMessage) *Daemon {
	return &Daemon{
		Name:   name,
		Host:   host,
		PID:    pid,
		BornOn: time.Now().UTC(),
		Config: config,
		RunID:  uuid.New(),
	}
}

// IsAlive reports whether the daemon has no recorded death.
func (d *Daemon) IsAlive() bool {
	return d.DiedOn == nil
}

// RequiresDeath reports whether the row is still open and should be closed.
func (d *Daemon) RequiresDeath() bool {
	return d.IsAlive()
}

// Kill closes the daemon row with the given cause.
func (d *Daemon) Kill(causa MortisCausa, at time.Time) error {
	if !d.IsAlive() {
		return ErrDaemonAlreadyDead
	}
	t := at.UTC()
	d.DiedOn = &t
	d.MortisCausa = &causa
	return nil
}
