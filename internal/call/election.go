package call

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/teleconsult/internal/models"
	"github.com/mossy-p/teleconsult/internal/signaling"
)

// election decides which side sends the offer. Both sides ping until each
// has seen the other and had its own ping acknowledged, then apply the same
// rule to the exchanged roles and IDs.
type election struct {
	selfID   string
	role     models.Role
	interval time.Duration
	send     func(signaling.Message) error

	mu         sync.Mutex
	seen       bool
	acked      bool
	remoteID   string
	remoteRole models.Role
	changed    chan struct{}
}

func newElection(selfID string, role models.Role, interval time.Duration, send func(signaling.Message) error) *election {
	return &election{
		selfID:   selfID,
		role:     role,
		interval: interval,
		send:     send,
		changed:  make(chan struct{}, 1),
	}
}

// observe handles a ping from the other participant. It keeps answering
// after the decision so a late peer can finish its own handshake.
func (e *election) observe(m signaling.Message) {
	if m.ID == "" {
		return
	}

	e.mu.Lock()
	e.seen = true
	e.remoteID = m.ID
	e.remoteRole = m.Role
	if m.Ack {
		e.acked = true
	}
	e.mu.Unlock()

	if !m.Reply {
		if err := e.send(signaling.Ping(e.selfID, e.role, true, true)); err != nil {
			log.Debugf("Ping reply: %v", err)
		}
	}

	select {
	case e.changed <- struct{}{}:
	default:
	}
}

func (e *election) ping() {
	e.mu.Lock()
	seen := e.seen
	e.mu.Unlock()

	if err := e.send(signaling.Ping(e.selfID, e.role, seen, false)); err != nil {
		log.Debugf("Ping: %v", err)
	}
}

// wait pings until the handshake completes and reports whether this side
// is the initiator.
func (e *election) wait(ctx context.Context) (bool, error) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.ping()
	for {
		e.mu.Lock()
		ready := e.seen && e.acked
		remoteID, remoteRole := e.remoteID, e.remoteRole
		e.mu.Unlock()
		if ready {
			return decideInitiator(e.selfID, e.role, remoteID, remoteRole)
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			e.ping()
		case <-e.changed:
		}
	}
}

// decideInitiator gives both sides the same answer from the same inputs. An
// explicit caller/callee role wins; with no roles the lower ID offers.
func decideInitiator(selfID string, self models.Role, remoteID string, remote models.Role) (bool, error) {
	switch {
	case self != models.RoleAuto && remote != models.RoleAuto:
		if self == remote {
			return false, ErrRoleConflict
		}
		return self.Initiator(), nil
	case self != models.RoleAuto:
		return self.Initiator(), nil
	case remote != models.RoleAuto:
		return !remote.Initiator(), nil
	case selfID == remoteID:
		return false, ErrRoleConflict
	default:
		return selfID < remoteID, nil
	}
}
