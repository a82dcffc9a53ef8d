package tracker

import (
	"context"

	"go.uber.org/zap"

	"github.com/ywci/tbc/internal/cluster"
)

// Liveness returns the local view of id.
func (t *Tracker) Liveness(id cluster.NodeID) cluster.Liveness {
	s := t.sources[id]
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return s.liveness
}

// Suspect holds back traffic from id. It reports false unless id was alive.
func (t *Tracker) Suspect(id cluster.NodeID) bool {
	return t.transition(id, cluster.Alive, cluster.Suspect)
}

// Stop marks a suspect id as excluded. It reports false unless id was
// suspect. Queued entries of id keep their votes.
func (t *Tracker) Stop(id cluster.NodeID) bool {
	if !t.transition(id, cluster.Suspect, cluster.Stop) {
		return false
	}
	t.kick()
	return true
}

// Recover marks id alive again and releases its waiting receivers.
func (t *Tracker) Recover(id cluster.NodeID) {
	s := t.sources[id]
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	if s.liveness == cluster.Alive {
		return
	}
	t.log.Info("source recovered", zap.Uint8("source", uint8(id)), zap.Stringer("from", s.liveness))
	s.liveness = cluster.Alive
	close(s.alive)
	t.kick()
}

func (t *Tracker) transition(id cluster.NodeID, from, to cluster.Liveness) bool {
	s := t.sources[id]
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	if s.liveness != from {
		return false
	}
	if from == cluster.Alive {
		s.alive = make(chan struct{})
	}
	s.liveness = to
	t.log.Info("source liveness changed", zap.Uint8("source", uint8(id)), zap.Stringer("liveness", to))
	return true
}

// WaitAlive blocks while id is not alive.
func (t *Tracker) WaitAlive(ctx context.Context, id cluster.NodeID) error {
	s := t.sources[id]
	s.liveMu.Lock()
	alive := s.alive
	s.liveMu.Unlock()

	select {
	case <-alive:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
