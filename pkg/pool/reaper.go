package pool

import (
	"time"

	"github.com/rs/zerolog/log"
)

func (p *ConnectionPool) reapWorker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.reapIdle(time.Now())
		}
	}
}

// reapIdle destroys idle connections unused for longer than IdleTimeout,
// oldest first, keeping at least Min - active idle connections.
func (p *ConnectionPool) reapIdle(now time.Time) int {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return 0
	}

	active := len(p.connections) - len(p.idle)
	floor := p.config.Min - active
	if floor < 0 {
		floor = 0
	}

	var victims []*PooledConnection
	for len(p.idle) > floor && now.Sub(p.idle[0].lastUsedAt) > p.config.IdleTimeout {
		conn := p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
		p.removeLocked(conn)
		victims = append(victims, conn)
	}
	p.unlock()

	for _, conn := range victims {
		p.closeSession(conn)
	}
	if len(victims) > 0 {
		log.Debug().Int("reaped", len(victims)).Msg("Reaped idle connections")
	}
	return len(victims)
}
