package pool

import (
	"context"
	"log"
)

// pingLocked reports whether the candidate's physical connection is usable
// right now. It only reports; the acquire loop decides what to do with the
// verdict. Called with the pool mutex held, which is what keeps the
// close-on-failure path from racing a concurrent ForceCloseAll.
func (p *Pool) pingLocked(conn *PooledConn) bool {
	if conn.real.IsClosed() {
		p.debugf("connection %d is BAD: already closed", conn.hash)
		return false
	}
	if !p.opts.PingEnabled {
		return true
	}
	// Recently used connections are assumed alive; only probe past the idle
	// threshold. A negative threshold disables probing outright.
	if p.opts.PingNotUsedFor < 0 || conn.idleDuration() <= p.opts.PingNotUsedFor {
		return true
	}

	p.debugf("testing connection %d ...", conn.hash)
	rows, err := conn.real.QueryContext(context.Background(), p.opts.PingQuery)
	if err == nil {
		if rows != nil {
			rows.Close()
		}
		if !conn.real.AutoCommit() {
			if rerr := conn.real.Rollback(); rerr != nil {
				p.debugf("rollback after ping of %d: %v", conn.hash, rerr)
			}
		}
		p.debugf("connection %d is GOOD", conn.hash)
		return true
	}

	log.Printf("[pool] %s: execution of ping query '%s' failed: %v", p.opts.Name, p.opts.PingQuery, err)
	if cerr := conn.real.Close(); cerr != nil {
		p.debugf("closing connection %d after failed ping: %v", conn.hash, cerr)
	}
	p.debugf("connection %d is BAD: %v", conn.hash, err)
	return false
}
