package pool

import (
	"time"

	"github.com/pivox-go/pivox/internal/pivoxerr"
	"github.com/pivox-go/pivox/internal/proxytype"
)

// Lease assigns an Active proxy to personaID for duration, preferring
// elite anonymity and, when country is given, choosing only among proxies
// in that country, grounded on the
// teacher's EnhancedProxyManager.LeaseProxy. Renews the existing lease if
// personaID already holds one that has not expired.
func (m *Manager) Lease(personaID string, duration time.Duration, country string) (proxytype.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.leases[personaID]; ok && time.Now().Before(existing.expires) {
		existing.expires = time.Now().Add(duration)
		m.leases[personaID] = existing
		return m.proxies[existing.proxyKey].proxy, nil
	}

	leasedKeys := make(map[string]bool, len(m.leases))
	for _, l := range m.leases {
		leasedKeys[l.proxyKey] = true
	}

	var best *tracked
	var bestScore float64
	for key, t := range m.proxies {
		if t.state != Active || leasedKeys[key] {
			continue
		}
		if country != "" && t.proxy.Metadata.Country != country {
			continue
		}

		score := t.score.Snapshot().Composite
		if t.proxy.Metadata.Anonymity == proxytype.Elite {
			score *= 1.5
		}

		if best == nil || score > bestScore {
			best = t
			bestScore = score
		}
	}

	if best == nil {
		return proxytype.Proxy{}, pivoxerr.ErrNoProxiesAvailable
	}

	m.leases[personaID] = lease{proxyKey: best.proxy.ID(), expires: time.Now().Add(duration)}
	return best.proxy, nil
}

// Release ends personaID's lease, if any.
func (m *Manager) Release(personaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, personaID)
}

// CleanupExpiredLeases drops leases past their expiry, grounded on the
// teacher's EnhancedProxyManager.CleanupExpiredLeases.
func (m *Manager) CleanupExpiredLeases() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for persona, l := range m.leases {
		if now.After(l.expires) {
			delete(m.leases, persona)
		}
	}
}
