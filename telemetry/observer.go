package telemetry

import (
	"hash/fnv"
	"sync"
)

const (
	ewmaAlpha        = 0.2
	maxUniqueClients = 256
	largePayload     = 1_000_000

	spikeDelta = 10
	errorDelta = 5
	sizeDelta  = 3
	calmDelta  = -1
)

// Observation is one completed HTTP exchange.
type Observation struct {
	IP       string
	Path     string
	Status   int
	BytesIn  int64
	BytesOut int64
}

type observer struct {
	mu      sync.Mutex
	lastMs  int64
	ewma    float64
	uniques map[uint64]struct{}
}

func (o *observer) stats() (float64, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ewma, len(o.uniques)
}

// ObserveHTTP folds one exchange into the request-rate EWMA and adjusts
// the risk score. It returns the applied delta.
//
// A request whose instantaneous rate exceeds three times the average plus
// five adds 10, a 5xx adds 5 and a body over 1 MB in either direction adds
// 3. With none of these and a near-idle average the score decays by one.
func (t *Telemetry) ObserveHTTP(obs Observation) int {
	nowMs := t.now().UnixMilli()

	t.observer.mu.Lock()
	inst := 0.0
	if t.observer.lastMs > 0 {
		inst = 1000.0 / float64(max(1, nowMs-t.observer.lastMs))
	}
	prev := t.observer.ewma
	t.observer.ewma = ewmaAlpha*inst + (1-ewmaAlpha)*prev
	t.observer.lastMs = nowMs

	h := fnv.New64a()
	_, _ = h.Write([]byte(obs.IP + "|" + obs.Path))
	if len(t.observer.uniques) >= maxUniqueClients {
		clear(t.observer.uniques)
	}
	t.observer.uniques[h.Sum64()] = struct{}{}
	ewma := t.observer.ewma
	t.observer.mu.Unlock()

	delta := 0
	if inst > 3*prev+5 {
		delta += spikeDelta
	}
	if obs.Status >= 500 {
		delta += errorDelta
	}
	if obs.BytesIn > largePayload || obs.BytesOut > largePayload {
		delta += sizeDelta
	}
	if delta == 0 && ewma < 0.5 {
		delta = calmDelta
	}

	if delta != 0 {
		t.AdjustRisk(delta)
	}
	return delta
}
