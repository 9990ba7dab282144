// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics is a proxy for Publisher which performs prioritization of
// various requests, mirroring objproxy's serialization-and-prioritization
// idiom: merge commits and request errors are high priority, periodic
// status gauges are low priority and never delay them.
package metrics

// Publisher is the backend metrics sink. Anything implementing this
// interface can be used to receive counters and gauges.
type Publisher interface {
	// PutCount emits a monotonic counter increment.
	PutCount(name string, n int64) error

	// PutGauge emits a point-in-time gauge value.
	PutGauge(name string, v float64) error
}

type putCountRequest struct {
	name string
	n    int64
	done chan error
}

type putGaugeRequest struct {
	name string
	v    float64
	done chan error
}

// Proxy serializes all metric emission through a single goroutine, so the
// backend publisher (e.g. an HTTP client to CloudWatch) is never called
// concurrently, and high-priority emissions (errors, merge commits) are
// never stuck behind low-priority periodic stats.
type Proxy struct {
	Instance Publisher

	countPrio chan putCountRequest
	gauge     chan putGaugeRequest
}

// New returns a Proxy which can be used directly. It spawns one worker
// goroutine handling all serialized and prioritized requests.
func New(instance Publisher) *Proxy {
	p := &Proxy{
		Instance:  instance,
		countPrio: make(chan putCountRequest),
		gauge:     make(chan putGaugeRequest),
	}

	go p.worker()

	return p
}

// PutCount proxies a high-priority counter emission (request errors, merge
// commits).
func (p *Proxy) PutCount(name string, n int64) error {
	done := make(chan error, 1)
	p.countPrio <- putCountRequest{name, n, done}
	return <-done
}

// PutGauge proxies a low-priority gauge emission (periodic stats reports).
func (p *Proxy) PutGauge(name string, v float64) error {
	done := make(chan error, 1)
	p.gauge <- putGaugeRequest{name, v, done}
	return <-done
}

func (p *Proxy) worker() {
	for {
		select {
		case r := <-p.countPrio:
			r.done <- p.Instance.PutCount(r.name, r.n)

		default:
			select {
			case r := <-p.countPrio:
				r.done <- p.Instance.PutCount(r.name, r.n)

			case r := <-p.gauge:
				r.done <- p.Instance.PutGauge(r.name, r.v)
			}
		}
	}
}
