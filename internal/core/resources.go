package core

import (
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/rs/zerolog/log"
)

type ResourceKind int

const (
	ResourceTransport ResourceKind = iota
	ResourceProducer
	ResourceConsumer
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceTransport:
		return "transport"
	case ResourceProducer:
		return "producer"
	case ResourceConsumer:
		return "consumer"
	}
	return "unknown"
}

// Owner tags a resource with the member and the connection that introduced it.
type Owner struct {
	Member domain.MemberID
	Conn   domain.ConnectionID
}

type transportEntry struct {
	handle Transport
	owner  Owner
}

type producerEntry struct {
	handle    Producer
	owner     Owner
	transport domain.TransportID
	source    domain.ProducerSource
}

type consumerEntry struct {
	handle    Consumer
	owner     Owner
	transport domain.TransportID
}

// ReleasedConsumer keeps the owner so the caller can tell it the consumer is gone.
type ReleasedConsumer struct {
	Handle Consumer
	Owner  Owner
}

// Released lists handles dropped from a registry. The caller closes them
// outside of any room lock.
type Released struct {
	Transports []Transport
	Producers  []Producer
	Consumers  []ReleasedConsumer
	// Share is set when the active screen share ended with this release.
	Share *ScreenShare
}

func (r *Released) merge(o Released) {
	r.Transports = append(r.Transports, o.Transports...)
	r.Producers = append(r.Producers, o.Producers...)
	r.Consumers = append(r.Consumers, o.Consumers...)
	if o.Share != nil {
		r.Share = o.Share
	}
}

func (r Released) Empty() bool {
	return len(r.Transports) == 0 && len(r.Producers) == 0 && len(r.Consumers) == 0
}

// CloseAll closes every handle, consumers first. Already closed handles are fine.
func (r Released) CloseAll() {
	for _, c := range r.Consumers {
		if err := IgnoreClosed(c.Handle.Close()); err != nil {
			log.Warn().Err(err).Str("module", "core.resources").Str("consumer", string(c.Handle.ID())).Msg("close consumer")
		}
	}
	for _, p := range r.Producers {
		if err := IgnoreClosed(p.Close()); err != nil {
			log.Warn().Err(err).Str("module", "core.resources").Str("producer", string(p.ID())).Msg("close producer")
		}
	}
	for _, t := range r.Transports {
		if err := IgnoreClosed(t.Close()); err != nil {
			log.Warn().Err(err).Str("module", "core.resources").Str("transport", string(t.ID())).Msg("close transport")
		}
	}
}

// ResourceRegistry maps resource ids to engine handles for one room.
// It is not safe for concurrent use; the owning Room serializes access.
type ResourceRegistry struct {
	transports map[domain.TransportID]transportEntry
	producers  map[domain.ProducerID]producerEntry
	consumers  map[domain.ConsumerID]consumerEntry
}

func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{
		transports: make(map[domain.TransportID]transportEntry),
		producers:  make(map[domain.ProducerID]producerEntry),
		consumers:  make(map[domain.ConsumerID]consumerEntry),
	}
}

func (rr *ResourceRegistry) Len() int {
	return len(rr.transports) + len(rr.producers) + len(rr.consumers)
}

func (rr *ResourceRegistry) AddTransport(t Transport, owner Owner) {
	rr.transports[t.ID()] = transportEntry{handle: t, owner: owner}
}

func (rr *ResourceRegistry) AddProducer(p Producer, owner Owner, transport domain.TransportID, source domain.ProducerSource) {
	rr.producers[p.ID()] = producerEntry{handle: p, owner: owner, transport: transport, source: source}
}

func (rr *ResourceRegistry) AddConsumer(c Consumer, owner Owner, transport domain.TransportID) {
	rr.consumers[c.ID()] = consumerEntry{handle: c, owner: owner, transport: transport}
}

// Register is the kind-dispatched form of the Add methods. It reports false
// when handle does not match kind.
func (rr *ResourceRegistry) Register(kind ResourceKind, handle any, owner Owner) bool {
	switch kind {
	case ResourceTransport:
		t, ok := handle.(Transport)
		if ok {
			rr.AddTransport(t, owner)
		}
		return ok
	case ResourceProducer:
		p, ok := handle.(Producer)
		if ok {
			rr.AddProducer(p, owner, "", domain.SourceMedia)
		}
		return ok
	case ResourceConsumer:
		c, ok := handle.(Consumer)
		if ok {
			rr.AddConsumer(c, owner, "")
		}
		return ok
	}
	return false
}

// Release drops one resource and everything that depends on it.
func (rr *ResourceRegistry) Release(kind ResourceKind, id string) (Released, bool) {
	switch kind {
	case ResourceTransport:
		return rr.releaseTransport(domain.TransportID(id))
	case ResourceProducer:
		return rr.releaseProducer(domain.ProducerID(id))
	case ResourceConsumer:
		return rr.releaseConsumer(domain.ConsumerID(id))
	}
	return Released{}, false
}

func (rr *ResourceRegistry) releaseConsumer(id domain.ConsumerID) (Released, bool) {
	e, ok := rr.consumers[id]
	if !ok {
		return Released{}, false
	}
	delete(rr.consumers, id)
	return Released{Consumers: []ReleasedConsumer{{Handle: e.handle, Owner: e.owner}}}, true
}

func (rr *ResourceRegistry) releaseProducer(id domain.ProducerID) (Released, bool) {
	e, ok := rr.producers[id]
	if !ok {
		return Released{}, false
	}
	delete(rr.producers, id)
	out := Released{Producers: []Producer{e.handle}}
	for cid, c := range rr.consumers {
		if c.handle.ProducerID() == id {
			delete(rr.consumers, cid)
			out.Consumers = append(out.Consumers, ReleasedConsumer{Handle: c.handle, Owner: c.owner})
		}
	}
	return out, true
}

func (rr *ResourceRegistry) releaseTransport(id domain.TransportID) (Released, bool) {
	e, ok := rr.transports[id]
	if !ok {
		return Released{}, false
	}
	delete(rr.transports, id)
	out := Released{Transports: []Transport{e.handle}}
	for pid, p := range rr.producers {
		if p.transport == id {
			rel, _ := rr.releaseProducer(pid)
			out.merge(rel)
		}
	}
	for cid, c := range rr.consumers {
		if c.transport == id {
			delete(rr.consumers, cid)
			out.Consumers = append(out.Consumers, ReleasedConsumer{Handle: c.handle, Owner: c.owner})
		}
	}
	return out, true
}

// releaseConn drops everything introduced by conn.
func (rr *ResourceRegistry) releaseConn(conn domain.ConnectionID) Released {
	var out Released
	for id, t := range rr.transports {
		if t.owner.Conn == conn {
			rel, _ := rr.releaseTransport(id)
			out.merge(rel)
		}
	}
	for id, p := range rr.producers {
		if p.owner.Conn == conn {
			rel, _ := rr.releaseProducer(id)
			out.merge(rel)
		}
	}
	for id, c := range rr.consumers {
		if c.owner.Conn == conn {
			rel, _ := rr.releaseConsumer(id)
			out.merge(rel)
		}
	}
	return out
}

func (rr *ResourceRegistry) releaseAll() Released {
	var out Released
	for id := range rr.transports {
		rel, _ := rr.releaseTransport(id)
		out.merge(rel)
	}
	for id := range rr.producers {
		rel, _ := rr.releaseProducer(id)
		out.merge(rel)
	}
	for id := range rr.consumers {
		rel, _ := rr.releaseConsumer(id)
		out.merge(rel)
	}
	return out
}
