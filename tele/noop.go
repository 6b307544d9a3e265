package tele

import "sync/atomic"

// Noop accepts and forgets everything. For tools and tests that need Teler without storage.
type Noop struct{ revision int64 }

var _ Teler = &Noop{} // compile-time interface test

func (*Noop) Enqueue(Body) error                         { return nil }
func (*Noop) CheckLiveness() error                       { return nil }
func (*Noop) LatestConfigRequest() (ConfigRequest, bool) { return ConfigRequest{}, false }
func (n *Noop) Revision() int                            { return int(atomic.LoadInt64(&n.revision)) }
func (n *Noop) SetRevision(r int)                        { atomic.StoreInt64(&n.revision, int64(r)) }
func (*Noop) Stat() Stat                                 { return Stat{} }
