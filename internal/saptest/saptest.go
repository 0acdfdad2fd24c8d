// Package saptest provides a recording SAP for tests of the dispatch and
// lifecycle layers.
package saptest

import (
	"context"
	"sync"

	"github.com/frobware/go-hip"
)

// Received is what the fake saw of one handled signal.
type Received struct {
	Header hip.Header
	Body   []byte
}

// SAP records every call made to it. Handled signals are copied and freed.
type SAP struct {
	class    hip.SapClass
	versions []hip.Version

	mu        sync.Mutex
	received  []Received
	events    []hip.LifecycleEvent
	notifyErr error
	handleErr error
	txDone    []TxDoneCall
}

// TxDoneCall records one TxDone invocation.
type TxDoneCall struct {
	VIF       uint16
	PeerIndex uint8
	AC        uint8
}

// New returns a fake SAP for class supporting versions. With no versions
// it supports major 1 plus the sentinel.
func New(class hip.SapClass, versions ...hip.Version) *SAP {
	if len(versions) == 0 {
		versions = []hip.Version{hip.MakeVersion(1, 0), hip.VersionAnyOld}
	}
	return &SAP{class: class, versions: versions}
}

// All returns one fake per class, indexed by hip.SapClass.
func All() [hip.NumSapClasses]*SAP {
	var saps [hip.NumSapClasses]*SAP
	for _, c := range hip.SapClasses {
		saps[c] = New(c)
	}
	return saps
}

func (s *SAP) Class() hip.SapClass     { return s.class }
func (s *SAP) Versions() []hip.Version { return s.versions }

func (s *SAP) VersionSupported(remote hip.Version) error {
	return hip.CheckVersion(s.class, s.versions, remote)
}

func (s *SAP) Handle(_ context.Context, sig *hip.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, Received{
		Header: sig.Header,
		Body:   append([]byte(nil), sig.Body()...),
	})
	sig.Free()
	return s.handleErr
}

func (s *SAP) Notify(_ context.Context, ev hip.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.notifyErr
}

func (s *SAP) TxDone(_ context.Context, vif uint16, peerIndex, ac uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txDone = append(s.txDone, TxDoneCall{VIF: vif, PeerIndex: peerIndex, AC: ac})
	return nil
}

// FailNotify makes subsequent Notify calls return err.
func (s *SAP) FailNotify(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyErr = err
}

// FailHandle makes subsequent Handle calls return err.
func (s *SAP) FailHandle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleErr = err
}

// Received returns a copy of the signals handled so far.
func (s *SAP) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Events returns a copy of the lifecycle events seen so far.
func (s *SAP) Events() []hip.LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hip.LifecycleEvent(nil), s.events...)
}

// TxDoneCalls returns a copy of the TxDone calls seen so far.
func (s *SAP) TxDoneCalls() []TxDoneCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TxDoneCall(nil), s.txDone...)
}
