package port

import "github.com/Wyydra/yacall/internal/core/domain"

type RelayMetrics interface {
	CallRequested(kind domain.CallKind)
	CallFailed(reason string)
	CallAccepted()
	CallEnded(reason string)
	Relayed(event domain.EventName)
	Dropped(event domain.EventName, reason string)
	SetOnline(n int)
	SetActiveCalls(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) CallRequested(domain.CallKind)    {}
func (NopMetrics) CallFailed(string)                {}
func (NopMetrics) CallAccepted()                    {}
func (NopMetrics) CallEnded(string)                 {}
func (NopMetrics) Relayed(domain.EventName)         {}
func (NopMetrics) Dropped(domain.EventName, string) {}
func (NopMetrics) SetOnline(int)                    {}
func (NopMetrics) SetActiveCalls(int)               {}
