package rtp_relay

// Observer получает события пула и реле для метрик
type Observer interface {
	PortsChanged(available, inUse int)
	RelayStarted()
	RelayStopped()
	PacketForwarded(channel string)
	PacketDropped(channel, reason string)
	EndpointLearned(leg string)
	QualityReported(mos float64)
}

// NopObserver игнорирует все события
type NopObserver struct{}

func (NopObserver) PortsChanged(int, int) {}
func (NopObserver) RelayStarted() {}
func (NopObserver) RelayStopped() {}
func (NopObserver) PacketForwarded(string) {}
func (NopObserver) PacketDropped(string, string) {}
func (NopObserver) EndpointLearned(string) {}
func (NopObserver) QualityReported(float64) {}
