package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened() {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// TLSUpgraded is a no-op.
func (n *NoopCollector) TLSUpgraded() {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(success bool) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(command string) {}

// DataBytes is a no-op.
func (n *NoopCollector) DataBytes(bytes int64) {}

// QueueDepth is a no-op.
func (n *NoopCollector) QueueDepth(depth int) {}
