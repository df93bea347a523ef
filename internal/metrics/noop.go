package metrics

var _ StatsCollector = (*noopCollector)(nil)

type noopCollector struct{}

func (noopCollector) IncWrite(string, string, string) {}
func (noopCollector) IncUnitRemoved(string, string)   {}
func (noopCollector) IncUnitRotated(string, string)   {}
func (noopCollector) IncBatchLocked(string)           {}
func (noopCollector) AddSkippedRecords(string, int)   {}
func (noopCollector) IncUpload(string, string)        {}
func (noopCollector) SetPendingUnits(string, int)     {}

// NewNoopStatsCollector returns a collector that discards everything.
func NewNoopStatsCollector() StatsCollector {
	return &noopCollector{}
}
