package record

// Group is an ordered batch of logs sent in a single request. Its encoded
// size never exceeds MaxLogGroupSize and it never holds more than
// MaxBulkSize logs.
type Group struct {
	Logs []*Log
	size int
}

// Len returns the number of logs in the group.
func (g *Group) Len() int {
	return len(g.Logs)
}

// Size returns the encoded size of the group in bytes.
func (g *Group) Size() int {
	return g.size
}

// Fits reports whether a log occupying framedSize bytes can be appended
// without breaching the count or size bound.
func (g *Group) Fits(framedSize int) bool {
	return len(g.Logs) < MaxBulkSize && g.size+framedSize <= MaxLogGroupSize
}

// Add appends l. The caller is responsible for checking Fits first.
func (g *Group) Add(l *Log, framedSize int) {
	g.Logs = append(g.Logs, l)
	g.size += framedSize
}
