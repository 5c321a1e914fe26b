package monitor

import (
	"go.uber.org/zap/zapcore"
)

// ringCore is a zapcore.Core that mirrors log entries into the monitor's
// ring. Teed next to the console core, it costs one struct copy per line.
type ringCore struct {
	zapcore.LevelEnabler
	mon    *Monitor
	fields []zapcore.Field
}

// NewCore returns a core that captures entries at or above enab into m.
func NewCore(m *Monitor, enab zapcore.LevelEnabler) zapcore.Core {
	return &ringCore{LevelEnabler: enab, mon: m}
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &ringCore{
		LevelEnabler: c.LevelEnabler,
		mon:          c.mon,
		fields:       make([]zapcore.Field, 0, len(c.fields)+len(fields)),
	}
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	entry := LogEntry{
		Timestamp: ent.Time,
		Level:     ent.Level.String(),
		Source:    ent.LoggerName,
		Message:   ent.Message,
	}
	for _, f := range c.fields {
		applyField(&entry, f)
	}
	for _, f := range fields {
		applyField(&entry, f)
	}
	c.mon.AddLog(entry)
	return nil
}

func (c *ringCore) Sync() error { return nil }

// applyField lifts the correlation keys the dashboard filters on out of
// the structured fields.
func applyField(entry *LogEntry, f zapcore.Field) {
	switch f.Key {
	case "node_id":
		if f.Type == zapcore.StringType {
			entry.NodeID = f.String
		}
	case "job_id":
		if f.Type == zapcore.StringType {
			entry.JobID = f.String
		}
	}
}
