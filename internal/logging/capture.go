package logging

import "sync"

// Entry is one log call recorded by CaptureLogger.
type Entry struct {
	Level  string
	Msg    string
	Fields []interface{}
}

// CaptureLogger keeps log calls in memory so tests can assert on
// operator-visible events. Install it with SetLogger.
type CaptureLogger struct {
	mu      sync.Mutex
	entries []Entry
}

func NewCaptureLogger() *CaptureLogger { return &CaptureLogger{} }

func (c *CaptureLogger) add(level, msg string, kv []interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry{Level: level, Msg: msg, Fields: append([]interface{}(nil), kv...)})
}

func (c *CaptureLogger) Infow(msg string, kv ...interface{})  { c.add("info", msg, kv) }
func (c *CaptureLogger) Debugw(msg string, kv ...interface{}) { c.add("debug", msg, kv) }
func (c *CaptureLogger) Warnw(msg string, kv ...interface{})  { c.add("warn", msg, kv) }
func (c *CaptureLogger) Errorw(msg string, kv ...interface{}) { c.add("error", msg, kv) }
func (c *CaptureLogger) Fatalw(msg string, kv ...interface{}) { c.add("fatal", msg, kv) }
func (c *CaptureLogger) Sync() error                          { return nil }

// Entries returns a copy of everything logged so far.
func (c *CaptureLogger) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

// Has reports whether a message was logged at level.
func (c *CaptureLogger) Has(level, msg string) bool {
	for _, e := range c.Entries() {
		if e.Level == level && e.Msg == msg {
			return true
		}
	}
	return false
}
