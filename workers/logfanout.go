package workers

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/csoslab/slimhub/session"
	"github.com/sirupsen/logrus"
)

// LogFanout decodes debugstr events into a human-readable, categorized
// line appended to data/display/<date>.txt (spec.md §4.7), folding in
// the original's display_graph_lite concept of a single rolling
// operator-facing text view.
type LogFanout struct {
	baseDir string
	files   *fileCache
	log     *logrus.Entry
}

// NewLogFanout returns a LogFanout rooted at baseDir (the configured
// "data" directory).
func NewLogFanout(baseDir string, log *logrus.Entry) *LogFanout {
	return &LogFanout{baseDir: baseDir, files: newFileCache(), log: log}
}

// Run drains queue until it is closed, then closes its file handle.
func (l *LogFanout) Run(queue <-chan session.WorkItem) {
	for item := range queue {
		if item.Char != "debugstr" {
			continue
		}
		l.handle(item)
	}
	l.files.closeAll()
}

func (l *LogFanout) handle(item session.WorkItem) {
	path := filepath.Join(l.baseDir, "display", item.ReceivedTime.Format("2006-01-02")+".txt")
	f, err := l.files.open(path)
	if err != nil {
		l.log.WithError(err).WithField("path", path).Error("open display log")
		return
	}

	ts := item.ReceivedTime.Format("2006-01-02 15:04:05")
	category, summary := categorizeDebugStr(item.Payload)
	line := fmt.Sprintf("%s [%s] %s: %s\n", ts, category, item.Address, summary)
	if _, err := f.WriteString(line); err != nil {
		l.log.WithError(err).Error("write display log line")
	}
}

// categorizeDebugStr grades a debugstr payload into one of EVENT,
// INFERENCE, or HEAP STATE by the keys present in its JSON body,
// falling back to EVENT with the raw text as its summary when the
// payload isn't JSON.
func categorizeDebugStr(payload []byte) (category, summary string) {
	var parsed map[string]any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "EVENT", strings.TrimSpace(string(payload))
	}
	switch {
	case hasAnyKey(parsed, "heap", "free_heap", "heap_free"):
		return "HEAP STATE", summarize(parsed)
	case hasAnyKey(parsed, "class", "confidence", "inference", "label"):
		return "INFERENCE", summarize(parsed)
	default:
		return "EVENT", summarize(parsed)
	}
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func summarize(m map[string]any) string {
	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(encoded)
}
