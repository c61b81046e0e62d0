package pipeline

import (
	"strconv"
	"strings"
	"time"
)

const (
	phaseDownload  = "img-download"
	phaseTransform = "img-transform"
	phaseUpload    = "img-upload"
)

type measurement struct {
	name     string
	duration time.Duration
}

// Trace is an append-only sequence of named phase durations attached to
// the response as a diagnostic header. Business logic never reads it.
type Trace struct {
	measurements []measurement
}

func (t *Trace) Add(name string, duration time.Duration) {
	t.measurements = append(t.measurements, measurement{name: name, duration: duration})
}

// Header renders the trace in Server-Timing form:
// img-download;dur=12,img-transform;dur=30,img-upload;dur=4
func (t *Trace) Header() string {
	if t == nil || len(t.measurements) == 0 {
		return ""
	}

	var b strings.Builder
	for i, m := range t.measurements {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(m.name)
		b.WriteString(";dur=")
		b.WriteString(strconv.FormatInt(m.duration.Milliseconds(), 10))
	}
	return b.String()
}
