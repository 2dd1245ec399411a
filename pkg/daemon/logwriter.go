package daemon

import (
	"io"

	"github.com/nix-community/storedaemon/pkg/wire"
)

// logWriter emits the stderr-channel log framing a session wraps around
// every operation's response, mirroring ProcessStderr's read side. No
// start-of-work frame is written; every handler ends its stderr channel with
// exactly one WriteStopWork or WriteError.
type logWriter struct {
	w io.Writer
}

func newLogWriter(w io.Writer) *logWriter {
	return &logWriter{w: w}
}

// WriteStopWork terminates the stderr channel with LogLast, letting the
// client proceed to read the operation's response payload.
func (l *logWriter) WriteStopWork() error {
	return wire.WriteUint64(l.w, uint64(LogLast))
}

// WriteError terminates the stderr channel with a DaemonError instead of a
// clean LogLast, per original_source's perform_op error path.
func (l *logWriter) WriteError(derr *DaemonError) error {
	if err := wire.WriteUint64(l.w, uint64(LogError)); err != nil {
		return err
	}

	if err := wire.WriteString(l.w, derr.Type); err != nil {
		return err
	}

	if err := wire.WriteUint64(l.w, derr.Level); err != nil {
		return err
	}

	if err := wire.WriteString(l.w, derr.Name); err != nil {
		return err
	}

	if err := wire.WriteString(l.w, derr.Message); err != nil {
		return err
	}

	if err := wire.WriteUint64(l.w, 0); err != nil { // havePos
		return err
	}

	if err := wire.WriteUint64(l.w, uint64(len(derr.Traces))); err != nil {
		return err
	}

	for _, trace := range derr.Traces {
		if err := wire.WriteUint64(l.w, trace.HavePos); err != nil {
			return err
		}

		if err := wire.WriteString(l.w, trace.Message); err != nil {
			return err
		}
	}

	return nil
}

// WriteNext sends an informational LogNext line, used by handlers that want
// to surface progress without opening a structured activity.
func (l *logWriter) WriteNext(text string) error {
	if err := wire.WriteUint64(l.w, uint64(LogNext)); err != nil {
		return err
	}

	return wire.WriteString(l.w, text)
}
