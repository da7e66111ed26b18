// Package notify turns poll cycle progress into client events.
package notify

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"manimate/common"
	"manimate/poller"
	"manimate/types"
)

const connectedMessage = "Connected to script updates"

// Sender delivers an event to a session's live channel, dropping it when there is none
type Sender interface {
	Send(sessionID string, ev types.Event) bool
}

// Sink receives a copy of every event, e.g. a message bus
type Sink interface {
	Publish(ctx context.Context, key string, ev types.Event) error
}

// Dispatcher builds events and sends them to the live channel and any sinks.
// Delivery is at most once; failures are logged and never returned.
type Dispatcher struct {
	sender Sender
	sinks  []Sink
	logger arbor.ILogger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(sender Sender, logger arbor.ILogger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = common.NewNopLogger()
	}
	return &Dispatcher{sender: sender, sinks: sinks, logger: logger, now: time.Now}
}

// Connected greets a freshly registered channel. It is not copied to sinks.
func (d *Dispatcher) Connected(sessionID string) bool {
	return d.sender.Send(sessionID, types.Event{
		Type:      types.EventConnected,
		Message:   connectedMessage,
		Timestamp: d.now().UTC(),
	})
}

// ScriptReady announces one token's script. The index on the wire is 1-based.
func (d *Dispatcher) ScriptReady(ctx context.Context, sessionID string, p poller.Progress) {
	d.dispatch(ctx, sessionID, types.Event{
		Type:         types.EventScriptReady,
		Data:         p.Script,
		ReadyToken:   p.Token,
		ScriptIndex:  p.Index + 1,
		TotalScripts: p.Total,
	})
}

// Complete announces that every token of the run is ready
func (d *Dispatcher) Complete(ctx context.Context, sessionID string, res poller.Result) {
	completed := res.Completed()
	d.dispatch(ctx, sessionID, types.Event{
		Type:         types.EventAllScriptsComplete,
		AllScripts:   res.Scripts,
		AllTokens:    res.Tokens,
		Completed:    &completed,
		TotalScripts: len(res.Tokens),
	})
}

// TimedOut announces a run that used its whole tick budget
func (d *Dispatcher) TimedOut(ctx context.Context, sessionID string, res poller.Result) {
	completed := res.Completed()
	d.dispatch(ctx, sessionID, types.Event{
		Type:         types.EventGenerationTimeout,
		Message:      "Timeout: Not all scripts were generated in time",
		AllScripts:   res.Scripts,
		AllTokens:    res.Tokens,
		Completed:    &completed,
		TotalScripts: len(res.Tokens),
	})
}

// Observer returns a poll cycle observer bound to one session
func (d *Dispatcher) Observer(sessionID string) poller.Observer {
	return poller.ObserverFunc(func(ctx context.Context, p poller.Progress) {
		d.ScriptReady(ctx, sessionID, p)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, sessionID string, ev types.Event) {
	ev.Timestamp = d.now().UTC()

	if d.sender.Send(sessionID, ev) {
		d.logger.Info().Str("session", sessionID).Str("event", string(ev.Type)).Int("index", ev.ScriptIndex).Msg("event sent")
	} else {
		d.logger.Warn().Str("session", sessionID).Str("event", string(ev.Type)).Msg("client not connected, event dropped")
	}

	for _, sink := range d.sinks {
		if err := sink.Publish(ctx, sessionID, withSession(ev, sessionID)); err != nil {
			d.logger.Warn().Err(err).Str("session", sessionID).Str("event", string(ev.Type)).Msg("event sink publish failed")
		}
	}
}

// withSession tags sink copies so consumers without the key still know the session
func withSession(ev types.Event, sessionID string) types.Event {
	ev.SessionID = sessionID
	return ev
}
