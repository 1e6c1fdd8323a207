package operator

import (
	"context"
	"fmt"

	"starsagent/internal/eventbus"
	"starsagent/internal/queue"
	logx "starsagent/pkg/logx"
)

// RunAlerts posts permanently failed tasks to the log chat until ctx ends.
func (o *Operator) RunAlerts(ctx context.Context) error {
	if o.d.Bus == nil || o.d.Alert == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsubscribe := o.d.Bus.Subscribe(32, queue.EventTaskFailed)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			text, ok := alertText(ev)
			if !ok {
				continue
			}
			if err := o.d.Alert(ctx, text); err != nil {
				o.log.Warn("alert delivery failed", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

func alertText(ev eventbus.Event) (string, bool) {
	te, ok := ev.Data.(queue.TaskEvent)
	if !ok {
		return "", false
	}
	msg := fmt.Sprintf("task #%d failed after %d attempts\ndestination: %s\namount: %d",
		te.TaskID, te.Attempts, te.Destination, te.Amount)
	if te.Error != "" {
		msg += "\nerror: " + te.Error
	}
	return msg, true
}
