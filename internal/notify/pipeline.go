package notify

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// DefaultWorkers bounds concurrent gateway calls per event.
const DefaultWorkers = 4

// Normalizer turns a raw change into an enriched event.
type Normalizer interface {
	Normalize(ctx context.Context, change models.RawChange) (*models.MutationEvent, error)
}

// Pipeline runs one change through normalization, composition and dispatch.
type Pipeline struct {
	watcher    Normalizer
	composer   *Composer
	dispatcher *Dispatcher
	workers    int
}

// NewPipeline wires the three stages together. workers <= 0 uses DefaultWorkers.
func NewPipeline(w Normalizer, c *Composer, d *Dispatcher, workers int) *Pipeline {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pipeline{watcher: w, composer: c, dispatcher: d, workers: workers}
}

// ChangeResult summarizes what a change produced.
type ChangeResult struct {
	Ignored bool                        `json:"ignored"`
	Table   string                      `json:"table,omitempty"`
	Action  models.MutationAction       `json:"action,omitempty"`
	Intents int                         `json:"intents"`
	Sent    int                         `json:"sent"`
	Failed  int                         `json:"failed"`
	Invalid int                         `json:"invalid"`
	Records []models.NotificationRecord `json:"records,omitempty"`
}

// HandleChange processes one change. Changes on unwatched tables and
// unhandled operations are reported as Ignored. Delivery failures are
// counted, not returned; the error is non-nil only when the change could not
// be normalized or the delivery log could not be written.
func (p *Pipeline) HandleChange(ctx context.Context, change models.RawChange) (*ChangeResult, error) {
	ev, err := p.watcher.Normalize(ctx, change)
	if errors.Is(err, models.ErrIgnoredTable) || errors.Is(err, models.ErrIgnoredOperation) {
		slog.Debug("Pipeline.HandleChange: ignoring change", "table", change.Table, "type", change.Type)
		return &ChangeResult{Ignored: true, Table: change.Table}, nil
	}
	if err != nil {
		return nil, err
	}

	intents := p.composer.Compose(ev)
	res := &ChangeResult{Table: ev.Table, Action: ev.Action, Intents: len(intents)}
	if len(intents) == 0 {
		return res, nil
	}

	records := make([]*models.NotificationRecord, len(intents))
	invalid := make([]bool, len(intents))
	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, intent := range intents {
		i, intent := i, intent
		g.Go(func() error {
			rec, err := p.dispatcher.Dispatch(ctx, intent)
			records[i] = rec
			var verr *models.ValidationError
			if errors.As(err, &verr) {
				slog.Warn("Pipeline.HandleChange: intent rejected", "template", intent.TemplateKind, "error", err)
				invalid[i] = true
				return nil
			}
			return err
		})
	}
	err = g.Wait()

	for i, rec := range records {
		switch {
		case invalid[i]:
			res.Invalid++
		case rec == nil:
		case rec.Status == models.NotificationStatusSent:
			res.Sent++
			res.Records = append(res.Records, *rec)
		default:
			res.Failed++
			res.Records = append(res.Records, *rec)
		}
	}
	slog.Info("Pipeline.HandleChange: dispatched", "table", res.Table, "action", res.Action,
		"intents", res.Intents, "sent", res.Sent, "failed", res.Failed, "invalid", res.Invalid)
	return res, err
}
