package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"pkgboard/internal/domain"
	"pkgboard/internal/registry"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchBatch    = 100
)

// Dispatcher tails the events table and announces each event once to
// the Telegram chat. The cursor starts at the latest event so a restart
// does not replay history.
type Dispatcher struct {
	Registry registry.Registry
	Telegram *Telegram
	Interval time.Duration

	mu     sync.Mutex
	cursor int64
	seeded bool
}

func StartDispatcher(g registry.Registry, tg *Telegram) *Dispatcher {
	if !tg.Enabled() {
		return nil
	}
	d := &Dispatcher{Registry: g, Telegram: tg, Interval: defaultDispatchInterval}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(context.Background())
		<-ticker.C
	}
}

// DispatchOnce delivers pending events past the cursor. Delivery stops
// at the first failure so the event is retried next tick.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	cursor, ok := d.seedCursor(ctx)
	if !ok {
		return
	}
	events, err := d.Registry.Repo.EventsAfter(ctx, defaultDispatchBatch, cursor)
	if err != nil {
		log.Printf("notify: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		text := d.format(evt)
		if text == "" {
			d.setCursor(evt.ID)
			continue
		}
		if err := d.Telegram.SendMessage(ctx, text); err != nil {
			log.Printf("notify: deliver event %d failed: %v", evt.ID, err)
			return
		}
		d.setCursor(evt.ID)
	}
}

func (d *Dispatcher) seedCursor(ctx context.Context) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seeded {
		return d.cursor, true
	}
	cur, err := d.Registry.Repo.LatestEventID(ctx)
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		return 0, false
	}
	d.cursor = cur
	d.seeded = true
	return cur, true
}

func (d *Dispatcher) setCursor(value int64) {
	d.mu.Lock()
	d.cursor = value
	d.seeded = true
	d.mu.Unlock()
}

func (d *Dispatcher) format(evt domain.Event) string {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	switch evt.Type {
	case "pkg.assigned":
		return fmt.Sprintf("package <b>%s</b> assigned to %v", EscapeHTML(evt.EntityID), payload["assignee"])
	case "pkg.unassigned":
		return fmt.Sprintf("package <b>%s</b> unassigned", EscapeHTML(evt.EntityID))
	case "pkg.marked":
		return fmt.Sprintf("package <b>%s</b> marked <i>%v</i>", EscapeHTML(evt.EntityID), payload["name"])
	case "pkg.released":
		name, _ := payload["name"].(string)
		return fmt.Sprintf("package <b>%s</b> released (%v)", EscapeHTML(name), payload["status"])
	case "relation.added":
		return fmt.Sprintf("package <b>%s</b> now waits on %v (%v)", EscapeHTML(evt.EntityID), payload["required"], payload["status"])
	case "relation.resolved":
		return fmt.Sprintf("package <b>%s</b> no longer waits on %v", EscapeHTML(evt.EntityID), payload["required"])
	}
	return ""
}
