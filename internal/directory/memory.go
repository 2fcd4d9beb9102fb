package directory

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/util"
)

// MemoryDirectory is an in-process Directory for tests and local runs.
type MemoryDirectory struct {
	mu        sync.RWMutex
	profiles  map[string]models.Profile
	units     map[string]models.Unit
	equipment map[string]models.Equipment
	tickets   []models.Ticket
	hook      ChangeHook
	// CreateErr, when set, is returned by CreateTicket.
	CreateErr error
}

// Compile-time check that MemoryDirectory implements Directory.
var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		profiles:  make(map[string]models.Profile),
		units:     make(map[string]models.Unit),
		equipment: make(map[string]models.Equipment),
	}
}

// SetChangeHook installs the hook invoked after CreateTicket.
func (d *MemoryDirectory) SetChangeHook(hook ChangeHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = hook
}

func (d *MemoryDirectory) AddProfile(p models.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

func (d *MemoryDirectory) AddUnit(u models.Unit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.units[u.ID] = u
}

func (d *MemoryDirectory) AddEquipment(e models.Equipment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.equipment[e.ID] = e
}

// Tickets returns the tickets created so far.
func (d *MemoryDirectory) Tickets() []models.Ticket {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.Ticket(nil), d.tickets...)
}

func (d *MemoryDirectory) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.profiles[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (d *MemoryDirectory) FindProfileByPhone(ctx context.Context, phone string) (*models.Profile, error) {
	want := util.CanonicalPhone(phone)
	if want == "" {
		return nil, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var found *models.Profile
	for _, p := range d.profiles {
		if util.CanonicalPhone(p.Phone) != want {
			continue
		}
		if found == nil || p.ID < found.ID {
			c := p
			found = &c
		}
	}
	return found, nil
}

func (d *MemoryDirectory) GetUnit(ctx context.Context, id string) (*models.Unit, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if u, ok := d.units[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (d *MemoryDirectory) GetEquipment(ctx context.Context, id string) (*models.Equipment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.equipment[id]; ok {
		return &e, nil
	}
	return nil, nil
}

func (d *MemoryDirectory) CreateTicket(ctx context.Context, ticket *models.Ticket) (*models.Ticket, error) {
	d.mu.Lock()
	if d.CreateErr != nil {
		err := d.CreateErr
		d.mu.Unlock()
		return nil, err
	}
	t := *ticket
	prepareTicket(&t, time.Now().UTC())
	d.tickets = append(d.tickets, t)
	hook := d.hook
	d.mu.Unlock()

	publishInsert(ctx, hook, models.TableTickets, &t)
	return &t, nil
}
