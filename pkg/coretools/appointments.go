package coretools

import (
	"context"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Appointment is a booked visit.
type Appointment struct {
	ID          string    `json:"appointment_id"`
	MemberID    string    `json:"member_id"`
	Doctor      string    `json:"doctor"`
	Reason      string    `json:"reason"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Payload renders the appointment as a tool payload.
func (a Appointment) Payload() map[string]interface{} {
	return map[string]interface{}{
		"appointment_id": a.ID,
		"member_id":      a.MemberID,
		"doctor":         a.Doctor,
		"reason":         a.Reason,
		"scheduled_at":   a.ScheduledAt.Format(time.RFC3339),
	}
}

// AppointmentBook stores appointments in memory.
type AppointmentBook struct {
	mu    sync.Mutex
	items []Appointment
}

// NewAppointmentBook creates an empty book.
func NewAppointmentBook() *AppointmentBook {
	return &AppointmentBook{}
}

// Book assigns an id and stores the appointment.
func (b *AppointmentBook) Book(ctx context.Context, a Appointment) (Appointment, error) {
	if err := ctx.Err(); err != nil {
		return Appointment{}, err
	}
	id, err := gonanoid.New(12)
	if err != nil {
		return Appointment{}, err
	}
	a.ID = "apt_" + id

	b.mu.Lock()
	b.items = append(b.items, a)
	b.mu.Unlock()
	return a, nil
}

// ForMember lists a member's appointments by scheduled time.
func (b *AppointmentBook) ForMember(memberID string) []Appointment {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Appointment
	for _, a := range b.items {
		if a.MemberID == memberID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}
