package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/storage"
)

// Directory resolves where a user is reached.
type Directory interface {
	LookupContact(ctx context.Context, userID string) (models.Contact, error)
}

// Sender is satisfied by *mail.Client.
type Sender interface {
	DialAndSendWithContext(ctx context.Context, msgs ...*mail.Msg) error
}

func NewSMTPClient(host string, port int, user, pass string) (*mail.Client, error) {
	opts := []mail.Option{mail.WithPort(port)}
	if user != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain), mail.WithUsername(user), mail.WithPassword(pass))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	c, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return c, nil
}

// Mailer turns lifecycle events into plain-text mails for the driver and
// passengers involved.
type Mailer struct {
	Sender    Sender
	Directory Directory
	From      string
	FromName  string
	Logger    *slog.Logger
}

func (m *Mailer) Name() string { return "mail" }

func (m *Mailer) Deliver(ctx context.Context, ev models.Event) error {
	msgs, err := m.Compose(ctx, ev)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := m.Sender.DialAndSendWithContext(ctx, msgs...); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

type note struct {
	userID  string
	subject string
	body    string
}

// Compose builds the messages an event should produce. Users without an
// address on file are skipped.
func (m *Mailer) Compose(ctx context.Context, ev models.Event) ([]*mail.Msg, error) {
	var notes []note
	ride := ev.Ride
	if ride == nil {
		ride = &models.Ride{ID: ev.RideID, DriverID: ev.DriverID}
	}
	trip := describeTrip(ride)

	switch ev.Type {
	case models.EventRideCreated:
		notes = append(notes, note{ev.DriverID, "Your ride is published",
			fmt.Sprintf("Your ride %s is open for bookings with %d seat(s).\n", trip, ride.CapacitySeats)})
	case models.EventBookingCreated:
		notes = append(notes,
			note{ev.PassengerID, "Your booking is confirmed",
				fmt.Sprintf("You booked %d seat(s) on %s.\nTotal: %s\nBooking reference: %s\n", ev.Seats, trip, money(ev.AmountCents, ev.Currency), ev.BookingID)},
			note{ev.DriverID, "New booking on your ride",
				fmt.Sprintf("A passenger booked %d seat(s) on %s.\n%d seat(s) remain.\n", ev.Seats, trip, ride.AvailableSeats)},
		)
	case models.EventBookingCancelled:
		notes = append(notes, note{ev.PassengerID, "Your booking was cancelled",
			fmt.Sprintf("Your booking %s on %s was cancelled (%s).\n", ev.BookingID, trip, humanReason(ev.Reason))})
		if ev.Reason != models.ReasonRideCancelled {
			notes = append(notes, note{ev.DriverID, "A booking was cancelled",
				fmt.Sprintf("%d seat(s) on %s were released (%s).\n", ev.Seats, trip, humanReason(ev.Reason))})
		}
	case models.EventRideStatusChanged:
		switch ev.Status {
		case models.RideInProgress:
			for _, p := range ride.BookedBy {
				notes = append(notes, note{p, "Your ride has started", fmt.Sprintf("Your driver has started %s.\n", trip)})
			}
		case models.RideCompleted:
			for _, p := range ride.BookedBy {
				notes = append(notes, note{p, "Receipt for your ride", fmt.Sprintf("Thanks for riding %s.\nRide reference: %s\n", trip, ride.ID)})
			}
		}
	}

	msgs := make([]*mail.Msg, 0, len(notes))
	for _, n := range notes {
		msg, err := m.message(ctx, n)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func (m *Mailer) message(ctx context.Context, n note) (*mail.Msg, error) {
	if n.userID == "" {
		return nil, nil
	}
	c, err := m.Directory.LookupContact(ctx, n.userID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && c.Email == "") {
		m.log().Debug("no mail address on file", "user_id", n.userID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup contact %s: %w", n.userID, err)
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(m.FromName, m.From); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := msg.AddToFormat(c.Name, c.Email); err != nil {
		return nil, fmt.Errorf("set to %s: %w", n.userID, err)
	}
	msg.Subject(n.subject)
	greeting := "Hello"
	if c.Name != "" {
		greeting += " " + c.Name
	}
	msg.SetBodyString(mail.TypeTextPlain, greeting+",\n\n"+n.body)
	return msg, nil
}

func (m *Mailer) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func describeTrip(r *models.Ride) string {
	if r.Origin.City == "" && r.Destination.City == "" {
		return "ride " + r.ID
	}
	s := fmt.Sprintf("%s to %s", r.Origin.City, r.Destination.City)
	if r.Date != "" {
		s += " on " + r.Date
		if r.Time != "" {
			s += " at " + r.Time
		}
	}
	return s
}

func money(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, strings.ToUpper(currency))
}

func humanReason(r string) string {
	switch r {
	case models.ReasonPassengerCancelled:
		return "cancelled by the passenger"
	case models.ReasonDriverCancelled:
		return "cancelled by the driver"
	case models.ReasonRideCancelled:
		return "the ride was cancelled"
	}
	return "cancelled"
}

// StaticDirectory serves contacts from memory; used when no database is configured.
type StaticDirectory map[string]models.Contact

func (d StaticDirectory) LookupContact(_ context.Context, userID string) (models.Contact, error) {
	c, ok := d[userID]
	if !ok {
		return models.Contact{}, storage.ErrNotFound
	}
	return c, nil
}
