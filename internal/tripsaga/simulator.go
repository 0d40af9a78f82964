package tripsaga

import (
	"context"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Simulator is an in-memory Bookings. Reservation and payment IDs derive
// from the trip ID, so repeated calls return the same values. Cards starting
// with DeclinedCardPrefix are refused.
type Simulator struct {
	// active holds live reservations by reservation ID.
	active *xsync.MapOf[string, string]
	sent   *xsync.MapOf[string, Itinerary]
}

// DeclinedCardPrefix marks test cards the simulator refuses.
const DeclinedCardPrefix = "4000"

func NewSimulator() *Simulator {
	return &Simulator{
		active: xsync.NewMapOf[string, string](),
		sent:   xsync.NewMapOf[string, Itinerary](),
	}
}

func (s *Simulator) ReserveFlight(ctx context.Context, req TripRequest) (FlightReservation, error) {
	r := FlightReservation{
		ReservationID: "FL-" + req.TripID,
		Flight:        req.From + "-" + req.To,
	}
	s.active.Store(r.ReservationID, "flight "+r.Flight)
	zerolog.Ctx(ctx).Debug().Str("reservation_id", r.ReservationID).Msg("flight reserved")
	return r, nil
}

func (s *Simulator) CancelFlight(ctx context.Context, r FlightReservation) error {
	s.active.Delete(r.ReservationID)
	zerolog.Ctx(ctx).Debug().Str("reservation_id", r.ReservationID).Msg("flight released")
	return nil
}

func (s *Simulator) ReserveHotel(ctx context.Context, req TripRequest) (HotelReservation, error) {
	r := HotelReservation{
		ReservationID: "HT-" + req.TripID,
		Hotel:         "Grand " + req.To,
		Nights:        req.Nights,
	}
	s.active.Store(r.ReservationID, "hotel "+r.Hotel)
	zerolog.Ctx(ctx).Debug().Str("reservation_id", r.ReservationID).Msg("hotel reserved")
	return r, nil
}

func (s *Simulator) CancelHotel(ctx context.Context, r HotelReservation) error {
	s.active.Delete(r.ReservationID)
	zerolog.Ctx(ctx).Debug().Str("reservation_id", r.ReservationID).Msg("hotel released")
	return nil
}

func (s *Simulator) Charge(_ context.Context, req TripRequest) (Payment, error) {
	if strings.HasPrefix(req.Card, DeclinedCardPrefix) {
		return Payment{}, ErrCardDeclined
	}
	return Payment{PaymentID: "PAY-" + req.TripID, Amount: req.Amount}, nil
}

func (s *Simulator) SendItinerary(ctx context.Context, it Itinerary) error {
	s.sent.Store(it.TripID, it)
	zerolog.Ctx(ctx).Info().Str("trip_id", it.TripID).Str("customer", it.Customer).Msg("itinerary sent")
	return nil
}

// Active returns the IDs of reservations that are held, sorted.
func (s *Simulator) Active() []string {
	var ids []string
	s.active.Range(func(id, _ string) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Sent returns the itinerary sent for a trip.
func (s *Simulator) Sent(tripID string) (Itinerary, bool) {
	return s.sent.Load(tripID)
}
