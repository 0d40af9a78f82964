// Package tripsaga is the trip booking saga run by the sagaworker binary:
// reserve a flight, reserve a hotel, charge the card, send the itinerary.
// A declined card unwinds the two reservations.
package tripsaga

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortressi/sagatask"
	"github.com/rs/zerolog"
)

// Name is the saga name, and so the entry task name.
const Name = "trip_booking"

// ErrCardDeclined is returned by Bookings.Charge when the payment is refused.
var ErrCardDeclined = errors.New("card declined")

// TripRequest is the entry payload.
type TripRequest struct {
	TripID   string  `json:"trip_id"`
	Customer string  `json:"customer"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	Nights   int     `json:"nights"`
	Card     string  `json:"card"`
	Amount   float64 `json:"amount"`
}

func (r TripRequest) validate() error {
	switch {
	case r.TripID == "":
		return errors.New("trip_id is required")
	case r.From == "" || r.To == "":
		return errors.New("from and to are required")
	case r.From == r.To:
		return fmt.Errorf("from and to are both %q", r.From)
	case r.Nights <= 0:
		return fmt.Errorf("nights must be positive, got %d", r.Nights)
	case r.Amount <= 0:
		return fmt.Errorf("amount must be positive, got %v", r.Amount)
	}
	return nil
}

type FlightReservation struct {
	ReservationID string `json:"reservation_id"`
	Flight        string `json:"flight"`
}

type HotelReservation struct {
	ReservationID string `json:"reservation_id"`
	Hotel         string `json:"hotel"`
	Nights        int    `json:"nights"`
}

type Payment struct {
	PaymentID string  `json:"payment_id"`
	Amount    float64 `json:"amount"`
}

// Itinerary is what the last step sends to the customer.
type Itinerary struct {
	TripID   string            `json:"trip_id"`
	Customer string            `json:"customer"`
	Flight   FlightReservation `json:"flight"`
	Hotel    HotelReservation  `json:"hotel"`
	Payment  Payment           `json:"payment"`
}

// Bookings are the services the saga drives. Every call may be repeated for
// the same trip and must be idempotent.
type Bookings interface {
	ReserveFlight(ctx context.Context, req TripRequest) (FlightReservation, error)
	CancelFlight(ctx context.Context, r FlightReservation) error
	ReserveHotel(ctx context.Context, req TripRequest) (HotelReservation, error)
	CancelHotel(ctx context.Context, r HotelReservation) error
	Charge(ctx context.Context, req TripRequest) (Payment, error)
	SendItinerary(ctx context.Context, it Itinerary) error
}

// Steps in execution order.
const (
	StepReserveFlight = "reserve_flight"
	StepReserveHotel  = "reserve_hotel"
	StepChargeCard    = "charge_card"
	StepSendItinerary = "send_itinerary"
)

// Define builds the saga definition on top of b.
func Define(b Bookings) (*sagatask.SagaBuilder, error) {
	saga := sagatask.NewSaga(Name, sagatask.JSONContract(TripRequest.validate))

	steps := []struct {
		name   string
		run    sagatask.RunFunc
		cancel sagatask.CancelFunc
	}{
		{
			StepReserveFlight,
			sagatask.RunFuncOf(func(ctx context.Context, sc sagatask.StepContext) (FlightReservation, error) {
				req, err := sagatask.PayloadAs[TripRequest](sc)
				if err != nil {
					return FlightReservation{}, err
				}
				return b.ReserveFlight(ctx, req)
			}),
			sagatask.CancelFuncOf(func(ctx context.Context, _ sagatask.StepContext, r FlightReservation) error {
				return b.CancelFlight(ctx, r)
			}),
		},
		{
			StepReserveHotel,
			sagatask.RunFuncOf(func(ctx context.Context, sc sagatask.StepContext) (HotelReservation, error) {
				req, err := sagatask.PayloadAs[TripRequest](sc)
				if err != nil {
					return HotelReservation{}, err
				}
				return b.ReserveHotel(ctx, req)
			}),
			sagatask.CancelFuncOf(func(ctx context.Context, _ sagatask.StepContext, r HotelReservation) error {
				return b.CancelHotel(ctx, r)
			}),
		},
		{
			StepChargeCard,
			sagatask.RunFuncOf(func(ctx context.Context, sc sagatask.StepContext) (Payment, error) {
				req, err := sagatask.PayloadAs[TripRequest](sc)
				if err != nil {
					return Payment{}, err
				}
				p, err := b.Charge(ctx, req)
				if errors.Is(err, ErrCardDeclined) {
					zerolog.Ctx(ctx).Info().Str("trip_id", req.TripID).Msg("payment declined, unwinding trip")
					return Payment{}, sc.Cancel(err.Error())
				}
				return p, err
			}),
			nil,
		},
		{
			StepSendItinerary,
			func(ctx context.Context, sc sagatask.StepContext) (any, error) {
				it, err := itinerary(sc)
				if err != nil {
					return nil, err
				}
				return nil, b.SendItinerary(ctx, it)
			},
			nil,
		},
	}
	for _, s := range steps {
		if err := saga.AddStep(s.name, s.run, s.cancel); err != nil {
			return nil, err
		}
	}
	return saga, nil
}

// New compiles the trip saga.
func New(b Bookings, opts ...sagatask.Option) (*sagatask.TaskRegistry, error) {
	saga, err := Define(b)
	if err != nil {
		return nil, err
	}
	return saga.Compile(opts...)
}

func itinerary(sc sagatask.StepContext) (Itinerary, error) {
	req, err := sagatask.PayloadAs[TripRequest](sc)
	if err != nil {
		return Itinerary{}, err
	}
	flight, err := sagatask.Lookup[FlightReservation](sc, StepReserveFlight)
	if err != nil {
		return Itinerary{}, err
	}
	hotel, err := sagatask.Lookup[HotelReservation](sc, StepReserveHotel)
	if err != nil {
		return Itinerary{}, err
	}
	payment, err := sagatask.Lookup[Payment](sc, StepChargeCard)
	if err != nil {
		return Itinerary{}, err
	}
	return Itinerary{
		TripID:   req.TripID,
		Customer: req.Customer,
		Flight:   flight,
		Hotel:    hotel,
		Payment:  payment,
	}, nil
}
