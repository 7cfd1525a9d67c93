package booking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-share/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type LocationInput struct {
	Address string   `json:"address" validate:"required,max=200"`
	City    string   `json:"city" validate:"required,max=100"`
	State   *string  `json:"state" validate:"omitempty,max=100"`
	Country *string  `json:"country" validate:"omitempty,max=100"`
	Lat     *float64 `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lng     *float64 `json:"lng" validate:"omitempty,gte=-180,lte=180"`
}

func (l LocationInput) model() models.Location {
	return models.Location{Address: l.Address, City: l.City, State: l.State, Country: l.Country, Lat: l.Lat, Lng: l.Lng}
}

type VehicleInput struct {
	Make  string `json:"make" validate:"required,max=50"`
	Model string `json:"model" validate:"required,max=50"`
	Year  int    `json:"year" validate:"omitempty,gte=1950,lte=2100"`
	Color string `json:"color" validate:"max=30"`
	Plate string `json:"plate" validate:"max=20"`
}

// RideInput is a driver's offer.
type RideInput struct {
	Origin            LocationInput `json:"origin" validate:"required"`
	Destination       LocationInput `json:"destination" validate:"required"`
	Date              string        `json:"date" validate:"required,datetime=2006-01-02"`
	Time              string        `json:"time" validate:"required,datetime=15:04"`
	Seats             int           `json:"seats" validate:"required,min=1,max=8"`
	PricePerSeatCents int64         `json:"price_per_seat_cents" validate:"gte=0"`
	Currency          string        `json:"currency" validate:"omitempty,len=3,alpha"`
	Vehicle           *VehicleInput `json:"vehicle" validate:"omitempty"`
	Description       string        `json:"description" validate:"max=1000"`
}

type BookingRequest struct {
	RideID        string `json:"ride_id" validate:"required"`
	PassengerID   string `json:"passenger_id" validate:"required"`
	Seats         int    `json:"seats" validate:"required,min=1"`
	ContactPhone  string `json:"contact_phone" validate:"max=32"`
	Notes         string `json:"notes" validate:"max=500"`
	PaymentMethod string `json:"payment_method" validate:"omitempty,oneof=cash card transfer"`
}

// BookingResult carries the new booking and the ride state it committed with.
type BookingResult struct {
	Booking models.Booking `json:"booking"`
	Ride    models.Ride    `json:"ride"`
}

type CancelResult struct {
	Booking models.Booking `json:"booking"`
	Ride    models.Ride    `json:"ride"`
}

const dateLayout = "2006-01-02"

// ValidateDateRange checks optional YYYY-MM-DD listing bounds.
func ValidateDateRange(from, to string) error {
	for name, v := range map[string]string{"from": from, "to": to} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(dateLayout, v); err != nil {
			return fmt.Errorf("%w: %s must be a date in YYYY-MM-DD form", ErrValidation, name)
		}
	}
	return nil
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "datetime":
		return fmt.Sprintf("%s must match %s", field, fe.Param())
	}
	return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
}

func requireIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, pairs[i])
		}
	}
	return nil
}
