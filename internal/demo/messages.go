package demo

import "errors"

// AddRequest asks calc to add two numbers.
type AddRequest struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// AddResponse carries the sum back.
type AddResponse struct {
	Sum float64 `json:"sum"`
}

// CalcPerformed is broadcast after every calculation.
type CalcPerformed struct {
	Expression string  `json:"expression"`
	Sum        float64 `json:"sum"`
}

// AuditEvent is the fire-and-forget payload audit.log_event consumes.
type AuditEvent struct {
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

// RegisterRequest signs a reporter up with the audit service.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Age      int    `json:"age"`
}

// Validate implements messaging.Validator.
func (r RegisterRequest) Validate() error {
	if len(r.Username) < 3 {
		return errors.New("username must be at least 3 characters")
	}
	if r.Email == "" {
		return errors.New("email is required")
	}
	if r.Age < 0 {
		return errors.New("age cannot be negative")
	}
	return nil
}

// RegisterResponse acknowledges a successful registration.
type RegisterResponse struct {
	Registered bool `json:"registered"`
	Reporters  int  `json:"reporters"`
}

// TripRequest is the travel saga payload. SimulateCarFailure makes the
// car booking step fail so compensation can be watched end to end.
type TripRequest struct {
	Destination        string `json:"destination"`
	Nights             int    `json:"nights"`
	SimulateCarFailure bool   `json:"simulate_car_failure,omitempty"`
}

// Validate implements messaging.Validator.
func (t TripRequest) Validate() error {
	if t.Destination == "" {
		return errors.New("destination is required")
	}
	if t.Nights <= 0 {
		return errors.New("nights must be positive")
	}
	return nil
}

// Booking is a participant's forward result.
type Booking struct {
	BookingID string `json:"booking_id"`
}

// TripStatusRequest asks the travel service for a saga snapshot.
type TripStatusRequest struct {
	SagaID string `json:"saga_id"`
}

// Validate implements messaging.Validator.
func (t TripStatusRequest) Validate() error {
	if t.SagaID == "" {
		return errors.New("saga_id is required")
	}
	return nil
}
