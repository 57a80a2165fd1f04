package main

import "context"

// BrowserDriver is everything the booking flow needs from the web page.
// Implementations report failures as *BookingError where they can tell a
// permanent rejection from a hiccup; anything else is treated as transient.
type BrowserDriver interface {
	Navigate(ctx context.Context) error
	Login(ctx context.Context, creds Credentials, solve SolveFunc, rejected RejectFunc) error
	SelectTrainClassQuota(ctx context.Context, sel TrainSelection) error
	ClickBookNow(ctx context.Context) BookNowOutcome
	SubmitPassengers(ctx context.Context, passengers []Passenger, opts PassengerOptions) (Allocation, error)
	CaptureCaptchaImage(ctx context.Context) ([]byte, error)
	SubmitCaptchaText(ctx context.Context, text string) (CaptchaVerdict, error)
	ProceedToPayment(ctx context.Context, req PaymentRequest) (PaymentHandoff, error)
}

// Refresher is implemented by drivers that can reload the current page.
// The login gate uses it to keep the session warm.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Snapshotter is implemented by drivers that can save a screenshot.
type Snapshotter interface {
	Snapshot(name string)
}

// SolveFunc turns a captcha image into text. The login form uses it.
type SolveFunc func(ctx context.Context, image []byte) (string, error)

// RejectFunc is told about an answer the site refused for image.
type RejectFunc func(image []byte, text string)

type TrainSelection struct {
	TrainNumber     string
	Class           CoachClass
	Quota           Quota
	TravelDate      string
	From            string
	To              string
	BoardingStation string
}

// BookNowOutcome describes what the page did after a Book Now click.
type BookNowOutcome struct {
	// Navigated is set once the passenger form has loaded.
	Navigated bool
	// DialogText is the text of any alert shown instead.
	DialogText string
	// ButtonDisabled reports a Book Now button that was present but inactive.
	ButtonDisabled bool
	Err            error
}

type PassengerOptions struct {
	AutoUpgrade         bool
	BookOnlyIfConfirmed bool
	PaymentMethod       PaymentMethod
	// UseMasterList picks each passenger from the account's saved list
	// when the name matches, and types the fields otherwise.
	UseMasterList bool
}

type AllocationStatus int

const (
	AllocationUnknown AllocationStatus = iota
	AllocationConfirmed
	AllocationRAC
	AllocationWaitlisted
)

func (s AllocationStatus) String() string {
	switch s {
	case AllocationConfirmed:
		return "Confirmed"
	case AllocationRAC:
		return "RAC"
	case AllocationWaitlisted:
		return "Waitlisted"
	}
	return "Unknown"
}

// Allocation is the availability the site offers once passengers are in.
type Allocation struct {
	Status AllocationStatus
	// Class is the class offered; empty means the class requested.
	Class CoachClass
	Text  string
	Fare  string
}

type CaptchaVerdict int

const (
	CaptchaRejected CaptchaVerdict = iota
	CaptchaAccepted
)

type PaymentRequest struct {
	Method PaymentMethod
	UPIID  string
}

// PaymentHandoff is what is known when control passes to the gateway.
type PaymentHandoff struct {
	Gateway       string
	URL           string
	PNR           string
	BookingStatus string
}
