package appointment

import (
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/voicedesk/voicedesk/pkg/core"
)

const (
	// DefaultPurpose labels bookings where the assistant did not capture one.
	DefaultPurpose = "Discovery Session"

	// DefaultDurationMinutes applies when duration_minutes is absent.
	DefaultDurationMinutes = 60

	MinDurationMinutes = 15
	MaxDurationMinutes = 480

	maxPurposeLen = 200
)

var phonePattern = regexp.MustCompile(`^[\d\s()+-]{10,20}$`)

// ParseRequest validates raw tool-call arguments into a Request. It returns
// the first failure only: one field and one actionable reason is all the
// assistant needs to relay to the caller.
//
// defaultTimezone fills an absent timezone argument; now anchors the
// future-date check, evaluated in the caller's timezone.
func ParseRequest(args map[string]any, defaultTimezone string, now time.Time) (Request, *core.Error) {
	name := strings.TrimSpace(stringArg(args, "name"))
	if name == "" {
		return Request{}, core.NewValidationError("name", "name is required")
	}

	phone := strings.TrimSpace(stringArg(args, "phone"))
	if !phonePattern.MatchString(phone) {
		return Request{}, core.NewValidationError("phone", "phone must be 10 to 20 characters of digits, spaces, hyphens, plus or parentheses")
	}

	email := strings.TrimSpace(stringArg(args, "email"))
	if email == "" {
		return Request{}, core.NewValidationError("email", "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return Request{}, core.NewValidationError("email", "invalid email address")
	}

	tz := strings.TrimSpace(stringArg(args, "timezone"))
	if tz == "" {
		tz = defaultTimezone
	}
	// "Local" loads but is not an IANA identifier.
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "Local" {
		return Request{}, core.NewValidationError("timezone", fmt.Sprintf("unknown timezone %q", tz))
	}

	rawDate := strings.TrimSpace(stringArg(args, "date"))
	date, err := time.ParseInLocation("2006-01-02", rawDate, loc)
	if err != nil {
		return Request{}, core.NewValidationError("date", "date must be in YYYY-MM-DD format")
	}
	today := now.In(loc)
	todayStart := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)
	if !date.After(todayStart) {
		return Request{}, core.NewValidationError("date", "date must be in the future")
	}

	rawTime := strings.TrimSpace(stringArg(args, "time"))
	clock, err := time.Parse("15:04", rawTime)
	if err != nil {
		return Request{}, core.NewValidationError("time", "time must be in HH:MM 24-hour format")
	}

	duration := DefaultDurationMinutes
	if v, present := args["duration_minutes"]; present && v != nil {
		n, convErr := intArg(v)
		if convErr != nil {
			return Request{}, core.NewValidationError("duration_minutes", "duration_minutes must be a whole number")
		}
		duration = n
	}
	if duration < MinDurationMinutes || duration > MaxDurationMinutes {
		return Request{}, core.NewValidationError("duration_minutes", fmt.Sprintf("duration_minutes must be between %d and %d", MinDurationMinutes, MaxDurationMinutes))
	}

	purpose := strings.TrimSpace(stringArg(args, "purpose"))
	if purpose == "" {
		purpose = DefaultPurpose
	}
	if len(purpose) > maxPurposeLen {
		return Request{}, core.NewValidationError("purpose", fmt.Sprintf("purpose must be %d characters or fewer", maxPurposeLen))
	}

	return Request{
		Name:            name,
		Phone:           phone,
		Email:           email,
		Date:            date.Format("2006-01-02"),
		Time:            clock.Format("15:04"),
		Purpose:         purpose,
		Timezone:        tz,
		DurationMinutes: duration,
	}, nil
}

// stringArg reads args[key] as a string. Engines occasionally send numbers
// where strings are expected (phone in particular), so numeric values are
// formatted rather than rejected.
func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func intArg(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("not an integer: %v", t)
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
