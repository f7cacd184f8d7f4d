package ride

// Status is the single ride status enum used across both surfaces.
//
// ACCEPTED is the driver-side name for a ride the driver has taken but not
// started; it is equivalent to DRIVER_ASSIGNED (see Canonical).
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusDriverAssigned Status = "DRIVER_ASSIGNED"
	StatusArriving       Status = "ARRIVING"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
	StatusAccepted       Status = "ACCEPTED"
)

// Event is a lifecycle trigger fed to Next.
type Event int

const (
	EventDriverAssigned Event = iota + 1
	EventDriverArriving
	EventTripStarted
	EventTripCompleted
	EventRideCancelled
)

func (e Event) String() string {
	switch e {
	case EventDriverAssigned:
		return "driver_assigned"
	case EventDriverArriving:
		return "driver_arriving"
	case EventTripStarted:
		return "trip_started"
	case EventTripCompleted:
		return "trip_completed"
	case EventRideCancelled:
		return "ride_cancelled"
	default:
		return "unknown"
	}
}

// Color tags used by the surfaces to style a status badge.
const (
	ColorYellow = "yellow"
	ColorBlue   = "blue"
	ColorPurple = "purple"
	ColorGreen  = "green"
	ColorRed    = "red"
	ColorGray   = "gray"
)

// StatusInfo is the display metadata for a status.
type StatusInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

var statusInfo = map[Status]StatusInfo{
	StatusPending:        {Title: "Finding your driver", Description: "We're matching you with a nearby driver", Color: ColorYellow},
	StatusDriverAssigned: {Title: "Driver assigned", Description: "Your driver is on the way to the pickup point", Color: ColorBlue},
	StatusAccepted:       {Title: "Ride accepted", Description: "Head to the pickup point to meet your passenger", Color: ColorBlue},
	StatusArriving:       {Title: "Driver arriving", Description: "Your driver is almost at the pickup point", Color: ColorPurple},
	StatusInProgress:     {Title: "Trip in progress", Description: "Enjoy your ride", Color: ColorGreen},
	StatusCompleted:      {Title: "Trip completed", Description: "Thanks for riding with GidiGo", Color: ColorGreen},
	StatusCancelled:      {Title: "Ride cancelled", Description: "This ride has been cancelled", Color: ColorRed},
}

var unknownInfo = StatusInfo{Title: "Unknown", Description: "Updating ride status...", Color: ColorGray}

// Info returns the display metadata for status. Unknown or empty statuses get
// a neutral "Updating" entry.
func Info(status Status) StatusInfo {
	if info, ok := statusInfo[status]; ok {
		return info
	}
	return unknownInfo
}

// Valid reports whether status is part of the enum.
func (s Status) Valid() bool {
	_, ok := statusInfo[s]
	return ok
}

// IsTerminal reports whether no further transitions are accepted.
func IsTerminal(status Status) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// CanCancel reports whether the user may still cancel the ride.
func CanCancel(status Status) bool {
	switch status {
	case StatusPending, StatusDriverAssigned, StatusAccepted:
		return true
	default:
		return false
	}
}

// Canonical folds the driver-side alias onto the shared enum.
func Canonical(status Status) Status {
	if status == StatusAccepted {
		return StatusDriverAssigned
	}
	return status
}

// DriverView maps a canonical status to what the driver surface shows.
func DriverView(status Status) Status {
	switch status {
	case StatusDriverAssigned, StatusArriving:
		return StatusAccepted
	default:
		return status
	}
}

// PassengerView is the inverse of DriverView for the passenger surface.
func PassengerView(status Status) Status {
	return Canonical(status)
}

type edge struct {
	from  Status
	event Event
}

// transitions is defined over canonical statuses only.
var transitions = map[edge]Status{
	{StatusPending, EventDriverAssigned}:        StatusDriverAssigned,
	{StatusDriverAssigned, EventDriverArriving}: StatusArriving,
	{StatusDriverAssigned, EventTripStarted}:    StatusInProgress,
	{StatusArriving, EventTripStarted}:          StatusInProgress,
	{StatusInProgress, EventTripCompleted}:      StatusCompleted,
}

// Next returns the status reached from current on event and whether the
// transition is allowed. Terminal statuses accept nothing. A driver-view
// input yields a driver-view output.
func Next(current Status, event Event) (Status, bool) {
	if IsTerminal(current) || !current.Valid() {
		return current, false
	}

	var next Status
	if event == EventRideCancelled {
		next = StatusCancelled
	} else {
		var ok bool
		next, ok = transitions[edge{Canonical(current), event}]
		if !ok {
			return current, false
		}
	}

	if current == StatusAccepted {
		return DriverView(next), true
	}
	return next, true
}

// EventFor returns the event that moves a ride into target, used when the
// dispatch side announces a status rather than an event.
func EventFor(target Status) (Event, bool) {
	switch target {
	case StatusDriverAssigned, StatusAccepted:
		return EventDriverAssigned, true
	case StatusArriving:
		return EventDriverArriving, true
	case StatusInProgress:
		return EventTripStarted, true
	case StatusCompleted:
		return EventTripCompleted, true
	case StatusCancelled:
		return EventRideCancelled, true
	default:
		return 0, false
	}
}
