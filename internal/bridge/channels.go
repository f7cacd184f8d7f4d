package bridge

// DriverRequestsChannel is shared by every online driver.
const DriverRequestsChannel = "driver-requests"

// RideChannel scopes events to one ride.
func RideChannel(rideID string) string { return "ride-" + rideID }

// DriverChannel scopes events to one driver.
func DriverChannel(driverID string) string { return "driver-" + driverID }

// UserChannel scopes events to one user.
func UserChannel(userID string) string { return "user-" + userID }
