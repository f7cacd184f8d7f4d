package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	Lat float64 `validate:"latitude"`
	Lng float64 `validate:"longitude"`
}

type statusUpdate struct {
	RideID string `json:"rideId" validate:"required"`
	Status string `json:"status" validate:"required,ride_status"`
	Phone  string `json:"phone" validate:"omitempty,phone"`
}

// ---------------------------------------------------------------------------
// ValidateStruct
// ---------------------------------------------------------------------------

func TestValidateStruct_Coordinates(t *testing.T) {
	tests := []struct {
		name    string
		in      point
		wantErr bool
	}{
		{"lagos", point{6.5244, 3.3792}, false},
		{"origin", point{0, 0}, false},
		{"poles", point{-90, 180}, false},
		{"latitude too high", point{90.1, 0}, true},
		{"longitude too low", point{0, -180.5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidationError(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateStruct_RideStatus(t *testing.T) {
	assert.NoError(t, ValidateStruct(statusUpdate{RideID: "r1", Status: "IN_PROGRESS"}))
	assert.NoError(t, ValidateStruct(statusUpdate{RideID: "r1", Status: "accepted"}))

	err := ValidateStruct(statusUpdate{RideID: "r1", Status: "FLYING"})
	require.Error(t, err)
	var v *ValidationError
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Errors, "statusUpdate.Status")
}

func TestValidateStruct_CollectsEveryField(t *testing.T) {
	err := ValidateStruct(statusUpdate{Phone: "not-a-phone"})
	require.Error(t, err)

	var v *ValidationError
	require.ErrorAs(t, err, &v)
	assert.Len(t, v.Errors, 3)
	assert.Equal(t, "is required", v.Errors["statusUpdate.RideID"])
	assert.Contains(t, err.Error(), "validation failed: ")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestValidatePhoneNumber(t *testing.T) {
	assert.True(t, ValidatePhoneNumber("+2348012345678"))
	assert.True(t, ValidatePhoneNumber(" 2348012345678 "))
	assert.False(t, ValidatePhoneNumber("0801"))
	assert.False(t, ValidatePhoneNumber(""))
}

func TestValidateCoordinates(t *testing.T) {
	assert.NoError(t, ValidateCoordinates(6.45, 3.39))
	assert.Error(t, ValidateCoordinates(91, 0))
	assert.Error(t, ValidateCoordinates(0, 181))
}

func TestValidateDateRange(t *testing.T) {
	day := func(d int) *time.Time {
		v := time.Date(2024, 2, d, 0, 0, 0, 0, time.UTC)
		return &v
	}

	assert.NoError(t, ValidateDateRange(nil, nil))
	assert.NoError(t, ValidateDateRange(day(18), nil))
	assert.NoError(t, ValidateDateRange(day(20), day(20)))
	assert.NoError(t, ValidateDateRange(day(18), day(20)))

	err := ValidateDateRange(day(20), day(18))
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestValidationError_AddError(t *testing.T) {
	var v ValidationError
	assert.False(t, v.HasErrors())
	v.AddError("status", "is required")
	assert.True(t, v.HasErrors())
	assert.Equal(t, "validation failed: status: is required", v.Error())
}
