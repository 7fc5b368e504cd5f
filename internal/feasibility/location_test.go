package feasibility

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeready/internal/types"
)

func TestValidLocation(t *testing.T) {
	valid := []string{"98101", "10001-1234", "K1A 0B1", "k1a-0b1", "M5V2T6", " 98101 "}
	for _, v := range valid {
		assert.True(t, ValidLocation(v), "expected %q to be valid", v)
	}

	invalid := []string{"", "   ", "1234", "123456", "98101-12", "ABCDE", "K1A 0B", "98101; DROP TABLE"}
	for _, v := range invalid {
		assert.False(t, ValidLocation(v), "expected %q to be invalid", v)
	}
}

func TestValidateRouteNamesField(t *testing.T) {
	err := ValidateRoute("not-a-zip", "98101")
	require.Error(t, err)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidLocation, appErr.Code)
	assert.Equal(t, "departure", appErr.Details["field"])

	err = ValidateRoute("98101", "nope")
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "destination", appErr.Details["field"])

	assert.NoError(t, ValidateRoute("98101", "K1A 0B1"))
}
