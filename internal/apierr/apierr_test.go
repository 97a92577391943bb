package apierr

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCodeMapsEachTaxonomyEntry(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, StatusCode(Validation("bad input")))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(Auth("missing key")))
	assert.Equal(t, http.StatusNotFound, StatusCode(NotFound("no such file")))
	assert.Equal(t, http.StatusGatewayTimeout, StatusCode(Timeout("source deadline exceeded")))
	assert.Equal(t, http.StatusBadGateway, StatusCode(Upstream("sink rejected write")))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(Saturated("queue full")))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(Integrity("disk io error")))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(Internal("unclassified")))
}

func TestStatusCodeDefaultsToInternalForPlainErrors(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusCode(fmt.Errorf("plain")))
}

func TestHintPassesThroughWrappedErrors(t *testing.T) {
	err := fmt.Errorf("context: %w", New(ErrValidation, "bad field", "check the payload shape"))
	assert.Equal(t, "check the payload shape", Hint(err))
}
