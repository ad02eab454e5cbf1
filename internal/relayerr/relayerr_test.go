package relayerr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	require.Equal(t, 401, KindUnauthorizedToken.HTTPStatus())
	require.Equal(t, 403, KindUnauthorizedOrigin.HTTPStatus())
	require.Equal(t, 404, KindNoTarget.HTTPStatus())
	require.Equal(t, 400, KindTransportMalformed.HTTPStatus())
}

func TestErrorMessage(t *testing.T) {
	err := New(KindNoExtension, "Extension not connected")
	require.EqualError(t, err, "Extension not connected")
}
